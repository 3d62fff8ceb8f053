package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/conf"
	"github.com/zhukovaskychina/xtide-server/server/store/applier"
)

// 副本侧的日志应用者守护进程
// 跟随拷贝过来的主库日志, 把行操作重放到本地副本库。
func main() {
	var configPath string
	var logDir string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&logDir, "logDir", "", "主库日志副本目录(缺省用datadir)")
	flag.Parse()

	config := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if logDir == "" {
		logDir = config.DataDir
	}
	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	a, err := applier.New(applier.Config{
		Dir:          logDir,
		Prefix:       config.Name,
		ReplicaDSN:   config.ReplicaDSN,
		DBName:       config.Name,
		NBuffers:     config.LogNBuffers,
		MaxMemSizeMB: uint64(config.ApplyMaxMemSizeMB),
		PollInterval: config.ApplyPollInterval,
		SyncInterval: 500 * time.Millisecond,
	})
	if err != nil {
		logger.Errorf("applier boot: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err = a.Run(ctx); err != nil {
		logger.Errorf("applier exit: %v\n", err)
		// 内存触顶属于预期退出, 外部supervisor负责重启
		os.Exit(1)
	}
}
