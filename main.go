package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/conf"
	"github.com/zhukovaskychina/xtide-server/server/store/engine"
)

const help = `
******************************************************************************************

 __   _______ _____ _____  ______       _____ ______ _______      ________ _____
 \ \ / /_   _|_   _|  __ \|  ____|     / ____|  ____|  __ \ \    / /  ____|  __ \
  \ V /  | |   | | | |  | | |__ ______| (___ | |__  | |__) \ \  / /| |__  | |__) |
   > <   | |   | | | |  | |  __|______|\___ \|  __| |  _  / \ \/ / |  __| |  _  /
  / . \  | |  _| |_| |__| | |____      ____) | |____| | \ \  \  /  | |____| | \ \
 /_/ \_\ |_| |_____|_____/|______|    |_____/|______|_|  \_\  \/   |______|_|  \_\

******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定配置文件
*3. -- initialize   初始化数据库
*4. -- npages       初始化时第0卷的页数
******************************************************************************************
`

func main() {
	var configPath string
	var initialize bool
	var npages int
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&initialize, "initialize", false, "初始化数据库")
	flag.IntVar(&npages, "npages", 1000, "初始化时第0卷的页数")
	flag.Parse()

	args := &conf.CommandLineArgs{ConfigPath: configPath}
	config := conf.NewCfg().Load(args)

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	fmt.Print(help)

	var (
		eng *engine.Engine
		err error
	)
	if initialize {
		eng, err = engine.Create(config, int32(npages))
	} else {
		eng, err = engine.Open(config)
	}
	if err != nil {
		logger.Errorf("engine boot: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err = eng.Shutdown(); err != nil {
		logger.Errorf("shutdown: %v\n", err)
		os.Exit(1)
	}
}
