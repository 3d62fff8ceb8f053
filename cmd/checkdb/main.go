package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/conf"
	"github.com/zhukovaskychina/xtide-server/server/store/disk"
	"github.com/zhukovaskychina/xtide-server/server/store/engine"
)

// 离线一致性检查: 逐卷重算位图空闲计数并与卷头比对
func main() {
	var configPath string
	var repair bool
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&repair, "repair", false, "修复计数不一致")
	flag.Parse()

	config := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	eng, err := engine.Open(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer eng.Shutdown()

	bad := 0
	for volID := int16(0); ; volID++ {
		if _, ok := eng.Reg.Get(volID); !ok {
			break
		}
		result, err := eng.Disk.Check(volID, repair)
		if err != nil {
			fmt.Fprintf(os.Stderr, "volume %d: %v\n", volID, err)
			bad++
			continue
		}
		fmt.Printf("volume %d: %v\n", volID, result)
		if result != disk.CheckValid {
			bad++
		}
	}
	if bad > 0 {
		os.Exit(1)
	}
}
