package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/**
[xtide]
name          = demodb
datadir       = /var/lib/xtide
log-page-size = 4096
io-page-size  = 4096
log-npages    = 1280
*/
type Cfg struct {
	Raw     *ini.File
	Name    string // 数据库名, 也是所有磁盘文件的前缀
	DataDir string
	BaseDir string

	LogError string
	LogInfos string
	LogLevel string

	// 页参数
	IOPageSize  int `default:"4096"`
	LogPageSize int `default:"4096"`
	LogNPages   int `default:"1280"` // 活动日志循环区页数

	// 日志层
	LogNBuffers              int  `default:"128"` // 日志页缓冲, 最小3
	GroupCommitIntervalMsecs int  `default:"0"`   // 0关闭批量提交
	LogBgArchive             bool `default:"false"`
	ChkptEveryNPages         int  `default:"10000"`

	// 磁盘层
	MaxTmpPages  int `default:"-1"` // TEMP_TEMP增长上限, -1不限
	DataNBuffers int `default:"256"`

	// 事务表
	MaxClients int `default:"100"`

	// 应用者
	ApplyMaxMemSizeMB       int    `default:"500"`
	ApplyPollIntervalMsecs  int    `default:"100"`
	ReplicaDSN              string
	ApplyPollInterval       time.Duration
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                      ini.Empty(),
		Name:                     "xtide",
		IOPageSize:               4096,
		LogPageSize:              4096,
		LogNPages:                1280,
		LogNBuffers:              128,
		GroupCommitIntervalMsecs: 0,
		ChkptEveryNPages:         10000,
		MaxTmpPages:              -1,
		DataNBuffers:             256,
		MaxClients:               100,
		ApplyMaxMemSizeMB:        500,
		ApplyPollIntervalMsecs:   100,
		LogLevel:                 "info",
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		fmt.Println("加载配置文件时有异常", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile
	cfg.parseStoreCfg(cfg.Raw.Section("xtide"))
	cfg.ApplyPollInterval = time.Duration(cfg.ApplyPollIntervalMsecs) * time.Millisecond
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	if args.ConfigPath == "" {
		return ini.Empty(), nil
	}
	parsedFile, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	parsedFile.BlockMode = false
	return parsedFile, nil
}

// parseStoreCfg 解析[xtide]节
// 缺省值沿用NewCfg里的设定。
func (cfg *Cfg) parseStoreCfg(section *ini.Section) *Cfg {
	cfg.Name = section.Key("name").MustString(cfg.Name)
	cfg.DataDir = section.Key("datadir").MustString(cfg.DataDir)
	cfg.BaseDir = section.Key("basedir").MustString(cfg.BaseDir)
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(ConfigPath, "data")
	}
	cfg.LogError = section.Key("log-error").MustString(filepath.Join(cfg.DataDir, cfg.Name+".err"))
	cfg.LogInfos = section.Key("log-info").MustString(filepath.Join(cfg.DataDir, cfg.Name+".log"))
	cfg.LogLevel = section.Key("log-level").MustString(cfg.LogLevel)

	cfg.IOPageSize = section.Key("io-page-size").MustInt(cfg.IOPageSize)
	cfg.LogPageSize = section.Key("log-page-size").MustInt(cfg.LogPageSize)
	cfg.LogNPages = section.Key("log-npages").MustInt(cfg.LogNPages)

	cfg.LogNBuffers = section.Key("log-nbuffers").MustInt(cfg.LogNBuffers)
	cfg.GroupCommitIntervalMsecs = section.Key("group-commit-interval-msecs").MustInt(cfg.GroupCommitIntervalMsecs)
	cfg.LogBgArchive = section.Key("bg-archive").MustBool(cfg.LogBgArchive)
	cfg.ChkptEveryNPages = section.Key("chkpt-every-npages").MustInt(cfg.ChkptEveryNPages)

	cfg.MaxTmpPages = section.Key("maxtmp-pages").MustInt(cfg.MaxTmpPages)
	cfg.DataNBuffers = section.Key("data-nbuffers").MustInt(cfg.DataNBuffers)
	cfg.MaxClients = section.Key("max-clients").MustInt(cfg.MaxClients)

	cfg.ApplyMaxMemSizeMB = section.Key("apply-max-mem-size").MustInt(cfg.ApplyMaxMemSizeMB)
	cfg.ApplyPollIntervalMsecs = section.Key("apply-poll-interval-msecs").MustInt(cfg.ApplyPollIntervalMsecs)
	cfg.ReplicaDSN = section.Key("replica-dsn").MustString(cfg.ReplicaDSN)
	return cfg
}
