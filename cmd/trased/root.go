package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"trase-agent/internal/config"
	"trase-agent/pkg/logger"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "trased",
		Short: "Task run lifecycle service",
		Long: `trased tracks agents, tasks and the runs started for them.

Configuration is read from --config (or TRASE_CONFIG), then overridden by
TRASE_* environment variables, e.g. TRASE_STORAGE_DRIVER=sqlite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default: ./trased.yaml when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newConfigCommand(opts),
		newEventsCommand(opts),
	)
	return root
}

// load 读取配置并初始化日志。
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if level := strings.TrimSpace(o.logLevel); level != "" {
		if _, ok := logger.ParseLevel(level); !ok {
			return nil, fmt.Errorf("unknown log level %q", level)
		}
		cfg.Logging.Level = level
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
