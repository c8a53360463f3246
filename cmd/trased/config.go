package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trase-agent/internal/config"
)

const redacted = "******"

func newConfigCommand(root *rootOptions) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			if !showSecrets {
				redact(cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secrets and passwords verbatim")
	return cmd
}

// redact 隐藏密钥、口令与连接串。
func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Auth.JWT.Secret)
	mask(&cfg.Storage.MySQL.DSN)
	mask(&cfg.Events.Redis.Password)
	mask(&cfg.Events.RabbitMQ.URL)
	mask(&cfg.Alerting.WebhookURL)
	for i := range cfg.Auth.Seeds {
		mask(&cfg.Auth.Seeds[i].Password)
	}
}
