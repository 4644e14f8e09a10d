package cli

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print the effective values",
		Long: `Load defaults, the --config file and TIMELEDGER_* variables, check the
result against the configuration schema and print it as YAML.

Exit codes:
  0 - Configuration is valid
  2 - Configuration is invalid or unreadable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.MongoPassword != "" {
				cfg.Store.MongoPassword = "********"
			}
			if u, err := url.Parse(cfg.Store.MongoURI); err == nil && u.User != nil {
				cfg.Store.MongoURI = u.Redacted()
			}
			if cfg.Cache.RedisPassword != "" {
				cfg.Cache.RedisPassword = "********"
			}
			return rootOpts.formatter(cmd).Success(cfg, func(w io.Writer) error {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("encode config: %w", err)
				}
				_, err = w.Write(data)
				return err
			})
		},
	})

	return cmd
}
