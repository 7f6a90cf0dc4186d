// Package cli implements the postflow command line.
package cli

import (
	"github.com/spf13/cobra"

	"postflow/internal/config"
)

// overrides are command-line values that win over the config file, on the
// first load and on every reload.
type overrides struct {
	configPath string
	logLevel   string
	addr       string
	dbDriver   string
	dbDSN      string
}

func (o *overrides) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.addr != "" {
		cfg.HTTP.Addr = o.addr
	}
	if o.dbDriver != "" {
		cfg.Store.Driver = o.dbDriver
	}
	if o.dbDSN != "" {
		cfg.Store.DSN = o.dbDSN
	}
}

// load reads the config file, applies the flag overrides and validates the
// result.
func (o *overrides) load() (*config.Manager, *config.Config, error) {
	mgr := config.NewManager(o.configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func NewRootCmd() *cobra.Command {
	o := &overrides{}
	root := &cobra.Command{
		Use:   "postflow",
		Short: "Schedule and publish social media posts",
		Long: `postflow accepts scheduled posts and interactions over HTTP, persists them,
and publishes each one to its platform when it comes due, retrying failures
with exponential backoff.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Config file (YAML or JSON); defaults run every platform in dry-run mode")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override log.level")
	root.PersistentFlags().StringVar(&o.dbDriver, "db-driver", "", "Override store.driver (sqlite, mysql, postgres)")
	root.PersistentFlags().StringVar(&o.dbDSN, "db-dsn", "", "Override store.dsn")

	root.AddCommand(
		newServeCmd(o),
		newMigrateCmd(o),
		newConfigCmd(o),
	)
	return root
}
