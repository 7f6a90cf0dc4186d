package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"postflow/internal/config"
	"postflow/internal/logging"
	"postflow/internal/store"
)

func newMigrateCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := o.load()
			if err != nil {
				return err
			}
			closer, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
			if err != nil {
				return err
			}
			defer closer.Close()

			st, err := store.Open(cmd.Context(), store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()
			log.Info().Str("driver", st.Driver()).Msg("schema up to date")
			return nil
		},
	}
}

func newConfigCmd(o *overrides) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := o.load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redacted(cfg))
		},
	})
	return cmd
}

func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Platforms = make(map[string]config.PlatformConfig, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		if pc.Token != "" {
			pc.Token = "***"
		}
		out.Platforms[name] = pc
	}
	return &out
}
