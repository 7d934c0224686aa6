package main

import (
	"github.com/spf13/cobra"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return printJSON(map[string]string{"status": "ok", "dialect": string(db.Dialect())})
		},
	}
}

func newSweepCommand() *cobra.Command {
	var reap bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one stuck/timeout detector sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			report, err := o.Detector().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]interface{}{"sweep": report}
			if reap {
				n, err := o.Queues().ReapExpiredLeases(cmd.Context(), 1000)
				if err != nil {
					return err
				}
				out["reaped_leases"] = n
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&reap, "reap", false, "Also fail jobs whose worker lease expired")
	return cmd
}
