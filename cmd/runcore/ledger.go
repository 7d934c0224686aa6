package main

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Fund tenants and inspect balances",
	}

	var key string
	grantCmd := &cobra.Command{
		Use:   "grant <tenant> <amount>",
		Short: "Grant credits to a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			if key == "" {
				key = "grant:" + uuid.NewString()
			}
			applied, err := o.Ledger().Grant(cmd.Context(), o.DB().Store(), args[0], amount, key)
			if err != nil {
				return err
			}
			bal, err := o.Ledger().Balance(cmd.Context(), o.DB().Store(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"applied": applied, "key": key, "balance": bal})
		},
	}
	grantCmd.Flags().StringVar(&key, "key", "", "Idempotency key (a repeated key grants once)")

	balanceCmd := &cobra.Command{
		Use:   "balance <tenant>",
		Short: "Show a tenant's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			bal, err := o.Ledger().Balance(cmd.Context(), o.DB().Store(), args[0])
			if err != nil {
				return err
			}
			return printJSON(bal)
		},
	}

	ledgerCmd.AddCommand(grantCmd, balanceCmd)
	return ledgerCmd
}
