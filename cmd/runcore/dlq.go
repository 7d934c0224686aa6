package main

import (
	"github.com/spf13/cobra"

	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

func newDLQCommand() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess dead-lettered jobs",
	}

	var (
		status string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List a queue's dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			letters, err := o.Queues().ListDeadLetters(cmd.Context(), args[0], models.DeadLetterStatus(status), limit)
			if err != nil {
				return err
			}
			return printJSON(letters)
		},
	}
	listCmd.Flags().StringVar(&status, "status", string(models.DeadLetterPending), "Filter by status (dead, reprocessed, or empty for all)")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")

	reprocessCmd := &cobra.Command{
		Use:   "reprocess <dead-letter-id>",
		Short: "Re-enqueue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			job, err := o.Queues().Reprocess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}

	var all bool
	purgeCmd := &cobra.Command{
		Use:   "purge [queue]",
		Short: "Delete dead letters past their queue's retention",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			queues := args
			if len(queues) == 0 || all {
				queues = o.Queues().Queues()
			}
			purged := map[string]int64{}
			for _, q := range queues {
				n, err := o.Queues().Purge(cmd.Context(), q)
				if err != nil {
					return err
				}
				purged[q] = n
			}
			return printJSON(purged)
		},
	}
	purgeCmd.Flags().BoolVar(&all, "all", false, "Purge every queue")

	dlqCmd.AddCommand(listCmd, reprocessCmd, purgeCmd)
	return dlqCmd
}
