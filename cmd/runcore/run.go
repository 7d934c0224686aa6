package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/orchestrator"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

func newRunCommand() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and control runs",
	}

	var req orchestrator.SubmitRequest
	submitCmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			req.Prompt = args[0]
			run, err := o.Submit(cmd.Context(), req)
			if run != nil && errs.Is(err, errs.InsufficientCredits) {
				// Left pending; the detector retries the reservation.
				return printJSON(map[string]interface{}{"run": run, "warning": err.Error()})
			}
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	submitCmd.Flags().StringVar(&req.ID, "id", "", "Run ID (makes submission idempotent)")
	submitCmd.Flags().StringVar(&req.TenantID, "tenant", "", "Tenant ID (required)")
	submitCmd.Flags().StringVar(&req.UserID, "user", "", "User ID")
	submitCmd.Flags().Int64Var(&req.MaxSteps, "max-steps", 0, "Maximum steps (default from config)")
	submitCmd.Flags().Int64Var(&req.MaxCredits, "max-credits", 0, "Credits to reserve (default from config)")
	submitCmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "Maximum step retries (default from config)")
	_ = submitCmd.MarkFlagRequired("tenant")

	var steps int
	statusCmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its latest steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			view, err := o.Status(cmd.Context(), args[0], steps)
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
	statusCmd.Flags().IntVar(&steps, "steps", 5, "Number of recent steps to include")

	var phase string
	var last int
	stepsCmd := &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List the recorded steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			list, err := o.DB().Store().ListSteps(cmd.Context(), args[0], database.StepFilter{PhaseID: phase, Last: last})
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	stepsCmd.Flags().StringVar(&phase, "phase", "", "Only steps of this phase")
	stepsCmd.Flags().IntVar(&last, "last", 0, "Only the last N steps")

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, func(o *orchestrator.Orchestrator) (*models.Run, error) {
				return o.Cancel(cmd.Context(), args[0], reason)
			})
		},
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "Cancellation reason")

	pauseCmd := &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause an executing run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, func(o *orchestrator.Orchestrator) (*models.Run, error) {
				return o.Pause(cmd.Context(), args[0])
			})
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, func(o *orchestrator.Orchestrator) (*models.Run, error) {
				return o.Resume(cmd.Context(), args[0])
			})
		},
	}

	respondCmd := &cobra.Command{
		Use:   "respond <run-id> <answer>",
		Short: "Answer a run waiting for user input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, func(o *orchestrator.Orchestrator) (*models.Run, error) {
				return o.Respond(cmd.Context(), args[0], args[1])
			})
		},
	}

	runCmd.AddCommand(submitCmd, statusCmd, stepsCmd, cancelCmd, pauseCmd, resumeCmd, respondCmd)
	return runCmd
}

func control(cmd *cobra.Command, fn func(o *orchestrator.Orchestrator) (*models.Run, error)) error {
	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer o.Close()

	run, err := fn(o)
	if err != nil {
		return fmt.Errorf("%s failed: %w", cmd.Name(), err)
	}
	return printJSON(run)
}
