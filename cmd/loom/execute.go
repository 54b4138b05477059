package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var executeCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Execute a ready work item",
	Long: `Run the command stored in the item's "command" metadata key. The item
must be ready with all dependencies done; it moves to in_progress while
running, then to review on success or blocked on failure.

Transient failures are retried with exponential backoff. Cancel a
running execution with 'loom cancel <execution-id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.coordinator.Start()
	defer a.coordinator.Stop()

	resp := a.service.ExecuteWorkItem(args[0])
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	accepted := resp.Data.(*service.ExecutionAccepted)
	fmt.Printf("Execution %s started for %s\n", accepted.ExecutionID, args[0])

	rec, err := waitForTerminal(a, accepted.ExecutionID)
	if err != nil {
		return err
	}

	switch rec.State {
	case models.ExecutionSucceeded:
		fmt.Printf("Execution %s succeeded after %d attempt(s); item is in review.\n",
			rec.ID, rec.Attempts)
	case models.ExecutionCancelled:
		fmt.Printf("Execution %s cancelled after %d attempt(s).\n", rec.ID, rec.Attempts)
	default:
		return fmt.Errorf("execution %s failed after %d attempt(s): %s",
			rec.ID, rec.Attempts, rec.LastError)
	}
	return nil
}

// waitForTerminal polls the execution record until it settles.
func waitForTerminal(a *app, executionID string) (*models.ExecutionRecord, error) {
	for {
		resp := a.service.GetExecutionStatus(executionID)
		if !resp.Success {
			return nil, fatalEnvelope(resp)
		}
		rec := resp.Data.(*models.ExecutionRecord)
		if rec.State.Terminal() {
			return rec, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}
