package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/pkg/models"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Long: `Request cooperative cancellation. A pending execution is cancelled
immediately; a running one stops at its next checkpoint, between retry
attempts. Terminal executions cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.CancelExecution(args[0])
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	rec := resp.Data.(*models.ExecutionRecord)
	if rec.State.Terminal() {
		fmt.Printf("Execution %s is now %s.\n", rec.ID, rec.State)
	} else {
		fmt.Printf("Cancellation requested; execution %s will stop at its next checkpoint.\n", rec.ID)
	}
	return nil
}
