package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	execStatusItem string
	execStatusAll  bool
)

var execStatusCmd = &cobra.Command{
	Use:   "exec-status [execution-id]",
	Short: "Show execution records",
	Long: `Show one execution record, the records of one item (--item), or the
most recent records overall (--all).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecStatus,
}

func init() {
	execStatusCmd.Flags().StringVar(&execStatusItem, "item", "", "show executions of one work item")
	execStatusCmd.Flags().BoolVar(&execStatusAll, "all", false, "show recent executions across all items")
}

func runExecStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		resp := a.service.GetExecutionStatus(args[0])
		if !resp.Success {
			return fatalEnvelope(resp)
		}
		rec := resp.Data.(*models.ExecutionRecord)
		printExecutionsTable([]*models.ExecutionRecord{rec})
		if rec.LastError != "" {
			fmt.Printf("Last error: %s\n", rec.LastError)
		}
		return nil
	}

	if execStatusItem == "" && !execStatusAll {
		return fmt.Errorf("pass an execution ID, --item, or --all")
	}

	resp := a.service.ListExecutions(execStatusItem, 20)
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	printExecutionsTable(resp.Data.([]*models.ExecutionRecord))
	return nil
}
