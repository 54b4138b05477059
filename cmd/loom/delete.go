package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
)

var deleteCascade bool

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a work item",
	Long: `Delete a work item. Items with children or dependents are protected;
pass --cascade to remove the whole child subtree and scrub dependency
references on surviving items.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteCascade, "cascade", false, "delete the child subtree too")
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.DeleteWorkItem(context.Background(), args[0], deleteCascade)
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	result := resp.Data.(*service.DeleteResult)
	if len(result.Deleted) == 1 {
		fmt.Printf("Deleted %s\n", result.Deleted[0])
	} else {
		fmt.Printf("Deleted %d items\n", len(result.Deleted))
	}
	return nil
}
