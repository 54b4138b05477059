package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/status"
	"github.com/ShayCichocki/loom/pkg/models"
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a work item in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.GetWorkItem(args[0])
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	item := resp.Data.(*models.WorkItem)
	printItem(item)

	if allowed := status.AllowedFrom(item.Status); len(allowed) > 0 {
		fmt.Print("  Next: ")
		for i, st := range allowed {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Print(statusColor(st).Sprint(st))
		}
		fmt.Println()
	}

	deps := a.service.GetWorkItemDependencies(item.ID)
	if deps.Success {
		if resolved := deps.Data.([]*models.WorkItem); len(resolved) > 0 {
			fmt.Println("\nDependencies:")
			printItemsTable(resolved)
		}
	}

	children := a.service.GetWorkItemChildren(item.ID)
	if children.Success {
		if resolved := children.Data.([]*models.WorkItem); len(resolved) > 0 {
			fmt.Println("\nChildren:")
			printItemsTable(resolved)
		}
	}
	return nil
}
