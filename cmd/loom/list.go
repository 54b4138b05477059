package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	listType   string
	listStatus string
	listText   string
	listOrder  string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	Long: `List work items, newest last. --order=topo sorts the list so every
dependency appears before its dependents; ties fall back to creation
order, so the output is stable.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "filter by item type")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status")
	listCmd.Flags().StringVar(&listText, "text", "", "filter by title/description substring")
	listCmd.Flags().StringVar(&listOrder, "order", "created", "sort order: created or topo")
}

func runList(cmd *cobra.Command, args []string) error {
	if listOrder != "created" && listOrder != "topo" {
		return fmt.Errorf("unknown order %q, expected created or topo", listOrder)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.ListWorkItems(service.ListRequest{
		Type:      listType,
		Status:    listStatus,
		Text:      listText,
		OrderTopo: listOrder == "topo",
	})
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	printItemsTable(resp.Data.([]*models.WorkItem))
	return nil
}
