package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	updateTitle       string
	updateDescription string
	updateStatus      string
	updateMeta        []string
	updateVersion     int64
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a work item",
	Long: `Apply a partial update to a work item. Status changes go through the
state machine; illegal transitions are rejected.

Updates are checked against the item's version. By default the current
version is used; pass --version to detect concurrent edits, in which
case a stale version fails with a conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateTitle, "title", "", "new title")
	updateCmd.Flags().StringVarP(&updateDescription, "description", "d", "", "new description")
	updateCmd.Flags().StringVarP(&updateStatus, "status", "s", "", "new status")
	updateCmd.Flags().StringArrayVar(&updateMeta, "meta", nil, "metadata entry, key=value (replaces all metadata)")
	updateCmd.Flags().Int64Var(&updateVersion, "version", 0, "expected item version (0 = current)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	expected := updateVersion
	if expected == 0 {
		current, err := a.store.Get(id)
		if err != nil {
			return err
		}
		expected = current.Version
	}

	req := service.UpdateRequest{}
	if cmd.Flags().Changed("title") {
		req.Title = &updateTitle
	}
	if cmd.Flags().Changed("description") {
		req.Description = &updateDescription
	}
	if cmd.Flags().Changed("status") {
		req.Status = &updateStatus
	}
	if cmd.Flags().Changed("meta") {
		meta, err := parseMeta(updateMeta)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = map[string]interface{}{}
		}
		req.Metadata = &meta
	}

	resp := a.service.UpdateWorkItem(id, req, expected)
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	printItem(resp.Data.(*models.WorkItem))
	return nil
}
