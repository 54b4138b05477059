package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	createType        string
	createDescription string
	createDependsOn   []string
	createChildren    []string
	createMeta        []string
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a work item",
	Long: `Create a work item. The item starts in backlog and is immediately
derived: with no unmet dependencies it comes back ready, otherwise
blocked.

Metadata values are strings, passed as repeated --meta key=value flags.
The special key "command" holds the shell command 'loom execute' runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", string(models.ItemTypeTask),
		"item type (initiative, epic, feature, story, task)")
	createCmd.Flags().StringVarP(&createDescription, "description", "d", "", "item description")
	createCmd.Flags().StringSliceVar(&createDependsOn, "depends-on", nil, "dependency item IDs")
	createCmd.Flags().StringSliceVar(&createChildren, "child", nil, "child item IDs")
	createCmd.Flags().StringArrayVar(&createMeta, "meta", nil, "metadata entry, key=value")
}

func runCreate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	meta, err := parseMeta(createMeta)
	if err != nil {
		return err
	}

	resp := a.service.CreateWorkItem(service.CreateRequest{
		Type:        createType,
		Title:       args[0],
		Description: createDescription,
		DependsOn:   createDependsOn,
		Children:    createChildren,
		Metadata:    meta,
	})
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	printItem(resp.Data.(*models.WorkItem))
	return nil
}

// parseMeta converts key=value flags into a metadata map.
func parseMeta(entries []string) (map[string]interface{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	meta := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --meta entry %q, expected key=value", entry)
		}
		meta[key] = value
	}
	return meta, nil
}
