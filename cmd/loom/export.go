package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

// exportItem is the YAML shape of one exported work item.
type exportItem struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Title       string            `yaml:"title"`
	Description string            `yaml:"description,omitempty"`
	Status      string            `yaml:"status"`
	Children    []string          `yaml:"children,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `yaml:"created_at"`
}

// exportDoc is the YAML document wrapping exported items.
type exportDoc struct {
	Items []exportItem `yaml:"items"`
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export work items to YAML",
	Long: `Write all work items to a YAML file, dependency order, so the file can
be imported back without forward references. Without a file argument
the document goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.ListWorkItems(service.ListRequest{OrderTopo: true})
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	items := resp.Data.([]*models.WorkItem)

	doc := exportDoc{Items: make([]exportItem, 0, len(items))}
	for _, item := range items {
		doc.Items = append(doc.Items, exportItem{
			ID:          item.ID,
			Type:        string(item.Type),
			Title:       item.Title,
			Description: item.Description,
			Status:      string(item.Status),
			Children:    item.Children,
			DependsOn:   item.DependsOn,
			Metadata:    item.Metadata,
			CreatedAt:   item.CreatedAt,
		})
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	if len(args) == 0 {
		fmt.Print(string(out))
		return nil
	}
	if err := os.WriteFile(args[0], out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}
	fmt.Printf("Exported %d items to %s\n", len(doc.Items), args[0])
	return nil
}
