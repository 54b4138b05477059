package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import work items from YAML",
	Long: `Load work items from a YAML export. Items are created in two passes so
references resolve regardless of document order: first the bare items,
then their children and dependency links. Existing IDs are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	var doc exportDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	created, skipped := 0, 0

	// Pass one: bare items without references.
	for _, entry := range doc.Items {
		item := &models.WorkItem{
			ID:          entry.ID,
			Type:        models.ItemType(entry.Type),
			Title:       entry.Title,
			Description: entry.Description,
			Status:      models.Status(entry.Status),
			Metadata:    entry.Metadata,
		}
		if _, err := a.store.Create(item); err != nil {
			if faults.Is(err, faults.KindConflict) {
				skipped++
				continue
			}
			return fmt.Errorf("create %s: %w", entry.ID, err)
		}
		created++
	}

	// Pass two: wire children and dependencies.
	for _, entry := range doc.Items {
		if len(entry.Children) == 0 && len(entry.DependsOn) == 0 {
			continue
		}
		current, err := a.store.Get(entry.ID)
		if err != nil {
			return fmt.Errorf("reload %s: %w", entry.ID, err)
		}
		patch := store.Patch{}
		if len(entry.Children) > 0 {
			children := entry.Children
			patch.Children = &children
		}
		if len(entry.DependsOn) > 0 {
			deps := entry.DependsOn
			patch.DependsOn = &deps
		}
		if _, err := a.store.Update(entry.ID, patch, current.Version); err != nil {
			return fmt.Errorf("link %s: %w", entry.ID, err)
		}
	}

	if err := a.graph.Rebuild(); err != nil {
		return fmt.Errorf("rebuild dependency graph: %w", err)
	}
	if a.graph.HasCycle() {
		return fmt.Errorf("%s contains a dependency cycle; break it with 'loom deps remove'", args[0])
	}

	fmt.Printf("Imported %d items (%d already present)\n", created, skipped)
	return nil
}
