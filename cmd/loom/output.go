package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	headerColor = color.New(color.Bold)
	dimColor    = color.New(color.Faint)
	errColor    = color.New(color.FgRed)
)

// statusColor maps a status to its display color.
func statusColor(st models.Status) *color.Color {
	switch st {
	case models.StatusReady:
		return color.New(color.FgCyan)
	case models.StatusInProgress:
		return color.New(color.FgYellow)
	case models.StatusBlocked:
		return color.New(color.FgRed)
	case models.StatusReview:
		return color.New(color.FgMagenta)
	case models.StatusDone:
		return color.New(color.FgGreen)
	case models.StatusCancelled:
		return color.New(color.Faint)
	default:
		return color.New()
	}
}

// errorText formats an error for the terminal.
func errorText(err error) string {
	return errColor.Sprintf("Error: %v", err)
}

// fatalEnvelope prints an envelope's error and returns a command error.
// The operation envelope already reduced the failure to the taxonomy,
// so the CLI only renders it.
func fatalEnvelope(resp service.Response) error {
	retry := ""
	if resp.Error.Retryable {
		retry = " (retryable)"
	}
	return fmt.Errorf("%s: %s%s", resp.Error.Kind, resp.Error.Message, retry)
}

// printItem renders one work item in detail.
func printItem(item *models.WorkItem) {
	headerColor.Printf("%s\n", item.Title)
	fmt.Printf("  ID:      %s\n", item.ID)
	fmt.Printf("  Type:    %s\n", item.Type)
	fmt.Printf("  Status:  %s\n", statusColor(item.Status).Sprint(item.Status))
	fmt.Printf("  Version: %d\n", item.Version)
	if item.Description != "" {
		fmt.Printf("  Description: %s\n", item.Description)
	}
	if len(item.DependsOn) > 0 {
		fmt.Printf("  Depends on: %s\n", strings.Join(item.DependsOn, ", "))
	}
	if len(item.Children) > 0 {
		fmt.Printf("  Children: %s\n", strings.Join(item.Children, ", "))
	}
	if len(item.Metadata) > 0 {
		keys := make([]string, 0, len(item.Metadata))
		for k := range item.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("  Metadata:")
		for _, k := range keys {
			fmt.Printf("    %s: %s\n", k, item.Metadata[k])
		}
	}
	dimColor.Printf("  Created %s, updated %s\n",
		item.CreatedAt.Format("2006-01-02 15:04"),
		item.UpdatedAt.Format("2006-01-02 15:04"))
}

// printItemsTable renders work items as a table.
func printItemsTable(items []*models.WorkItem) {
	if len(items) == 0 {
		fmt.Println("No work items.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Type", "Status", "Title", "Deps", "Ver"})
	for _, item := range items {
		t.AppendRow(table.Row{
			shortID(item.ID),
			item.Type,
			statusColor(item.Status).Sprint(item.Status),
			truncate(item.Title, 48),
			len(item.DependsOn),
			item.Version,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// printExecutionsTable renders execution records as a table.
func printExecutionsTable(recs []*models.ExecutionRecord) {
	if len(recs) == 0 {
		fmt.Println("No executions.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Execution", "Item", "State", "Attempts", "Started", "Last Error"})
	for _, rec := range recs {
		t.AppendRow(table.Row{
			shortID(rec.ID),
			shortID(rec.WorkItemID),
			rec.State,
			rec.Attempts,
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			truncate(rec.LastError, 40),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// shortID abbreviates long generated IDs for table display.
func shortID(id string) string {
	if len(id) > 8 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
