package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
)

var (
	searchType  string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search work items",
	Long: `Search work items by keyword, embedding similarity, or both.

Semantic and hybrid search need a configured embedding backend
(search.backend_url). When the backend is unavailable or returns
nothing, semantic search transparently falls back to keyword results;
the output notes which path answered.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchType, "type", "t", "semantic",
		"search type: semantic, keyword, or hybrid")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.SearchWorkItems(context.Background(), args[0], searchType, searchLimit)
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	data := resp.Data.(*service.SearchData)
	if len(data.Results) == 0 {
		fmt.Println("No matches.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Score"})
	for _, hit := range data.Results {
		t.AppendRow(table.Row{shortID(hit.ID), truncate(hit.Title, 48), fmt.Sprintf("%.3f", hit.Score)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if data.ServedBy != searchType {
		dimColor.Printf("Served by %s\n", data.ServedBy)
	}
	return nil
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute stale embeddings",
	Long: `Re-embed every work item whose content changed since its embedding was
computed and push the vectors to the index. Search does this lazily;
reindex forces it up front.`,
	RunE: runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.engine == nil {
		return fmt.Errorf("search is not configured; set search.backend_url")
	}
	if err := a.engine.Reindex(context.Background()); err != nil {
		return err
	}
	fmt.Println("Reindex complete.")
	return nil
}
