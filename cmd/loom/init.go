package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a project-local loom database",
	Long: `Create .loom/ in the current directory with a fresh database and a
config file stub. Commands run from this directory (or below it) will
use the project database instead of the global one.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := store.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); err == nil {
		fmt.Printf("Project already initialized at %s\n", dbPath)
		return nil
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	configPath := filepath.Join(filepath.Dir(dbPath), "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		stub := `# loom project configuration
# search:
#   backend_url: http://localhost:11434
#   model: nomic-embed-text
#   fallback_enabled: true
# breaker:
#   failure_threshold: 5
#   cooldown: 30s
`
		if err := os.WriteFile(configPath, []byte(stub), 0644); err != nil {
			return fmt.Errorf("write config stub: %w", err)
		}
	}

	fmt.Printf("Initialized loom project at %s\n", filepath.Dir(dbPath))
	return nil
}
