package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/execute"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/search"
	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Hierarchical work item tracker",
	Long: `Loom tracks hierarchical work items with dependency-aware status,
retries execution with backoff, and searches items by keyword or
embedding similarity.

Work items form a hierarchy (initiative > epic > feature > story > task)
and a dependency graph. An item becomes ready when every dependency is
done; execution moves it through in_progress, review and done.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(execStatusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg          *config.Config
	store        *store.Store
	graph        *graph.Graph
	coordinator  *execute.Coordinator
	engine       *search.Engine
	service      *service.Service
	embedBreaker *breaker.Breaker
	indexBreaker *breaker.Breaker
	watcher      *config.Watcher
}

// openApp loads configuration and wires the full stack. The caller must
// Close it.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	g := graph.New(s)
	if err := g.Rebuild(); err != nil {
		s.Close()
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	a := &app{cfg: cfg, store: s, graph: g}

	a.embedBreaker = breaker.New(breaker.Config{
		Name:             "embeddings",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	a.indexBreaker = breaker.New(breaker.Config{
		Name:             "vector-index",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	if cfg.Search.BackendURL != "" {
		backend := search.NewHTTPBackend(search.HTTPBackendConfig{
			BaseURL: cfg.Search.BackendURL,
			Model:   cfg.Search.Model,
			Timeout: cfg.Search.Timeout,
		})
		a.engine = search.New(search.Config{
			FallbackEnabled: cfg.Search.FallbackEnabled,
			DefaultLimit:    cfg.Search.DefaultLimit,
		}, s, backend, backend, a.embedBreaker, a.indexBreaker)
	}

	a.coordinator = execute.New(execute.Config{
		MaxAttempts: cfg.Execute.MaxAttempts,
		BaseDelay:   cfg.Execute.BaseDelay,
		MaxDelay:    cfg.Execute.MaxDelay,
		Workers:     cfg.Execute.Workers,
	}, s, g, &execute.ShellRunner{})

	a.service = service.New(s, g, a.coordinator, a.engine)

	// Hot reload: fallback toggle and breaker tuning follow the project
	// config file while a command runs.
	if projectConfig := config.GetProjectConfigPath(); projectConfig != "" {
		w, err := config.Watch(projectConfig, a.applyReload)
		if err == nil {
			a.watcher = w
		}
	}

	return a, nil
}

// applyReload pushes the hot-reloadable settings into running components.
func (a *app) applyReload(cfg *config.Config) {
	if a.engine != nil {
		a.engine.SetFallbackEnabled(cfg.Search.FallbackEnabled)
	}
	a.embedBreaker.Reconfigure(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	a.indexBreaker.Reconfigure(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.store.Close()
}

// resolveDBPath picks the database file: explicit config first, then an
// existing project database, then the global one.
func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg.DB.Path != "" {
		return cfg.DB.Path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	projectPath := store.ProjectDBPath(cwd)
	if _, err := os.Stat(projectPath); err == nil {
		return projectPath, nil
	}
	return store.GlobalDBPath(), nil
}
