package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/service"
	"github.com/ShayCichocki/loom/pkg/models"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage work item dependencies",
}

var depsAddCmd = &cobra.Command{
	Use:   "add <id> <dependency-id>",
	Short: "Add a dependency",
	Long: `Record that the first item depends on the second. Edges that would
close a cycle are rejected. The item is re-derived afterwards, so it
may come back blocked.`,
	Args: cobra.ExactArgs(2),
	RunE: runDepsAdd,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove <id> <dependency-id>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	RunE:  runDepsRemove,
}

var depsValidateCmd = &cobra.Command{
	Use:   "validate <id>",
	Short: "Check an item's dependencies for cycles and missing references",
	Args:  cobra.ExactArgs(1),
	RunE:  runDepsValidate,
}

func init() {
	depsCmd.AddCommand(depsAddCmd)
	depsCmd.AddCommand(depsRemoveCmd)
	depsCmd.AddCommand(depsValidateCmd)
}

func runDepsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.AddDependency(args[0], args[1])
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	printItem(resp.Data.(*models.WorkItem))
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.RemoveDependency(args[0], args[1])
	if !resp.Success {
		return fatalEnvelope(resp)
	}
	printItem(resp.Data.(*models.WorkItem))
	return nil
}

func runDepsValidate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.service.ValidateDependencies(args[0])
	if !resp.Success {
		return fatalEnvelope(resp)
	}

	report := resp.Data.(*service.ValidationReport)
	if report.Valid {
		fmt.Printf("Dependencies of %s are valid.\n", report.WorkItemID)
		return nil
	}
	if report.CycleDetected {
		fmt.Println(errColor.Sprint("Cycle detected."))
	}
	if len(report.MissingReferences) > 0 {
		fmt.Printf("Missing references: %s\n", strings.Join(report.MissingReferences, ", "))
	}
	return nil
}
