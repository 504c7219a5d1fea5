package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/printer"
	"github.com/dyluth/anvil/internal/stacks"
	"github.com/dyluth/anvil/pkg/fleet"
)

var (
	stackLabels          []string
	stackAnnotations     []string
	stackSelectorCluster string
	stackSelectorLabels  []string
	stackListAll         bool
	stackListJSON        bool
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Manage deployment stacks",
}

var stackDeclareCmd = &cobra.Command{
	Use:   "declare <name>",
	Short: "Create or update a stack",
	Long: `Create or update a stack by name.

A stack is a named deployment intent: content submitted to it is
dispatched to every active agent its selector matches. Declaring an
existing name updates its labels, annotations and selector in place.

Examples:
  # Target every agent in the fleet
  anvil stack declare logging-agent

  # Target one cluster
  anvil stack declare ingress --selector-cluster prod-eu

  # Target agents by label
  anvil stack declare gpu-tuning --selector-label tier=gpu --selector-label env=prod`,
	Args: cobra.ExactArgs(1),
	RunE: runStackDeclare,
}

var stackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stacks",
	RunE:  runStackList,
}

var stackDeleteCmd = &cobra.Command{
	Use:   "delete <id-or-name>",
	Short: "Soft-delete a stack and tombstone its content",
	Long: `Soft-delete a stack.

The stack and its versions remain visible as history, a tombstone
version becomes current, and matched agents receive removal orders.
Deletion is terminal: a deleted stack cannot be updated or revived.`,
	Args: cobra.ExactArgs(1),
	RunE: runStackDelete,
}

func init() {
	stackDeclareCmd.Flags().StringArrayVarP(&stackLabels, "label", "l", nil, "Stack label as key=value (repeatable)")
	stackDeclareCmd.Flags().StringArrayVarP(&stackAnnotations, "annotation", "a", nil, "Stack annotation as key=value (repeatable)")
	stackDeclareCmd.Flags().StringVar(&stackSelectorCluster, "selector-cluster", "", "Restrict the target set to one cluster")
	stackDeclareCmd.Flags().StringArrayVar(&stackSelectorLabels, "selector-label", nil, "Agent label the target set must carry, as key=value (repeatable)")
	stackListCmd.Flags().BoolVar(&stackListAll, "all", false, "Include soft-deleted stacks")
	stackListCmd.Flags().BoolVar(&stackListJSON, "json", false, "Output in JSON format")

	stackCmd.AddCommand(stackDeclareCmd)
	stackCmd.AddCommand(stackListCmd)
	stackCmd.AddCommand(stackDeleteCmd)
	rootCmd.AddCommand(stackCmd)
}

func runStackDeclare(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	labels, err := parseKeyValues(stackLabels)
	if err != nil {
		return err
	}
	annotations, err := parseKeyValues(stackAnnotations)
	if err != nil {
		return err
	}
	selectorLabels, err := parseKeyValues(stackSelectorLabels)
	if err != nil {
		return err
	}

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	selector := fleet.Selector{
		Cluster:     stackSelectorCluster,
		MatchLabels: selectorLabels,
	}

	stack, err := stacks.New(client).Declare(ctx, args[0], labels, annotations, selector, time.Now())
	if err != nil {
		return err
	}

	printer.Success("Stack '%s' declared (%s)\n", stack.Name, stack.ID)
	return nil
}

func runStackList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	all, err := stacks.New(client).List(ctx, stackListAll)
	if err != nil {
		return err
	}

	if stackListJSON {
		data, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(all) == 0 {
		fmt.Println("No stacks declared.")
		return nil
	}

	fmt.Printf("%-36s %-20s %-10s %s\n", "ID", "NAME", "STATE", "SELECTOR")
	for _, s := range all {
		state := "active"
		if s.Deleted() {
			state = "deleted"
		}
		fmt.Printf("%-36s %-20s %-10s %s\n", s.ID, s.Name, state, formatSelector(s.Selector))
	}
	return nil
}

func runStackDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stack, err := resolveStack(ctx, client, args[0])
	if err != nil {
		return err
	}

	tombstone, err := stacks.New(client).SoftDelete(ctx, stack.ID, time.Now())
	if err != nil {
		return err
	}
	if tombstone == nil {
		printer.Warning("Stack '%s' was already deleted\n", stack.Name)
		return nil
	}

	printer.Success("Stack '%s' deleted, removal orders will follow (tombstone %s)\n", stack.Name, tombstone.ID)
	return nil
}

func formatSelector(sel fleet.Selector) string {
	if sel.Cluster == "" && len(sel.MatchLabels) == 0 {
		return "<all agents>"
	}
	out := ""
	if sel.Cluster != "" {
		out = "cluster=" + sel.Cluster
	}
	for k, v := range sel.MatchLabels {
		if out != "" {
			out += ","
		}
		out += k + "=" + v
	}
	return out
}
