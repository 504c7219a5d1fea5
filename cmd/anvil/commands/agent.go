package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/config"
	"github.com/dyluth/anvil/internal/printer"
	"github.com/dyluth/anvil/internal/registry"
	"github.com/dyluth/anvil/pkg/fleet"
)

var (
	agentCluster     string
	agentLabels      []string
	agentAnnotations []string
	agentListJSON    bool
	agentWindowSecs  int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage fleet agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register an agent and issue its credential",
	Long: `Register an agent identity for a cluster.

The credential (PAK) is printed exactly once and cannot be recovered:
only its hash is stored. The (name, cluster) pair must be unique among
live agents.

Examples:
  anvil agent register edge-01 --cluster prod-eu
  anvil agent register gpu-node --cluster prod-us --label tier=gpu`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live agents and their status",
	RunE:  runAgentList,
}

var agentLabelCmd = &cobra.Command{
	Use:   "label <agent-id> <key=value>...",
	Short: "Replace an agent's labels",
	Long: `Replace an agent's labels.

Labels drive stack selector matching, so relabelling an agent can
change which stacks target it. The reconciler picks the change up
immediately.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAgentLabel,
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Soft-delete an agent and its credential",
	Long: `Soft-delete an agent.

The agent's credential stops authenticating immediately and its work
order history is marked deleted in the same step. The records remain
visible for audit.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentDelete,
}

func init() {
	agentRegisterCmd.Flags().StringVarP(&agentCluster, "cluster", "c", "", "Cluster the agent runs in (required)")
	agentRegisterCmd.Flags().StringArrayVarP(&agentLabels, "label", "l", nil, "Agent label as key=value (repeatable)")
	agentRegisterCmd.Flags().StringArrayVarP(&agentAnnotations, "annotation", "a", nil, "Agent annotation as key=value (repeatable)")
	agentRegisterCmd.MarkFlagRequired("cluster")
	agentListCmd.Flags().BoolVar(&agentListJSON, "json", false, "Output in JSON format")
	agentListCmd.Flags().IntVar(&agentWindowSecs, "window", config.DefaultHeartbeatWindowSeconds, "Heartbeat freshness window in seconds for status computation")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentLabelCmd)
	agentCmd.AddCommand(agentDeleteCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	labels, err := parseKeyValues(agentLabels)
	if err != nil {
		return err
	}
	annotations, err := parseKeyValues(agentAnnotations)
	if err != nil {
		return err
	}

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.New(client, time.Duration(agentWindowSecs)*time.Second)
	agent, pak, err := reg.Register(ctx, args[0], agentCluster, labels, annotations, time.Now())
	if err != nil {
		return err
	}

	printer.Success("Agent '%s' registered (%s)\n", agent.QualifiedName(), agent.ID)
	printer.Println()
	printer.Warning("Store this credential now; it will not be shown again:\n")
	printer.Printf("  %s\n", pak)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.New(client, time.Duration(agentWindowSecs)*time.Second)
	agents, err := reg.List(ctx, time.Now())
	if err != nil {
		return err
	}

	if agentListJSON {
		data, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	fmt.Printf("%-36s %-25s %-10s %s\n", "ID", "AGENT", "STATUS", "LAST HEARTBEAT")
	for _, a := range agents {
		// Pad before colouring; escape codes would throw the column off.
		pad := strings.Repeat(" ", max(10-len(a.Status), 1))
		fmt.Printf("%-36s %-25s %s%s%s\n", a.ID, a.QualifiedName(), printer.AgentStatus(a.Status), pad, formatHeartbeat(a))
	}
	return nil
}

func runAgentLabel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	labels, err := parseKeyValues(args[1:])
	if err != nil {
		return err
	}

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.New(client, time.Duration(agentWindowSecs)*time.Second)
	agent, err := reg.SetLabels(ctx, args[0], labels, time.Now())
	if err != nil {
		return err
	}

	printer.Success("Agent '%s' relabelled\n", agent.QualifiedName())
	return nil
}

func runAgentDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.New(client, time.Duration(agentWindowSecs)*time.Second)
	if err := reg.SoftDelete(ctx, args[0], time.Now()); err != nil {
		return err
	}

	printer.Success("Agent %s deleted\n", args[0])
	return nil
}

func formatHeartbeat(a *fleet.Agent) string {
	if a.LastHeartbeatMs == 0 {
		return "never"
	}
	return time.Since(time.UnixMilli(a.LastHeartbeatMs)).Round(time.Second).String() + " ago"
}
