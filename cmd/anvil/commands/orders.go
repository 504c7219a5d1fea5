package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/dispatch"
	"github.com/dyluth/anvil/internal/printer"
	"github.com/dyluth/anvil/pkg/fleet"
)

var (
	ordersAgentID string
	ordersJSON    bool
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect work orders",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work orders",
	Long: `List work orders, the completed audit trail included.

Orders are never hard-deleted: SUCCEEDED and soft-deleted orders stay
visible as the record of what was dispatched where.`,
	RunE: runOrdersList,
}

func init() {
	ordersListCmd.Flags().StringVar(&ordersAgentID, "agent", "", "Only orders for this agent id")
	ordersListCmd.Flags().BoolVar(&ordersJSON, "json", false, "Output in JSON format")

	ordersCmd.AddCommand(ordersListCmd)
	rootCmd.AddCommand(ordersCmd)
}

func runOrdersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	d := dispatch.New(client)

	var orders []*fleet.WorkOrder
	if ordersAgentID != "" {
		orders, err = d.ListForAgent(ctx, ordersAgentID)
	} else {
		orders, err = d.List(ctx)
	}
	if err != nil {
		return err
	}

	if ordersJSON {
		data, err := json.MarshalIndent(orders, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(orders) == 0 {
		fmt.Println("No work orders.")
		return nil
	}

	fmt.Printf("%-36s %-36s %-36s %-13s %s\n", "ID", "AGENT", "VERSION", "STATUS", "LAST ERROR")
	for _, o := range orders {
		lastError := o.LastError
		if len(lastError) > 40 {
			lastError = lastError[:37] + "..."
		}
		// Pad before colouring; escape codes would throw the column off.
		pad := strings.Repeat(" ", max(13-len(o.Status), 1))
		fmt.Printf("%-36s %-36s %-36s %s%s%s\n", o.ID, o.AgentID, o.ContentVersionID, printer.OrderStatus(o.Status), pad, lastError)
	}
	return nil
}
