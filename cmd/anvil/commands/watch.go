package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/printer"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream broker events",
	Long: `Stream stack, content, agent and work order events as they happen.

Events are delivered over Redis Pub/Sub, so only activity from the
moment the watch starts is shown. Press Ctrl-C to stop.

Examples:
  anvil watch
  anvil watch --instance prod`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	stackSub := client.SubscribeStackEvents(ctx)
	defer stackSub.Close()
	contentSub := client.SubscribeContentEvents(ctx)
	defer contentSub.Close()
	agentSub := client.SubscribeAgentEvents(ctx)
	defer agentSub.Close()
	orderSub := client.SubscribeOrderEvents(ctx)
	defer orderSub.Close()

	printer.Info("Watching instance '%s' (Ctrl-C to stop)...\n", client.InstanceName())

	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil

		case stack, ok := <-stackSub.Events():
			if !ok {
				return nil
			}
			if stack.Deleted() {
				printer.Warning("%s stack '%s' deleted\n", eventTime(), stack.Name)
			} else {
				printer.Info("%s stack '%s' declared\n", eventTime(), stack.Name)
			}

		case version, ok := <-contentSub.Events():
			if !ok {
				return nil
			}
			if version.Tombstone {
				printer.Warning("%s tombstone %s current for stack %s\n", eventTime(), version.ID, version.StackID)
			} else {
				printer.Info("%s version %s current for stack %s (checksum %s)\n", eventTime(), version.ID, version.StackID, version.Checksum[:12])
			}

		case agent, ok := <-agentSub.Events():
			if !ok {
				return nil
			}
			if agent.Deleted() {
				printer.Warning("%s agent '%s' deleted\n", eventTime(), agent.QualifiedName())
			} else {
				printer.Info("%s agent '%s' updated (%s)\n", eventTime(), agent.QualifiedName(), printer.AgentStatus(agent.Status))
			}

		case order, ok := <-orderSub.Events():
			if !ok {
				return nil
			}
			printer.Info("%s order %s for agent %s is %s\n", eventTime(), order.ID, order.AgentID, printer.OrderStatus(order.Status))

		case err, ok := <-stackSub.Errors():
			if ok {
				printer.Warning("%s subscription error: %v\n", eventTime(), err)
			}
		case err, ok := <-contentSub.Errors():
			if ok {
				printer.Warning("%s subscription error: %v\n", eventTime(), err)
			}
		case err, ok := <-agentSub.Errors():
			if ok {
				printer.Warning("%s subscription error: %v\n", eventTime(), err)
			}
		case err, ok := <-orderSub.Errors():
			if ok {
				printer.Warning("%s subscription error: %v\n", eventTime(), err)
			}
		}
	}
}

func eventTime() string {
	return time.Now().Format("15:04:05")
}
