package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/printer"
	"github.com/dyluth/anvil/pkg/fleet"
)

var (
	version string
	commit  string
	date    string
)

var (
	rootRedisURL string
	rootInstance string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - Pull-based fleet deployment broker",
	Long: `Anvil is a deployment broker for fleets of pull-based agents.

Operators declare stacks (deployment intents with label selectors) and
submit content versions; agents in remote clusters poll the broker for
work orders, claim them, apply the content and report outcomes. The
broker's reconciliation loop keeps the work order set converged with the
declared state and the agent population.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootRedisURL, "redis-url", "r", "", "Redis URL (default $ANVIL_REDIS_URL or redis://localhost:6379/0)")
	rootCmd.PersistentFlags().StringVarP(&rootInstance, "instance", "n", "", "Broker instance name (default $ANVIL_INSTANCE_NAME)")
}

// newFleetClient connects to the broker's Redis instance using the global
// flags, falling back to the environment.
func newFleetClient() (*fleet.Client, error) {
	redisURL := rootRedisURL
	if redisURL == "" {
		redisURL = os.Getenv("ANVIL_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	instanceName := rootInstance
	if instanceName == "" {
		instanceName = os.Getenv("ANVIL_INSTANCE_NAME")
	}
	if instanceName == "" {
		return nil, printer.Error(
			"no instance name provided",
			"Anvil needs to know which broker instance to talk to.",
			[]string{
				"Pass it explicitly:\n  anvil --instance <name> ...",
				"Or set the environment variable:\n  export ANVIL_INSTANCE_NAME=<name>",
			},
		)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL %q: %w", redisURL, err)
	}
	return fleet.NewClient(opts, instanceName)
}

// parseKeyValues parses repeated key=value flag values into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		m[key] = value
	}
	return m, nil
}

// resolveStack accepts either a stack id or a stack name.
func resolveStack(ctx context.Context, client *fleet.Client, ref string) (*fleet.Stack, error) {
	s, err := client.GetStack(ctx, ref)
	if err == nil {
		return s, nil
	}
	if !fleet.IsNotFound(err) {
		return nil, err
	}

	s, err = client.GetStackByName(ctx, ref)
	if fleet.IsNotFound(err) {
		return nil, printer.Error(
			fmt.Sprintf("stack '%s' not found", ref),
			"No stack with that id or name exists on this instance.",
			[]string{"List known stacks:\n  anvil stack list"},
		)
	}
	return s, err
}
