package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/anvil/internal/api"
	"github.com/dyluth/anvil/internal/config"
	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/internal/dispatch"
	"github.com/dyluth/anvil/internal/recon"
	"github.com/dyluth/anvil/internal/registry"
	"github.com/dyluth/anvil/internal/stacks"
	"github.com/dyluth/anvil/pkg/fleet"
)

func main() {
	// 1. Resolve configuration: anvil.yml if ANVIL_CONFIG is set, otherwise
	// environment variables with built-in defaults.
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid redis URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Create fleet client
	client, err := fleet.NewClient(redisOpts, cfg.Broker.Instance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create fleet client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Broker starting for instance '%s' on %s\n", cfg.Broker.Instance, cfg.Broker.Listen)

	// 5. Wire the service layers
	stackRegistry := stacks.New(client)
	contentStore := content.NewStore(client)
	agentRegistry := registry.New(client, cfg.HeartbeatWindow())
	dispatcher := dispatch.New(client)
	engine := recon.NewEngine(client, agentRegistry, dispatcher, cfg.SweepInterval())

	// 6. Start the HTTP API
	server := api.NewServer(client, stackRegistry, contentStore, agentRegistry, dispatcher, cfg.Broker.Listen)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start API server: %v\n", err)
		os.Exit(1)
	}

	// 7. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 8. Run the reconciliation engine
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	// 9. Wait for shutdown signal or engine error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Reconciler error: %v\n", runErr)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API server shutdown error: %v\n", err)
	}

	fmt.Println("Broker stopped")
}

// resolveConfig loads anvil.yml when ANVIL_CONFIG points at one, and falls
// back to ANVIL_REDIS_URL / ANVIL_INSTANCE_NAME / ANVIL_LISTEN otherwise.
func resolveConfig() (*config.AnvilConfig, error) {
	if path := os.Getenv("ANVIL_CONFIG"); path != "" {
		return config.Load(path)
	}

	cfg := &config.AnvilConfig{Version: "1.0"}
	cfg.Redis.URL = os.Getenv("ANVIL_REDIS_URL")
	cfg.Broker.Instance = os.Getenv("ANVIL_INSTANCE_NAME")
	cfg.Broker.Listen = os.Getenv("ANVIL_LISTEN")

	if cfg.Redis.URL == "" || cfg.Broker.Instance == "" {
		return nil, fmt.Errorf("ANVIL_REDIS_URL and ANVIL_INSTANCE_NAME must be set (or ANVIL_CONFIG)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
