package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mir00r/region-router/internal/config"
	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/middleware"
	"github.com/mir00r/region-router/internal/service"
	"github.com/mir00r/region-router/internal/transport"
	"github.com/mir00r/region-router/pkg/logger"
)

// Admin processes run one task against the configured account and exit.

const adminTimeout = 30 * time.Second

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Account: %s\n", cfg.Account.Endpoint)
	fmt.Printf("Preferred regions: %v\n", cfg.Endpoint.PreferredRegions)
	fmt.Printf("Multiple write locations: %t\n", cfg.Endpoint.EnableMultipleWriteLocations)
	fmt.Printf("Circuit breaker: %t\n", cfg.CircuitBreaker.Enabled)
	fmt.Printf("Fault injection: %t (%d rules)\n", cfg.FaultInjection.Enabled, len(cfg.FaultInjection.Rules))
	fmt.Printf("Admin API: %t (auth %t)\n", cfg.Admin.Enabled, cfg.Admin.Auth.Enabled)

	return nil
}

// runIssueToken prints an admin API token for a subject and its roles
func runIssueToken(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: issue-token <subject> <role>...")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	authCfg := cfg.ToJWTAuthConfig()
	authCfg.Enabled = true
	auth, err := middleware.NewJWTAuthMiddleware(authCfg, nil)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(args[0], args[1:]...)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// newAdminClient builds a client without background refresh or fault injection
func newAdminClient() (*service.Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	tr, err := transport.NewHTTPTransport(cfg.Transport, log)
	if err != nil {
		return nil, err
	}
	return service.NewClient(cfg.ToClientConfig(), tr, log), nil
}

// runTopology fetches the account topology once and prints the routing order
func runTopology() error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := client.Manager().Refresh(ctx); err != nil {
		return fmt.Errorf("topology refresh failed: %w", err)
	}
	return printJSON(client.Diagnostics())
}

// runRoute prints where an item operation would be routed
func runRoute(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: route <container-link> <effective-partition-key> [operation]")
	}
	op := domain.OperationRead
	if len(args) > 2 {
		parsed, ok := domain.ParseOperationType(args[2])
		if !ok {
			return fmt.Errorf("unknown operation: %s", args[2])
		}
		op = parsed
	}

	client, err := newAdminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := client.Manager().Refresh(ctx); err != nil {
		return fmt.Errorf("topology refresh failed: %w", err)
	}

	location, err := client.Locate(ctx, service.ItemRequest{
		ContainerLink: args[0],
		PartitionKey:  domain.EffectivePartitionKey(args[1]),
		Operation:     op,
	})
	if err != nil {
		return err
	}
	return printJSON(location)
}

// runDumpConfig writes the effective configuration as YAML
func runDumpConfig(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dump-config <path>")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.SaveToFile(args[0])
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: routerd -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  validate-config                 - Validate configuration")
		fmt.Println("  issue-token <subject> <role>... - Sign an admin API token")
		fmt.Println("  topology                        - Fetch and print the account topology")
		fmt.Println("  route <container> <epk> [op]    - Show where an item operation goes")
		fmt.Println("  dump-config <path>              - Write the effective configuration")
		os.Exit(1)
	}

	command, args := os.Args[2], os.Args[3:]
	var err error

	switch command {
	case "validate-config", "validate":
		err = runConfigValidation()
	case "issue-token":
		err = runIssueToken(args)
	case "topology":
		err = runTopology()
	case "route":
		err = runRoute(args)
	case "dump-config":
		err = runDumpConfig(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	return len(os.Args) > 1 && os.Args[1] == "-admin"
}
