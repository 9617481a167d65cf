package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/broker"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/provider"
)

func openBroker(cfg config.Config) (*broker.Broker, func(), error) {
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, nil, fmt.Errorf("audit init: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		_ = audit.Close()
		return nil, nil, fmt.Errorf("store open: %w", err)
	}
	audit.SetStore(store)
	gates, err := policy.NewGateTable(cfg.Gates, cfg.AdminGroup)
	if err != nil {
		_ = store.Close()
		_ = audit.Close()
		return nil, nil, fmt.Errorf("policy: %w", err)
	}
	registry := provider.NewRegistry()
	if err := registry.LoadDir(cfg.Broker.ProviderDir); err != nil {
		_ = store.Close()
		_ = audit.Close()
		return nil, nil, fmt.Errorf("provider catalog: %w", err)
	}
	brk := broker.New(broker.Config{
		Store:            store,
		Registry:         registry,
		Invoker:          provider.NewExecInvoker(registry, nil, 0),
		Gates:            gates,
		SecretFor:        cfg.GroupSecret,
		MaxInFlightCalls: cfg.Broker.MaxInFlightCalls,
	})
	cleanup := func() {
		_ = store.Close()
		_ = audit.Close()
	}
	return brk, cleanup, nil
}

func runGrantCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden grant <add|list|revoke> [flags]")
		return 2
	}
	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	action, rest := args[0], args[1:]
	switch action {
	case "add":
		fs := flag.NewFlagSet("grant add", flag.ContinueOnError)
		actor := fs.String("by", cfg.AdminGroup, "granting group")
		group := fs.String("group", "", "grantee group")
		providerName := fs.String("provider", "", "provider name")
		level := fs.Int("level", 0, "access level 0..3")
		allowed := fs.String("allow", "", "comma-separated allowed actions")
		denied := fs.String("deny", "", "comma-separated denied actions")
		scope := fs.String("scope", "", "grant scope (empty matches all)")
		ttl := fs.Duration("ttl", 0, "expiry from now (required for level >= 2)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		brk, cleanup, err := openBroker(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()

		req := broker.GrantRequest{
			Group:       *group,
			Provider:    *providerName,
			AccessLevel: *level,
			Scope:       *scope,
		}
		if *allowed != "" {
			req.AllowedActions = strings.Split(*allowed, ",")
		}
		if *denied != "" {
			req.DeniedActions = strings.Split(*denied, ",")
		}
		if *ttl > 0 {
			req.ExpiresAt = time.Now().Add(*ttl)
		}
		stored, err := brk.Grant(ctx, *actor, req)
		if err != nil {
			return printError(err)
		}
		printJSON(stored)
		return 0

	case "list":
		fs := flag.NewFlagSet("grant list", flag.ContinueOnError)
		group := fs.String("group", "", "filter by grantee group")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		brk, cleanup, err := openBroker(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		grants, err := brk.Grants(ctx, *group)
		if err != nil {
			return printError(err)
		}
		printJSON(grants)
		return 0

	case "revoke":
		fs := flag.NewFlagSet("grant revoke", flag.ContinueOnError)
		actor := fs.String("by", cfg.AdminGroup, "revoking group")
		group := fs.String("group", "", "grantee group")
		providerName := fs.String("provider", "", "provider name")
		scope := fs.String("scope", "", "grant scope")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		brk, cleanup, err := openBroker(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		if err := brk.Revoke(ctx, *actor, *group, *providerName, *scope); err != nil {
			return printError(err)
		}
		fmt.Println("revoked")
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown grant action %q\n", action)
		return 2
	}
}
