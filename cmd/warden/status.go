package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: warden status")
		return 2
	}

	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	gates, err := policy.NewGateTable(cfg.Gates, cfg.AdminGroup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		return 1
	}

	fmt.Printf("home:           %s\n", cfg.HomeDir)
	fmt.Printf("db:             %s\n", cfg.DBPath)
	fmt.Printf("policy_version: %s\n", gates.Version())

	states := []policy.State{
		policy.StateInbox, policy.StateTriaged, policy.StateReady, policy.StateDoing,
		policy.StateReview, policy.StateApproval, policy.StateDone, policy.StateBlocked,
	}
	fmt.Println("tasks:")
	for _, state := range states {
		tasks, err := store.ListTasks(ctx, persistence.TaskFilter{State: state, Limit: 1000})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			return 1
		}
		if len(tasks) > 0 {
			fmt.Printf("  %-9s %d\n", state, len(tasks))
		}
	}

	counts, err := store.CountActivities(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count activities: %v\n", err)
		return 1
	}
	fmt.Println("activities:")
	for action, count := range counts {
		fmt.Printf("  %-10s %d\n", action, count)
	}

	depth, err := store.QueueDepth(ctx, "warden.requests")
	if err == nil {
		fmt.Printf("request_queue:  %d\n", depth)
	}
	return 0
}
