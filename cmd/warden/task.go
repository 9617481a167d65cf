package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/kernel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// openKernel wires the minimal stack CLI task commands need: store, gate
// table, kernel, and the audit trail.
func openKernel(cfg config.Config) (*kernel.Kernel, func(), error) {
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
	kern := kernel.New(kernel.Config{
		Store:          store,
		Gates:          gates,
		StrictEvidence: cfg.StrictEvidence,
	})
	cleanup := func() {
		_ = store.Close()
		_ = audit.Close()
	}
	return kern, cleanup, nil
}

func printJSON(v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		return
	}
	fmt.Println(string(body))
}

func printError(err error) int {
	if denial, ok := shared.AsDenial(err); ok {
		fmt.Fprintf(os.Stderr, "denied [%s]: %s\n", denial.Code, denial.Reason)
		return 1
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden task <create|list|transition|approve|override|audit> [flags]")
		return 2
	}
	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	action, rest := args[0], args[1:]
	switch action {
	case "create":
		fs := flag.NewFlagSet("task create", flag.ContinueOnError)
		group := fs.String("group", cfg.AdminGroup, "acting group")
		title := fs.String("title", "", "task title")
		taskType := fs.String("type", "work", "task type")
		scope := fs.String("scope", "COMPANY", "task scope: COMPANY or PRODUCT")
		productID := fs.String("product", "", "product id for PRODUCT scope")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		kern, cleanup, err := openKernel(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		task, err := kern.Create(ctx, *group, *title, *taskType, *scope, *productID)
		if err != nil {
			return printError(err)
		}
		printJSON(task)
		return 0

	case "list":
		fs := flag.NewFlagSet("task list", flag.ContinueOnError)
		state := fs.String("state", "", "filter by state")
		group := fs.String("assigned", "", "filter by assigned group")
		product := fs.String("product", "", "filter by product id")
		limit := fs.Int("limit", 0, "max results")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		kern, cleanup, err := openKernel(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		filter := persistence.TaskFilter{AssignedGroup: *group, ProductID: *product, Limit: *limit}
		if *state != "" {
			st, err := policy.ParseState(*state)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
			filter.State = st
		}
		tasks, err := kern.List(ctx, filter)
		if err != nil {
			return printError(err)
		}
		printJSON(tasks)
		return 0

	case "transition":
		fs := flag.NewFlagSet("task transition", flag.ContinueOnError)
		group := fs.String("group", cfg.AdminGroup, "acting group")
		taskID := fs.String("id", "", "task id")
		version := fs.Int64("version", 0, "expected task version")
		to := fs.String("to", "", "target state")
		evidence := fs.String("evidence", "", "execution summary")
		assigned := fs.String("assign", "", "group to assign")
		gate := fs.String("gate", "", "gate for review")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		toState, err := policy.ParseState(*to)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		kern, cleanup, err := openKernel(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		task, err := kern.Transition(ctx, *group, kernel.TransitionRequest{
			TaskID:        *taskID,
			Version:       *version,
			To:            toState,
			Evidence:      *evidence,
			AssignedGroup: *assigned,
			Gate:          *gate,
		})
		if err != nil {
			return printError(err)
		}
		printJSON(task)
		return 0

	case "approve":
		fs := flag.NewFlagSet("task approve", flag.ContinueOnError)
		group := fs.String("group", "", "approving group")
		taskID := fs.String("id", "", "task id")
		version := fs.Int64("version", 0, "expected task version")
		decision := fs.String("decision", kernel.DecisionApprove, "approve or changes_requested")
		note := fs.String("note", "", "approval note")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		kern, cleanup, err := openKernel(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		task, err := kern.Approve(ctx, *group, *taskID, *version, *decision, *note)
		if err != nil {
			return printError(err)
		}
		printJSON(task)
		return 0

	case "override":
		fs := flag.NewFlagSet("task override", flag.ContinueOnError)
		group := fs.String("group", cfg.AdminGroup, "acting group")
		taskID := fs.String("id", "", "task id")
		version := fs.Int64("version", 0, "expected task version")
		to := fs.String("to", "", "target state")
		reason := fs.String("reason", "", "mandatory override reason")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		toState, err := policy.ParseState(*to)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		kern, cleanup, err := openKernel(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer cleanup()
		task, err := kern.Override(ctx, *group, *taskID, *version, toState, *reason)
		if err != nil {
			return printError(err)
		}
		printJSON(task)
		return 0

	case "audit":
		fs := flag.NewFlagSet("task audit", flag.ContinueOnError)
		taskID := fs.String("id", "", "task id (empty for broker-only rows)")
		limit := fs.Int("limit", 0, "max rows")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		store, err := persistence.Open(cfg.DBPath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "store open: %v\n", err)
			return 1
		}
		defer store.Close()
		rows, err := store.ListActivities(ctx, *taskID, *limit)
		if err != nil {
			return printError(err)
		}
		printJSON(rows)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", action)
		return 2
	}
}
