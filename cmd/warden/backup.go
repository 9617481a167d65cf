package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
)

func runBackupCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	dir := fs.String("dir", "", "backup directory (default <home>/backups)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	dest := *dir
	if dest == "" {
		dest = cfg.Maintenance.BackupDir
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

	tag := time.Now().UTC().Format("20060102-150405")
	dest = filepath.Join(dest, tag)
	if err := store.Backup(ctx, dest, gates.Version(), tag, cfg.SecretNames()); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", dest)
	return 0
}

func runRestoreCommand(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	dir := fs.String("dir", "", "backup directory to restore from")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: warden restore -dir <backup-dir>")
		return 2
	}

	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	manifest, err := persistence.ReadBackupManifest(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		return 1
	}
	fmt.Printf("restoring backup %s (schema v%d, created %s)\n",
		manifest.VersionTag, manifest.SchemaVersion, manifest.CreatedAt.Format(time.RFC3339))

	if err := persistence.Restore(*dir, cfg.DBPath); err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}
	fmt.Printf("restored to %s\n", filepath.Clean(cfg.DBPath))
	return 0
}
