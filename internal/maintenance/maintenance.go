// Package maintenance runs warden's scheduled housekeeping: the retention
// purge of aged terminal broker records and the periodic backup. Both run on
// standard 5-field cron expressions. Governance history is never purged.
package maintenance

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/warden/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and schedules for the maintenance runner.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// RetentionCron schedules the purge; empty disables it.
	RetentionCron string

	// ExtCallRetentionDays is the purge age for terminal external calls.
	ExtCallRetentionDays int

	// BackupCron schedules backups; empty disables them.
	BackupCron string

	// BackupDir receives scheduled backups.
	BackupDir string

	// PolicyVersion and SecretNames go into backup manifests.
	PolicyVersion string
	SecretNames   []string

	// Interval between due checks. Defaults to 30 seconds.
	Interval time.Duration
}

// Runner fires retention and backup jobs when their schedules come due.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	retentionNext time.Time
	backupNext    time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	r := &Runner{cfg: cfg, logger: logger}

	now := time.Now()
	if cfg.RetentionCron != "" {
		sched, err := cronParser.Parse(cfg.RetentionCron)
		if err != nil {
			return nil, err
		}
		r.retentionNext = sched.Next(now)
	}
	if cfg.BackupCron != "" {
		sched, err := cronParser.Parse(cfg.BackupCron)
		if err != nil {
			return nil, err
		}
		r.backupNext = sched.Next(now)
	}
	return r, nil
}

// Start begins the runner loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("maintenance runner started",
		"retention_cron", r.cfg.RetentionCron, "backup_cron", r.cfg.BackupCron)
}

// Stop cancels the runner and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx, time.Now())
		}
	}
}

// Tick fires any job whose schedule has come due as of now. Exported so
// tests drive the runner without the ticker.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	if !r.retentionNext.IsZero() && now.After(r.retentionNext) {
		r.runRetention(ctx)
		if sched, err := cronParser.Parse(r.cfg.RetentionCron); err == nil {
			r.retentionNext = sched.Next(now)
		}
	}
	if !r.backupNext.IsZero() && now.After(r.backupNext) {
		r.runBackup(ctx)
		if sched, err := cronParser.Parse(r.cfg.BackupCron); err == nil {
			r.backupNext = sched.Next(now)
		}
	}
}

func (r *Runner) runRetention(ctx context.Context) {
	result, err := r.cfg.Store.RunRetention(ctx, r.cfg.ExtCallRetentionDays)
	if err != nil {
		r.logger.Error("maintenance: retention failed", "error", err)
		return
	}
	r.logger.Info("maintenance: retention complete",
		"ext_calls_purged", result.PurgedExternalCalls,
		"approvals_purged", result.PurgedCallApprovals,
		"ipc_purged", result.PurgedIPCMessages)
}

// runBackup writes each snapshot into a tag-named subdirectory so scheduled
// backups accumulate instead of overwriting the last one.
func (r *Runner) runBackup(ctx context.Context) {
	tag := time.Now().UTC().Format("20060102-150405")
	dest := filepath.Join(r.cfg.BackupDir, tag)
	if err := r.cfg.Store.Backup(ctx, dest, r.cfg.PolicyVersion, tag, r.cfg.SecretNames); err != nil {
		r.logger.Error("maintenance: backup failed", "dir", dest, "error", err)
		return
	}
	r.logger.Info("maintenance: backup complete", "dir", dest, "tag", tag)
}
