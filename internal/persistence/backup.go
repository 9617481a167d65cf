package persistence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const backupManifestName = "manifest.yaml"
const backupDBName = "warden.db"

// BackupManifest describes a point-in-time backup. It names external secrets
// but never carries their values.
type BackupManifest struct {
	CreatedAt     time.Time `yaml:"created_at"`
	SchemaVersion int       `yaml:"schema_version"`
	PolicyVersion string    `yaml:"policy_version"`
	SecretNames   []string  `yaml:"secret_names"`
	VersionTag    string    `yaml:"version_tag"`
}

// Backup writes a point-in-time snapshot of the store into destDir: the
// database file (via VACUUM INTO, consistent under WAL) plus a manifest.
func (s *Store) Backup(ctx context.Context, destDir, policyVersion, versionTag string, secretNames []string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	dbCopy := filepath.Join(destDir, backupDBName)
	// VACUUM INTO refuses to overwrite; remove any stale copy first.
	if err := os.Remove(dbCopy); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale backup db: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, dbCopy); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}

	manifest := BackupManifest{
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: schemaVersionLatest,
		PolicyVersion: policyVersion,
		SecretNames:   secretNames,
		VersionTag:    versionTag,
	}
	out, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, backupManifestName), out, 0o644); err != nil {
		return fmt.Errorf("write backup manifest: %w", err)
	}
	return nil
}

// ReadBackupManifest loads and validates the manifest from a backup directory.
func ReadBackupManifest(srcDir string) (*BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(srcDir, backupManifestName))
	if err != nil {
		return nil, fmt.Errorf("read backup manifest: %w", err)
	}
	var manifest BackupManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	if manifest.SchemaVersion > schemaVersionLatest {
		return nil, fmt.Errorf("backup schema version %d is newer than supported %d", manifest.SchemaVersion, schemaVersionLatest)
	}
	return &manifest, nil
}

// Restore replaces the live database file with the backup copy. The store
// must not be open on dbPath while this runs; the dispatch loop resumes
// wherever it finds tasks after the next Open, with no separate migration step.
func Restore(srcDir, dbPath string) error {
	if _, err := ReadBackupManifest(srcDir); err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(srcDir, backupDBName))
	if err != nil {
		return fmt.Errorf("open backup db: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	// Stale WAL/SHM sidecars from the replaced database must not be replayed
	// over the restored file.
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove sidecar %s: %w", sidecar, err)
		}
	}

	tmp := dbPath + ".restore"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create restore tmp: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy backup db: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close restore tmp: %w", err)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace db file: %w", err)
	}
	return nil
}
