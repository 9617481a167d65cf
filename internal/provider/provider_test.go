package provider_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/warden/internal/provider"
)

const githubManifest = `name: GitHub
description: issue tracker
command: /usr/local/bin/warden-github
actions:
  - name: create_issue
    description: open an issue
    schema: |
      {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "labels": {"type": "array", "items": {"type": "string"}}
        }
      }
  - name: read_issue
`

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "github.yaml", githubManifest)
	writeManifest(t, dir, "slack.yml", "name: slack\nactions:\n  - name: post_message\n")
	writeManifest(t, dir, "notes.txt", "not a manifest")

	registry := provider.NewRegistry()
	if err := registry.LoadDir(dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	actions := registry.Actions()
	if len(actions) != 3 {
		t.Fatalf("actions = %d, want 3", len(actions))
	}

	// Lookup is case-insensitive; manifest names are normalized.
	if _, ok := registry.Lookup("GitHub", "Create_Issue"); !ok {
		t.Fatal("case-insensitive lookup failed")
	}
	if _, ok := registry.Lookup("github", "delete_repo"); ok {
		t.Fatal("unknown action resolved")
	}

	cmd, ok := registry.CommandFor("github")
	if !ok || cmd != "/usr/local/bin/warden-github" {
		t.Fatalf("command = %q ok=%v", cmd, ok)
	}
	if _, ok := registry.CommandFor("slack"); ok {
		t.Fatal("slack declares no command")
	}
}

func TestLoadDir_MissingDirIsEmptyCatalog(t *testing.T) {
	registry := provider.NewRegistry()
	if err := registry.LoadDir(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("load missing dir: %v", err)
	}
	if len(registry.Actions()) != 0 {
		t.Fatal("expected empty catalog")
	}
}

func TestLoadDir_BadSchemaRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "name: bad\nactions:\n  - name: act\n    schema: 'not a json document'\n")

	registry := provider.NewRegistry()
	if err := registry.LoadDir(dir); err == nil {
		t.Fatal("invalid schema accepted")
	}
}

func TestValidateParams(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "github.yaml", githubManifest)
	registry := provider.NewRegistry()
	if err := registry.LoadDir(dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	act, ok := registry.Lookup("github", "create_issue")
	if !ok {
		t.Fatal("action missing")
	}
	if err := act.ValidateParams(map[string]any{"title": "broken build"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := act.ValidateParams(map[string]any{"labels": []string{"bug"}}); err == nil {
		t.Fatal("missing required title accepted")
	}
	if err := act.ValidateParams(map[string]any{"title": ""}); err == nil {
		t.Fatal("empty title accepted")
	}

	// An action without a schema accepts anything.
	open, ok := registry.Lookup("github", "read_issue")
	if !ok {
		t.Fatal("read_issue missing")
	}
	if err := open.ValidateParams(map[string]any{"whatever": 42}); err != nil {
		t.Fatalf("schemaless action rejected params: %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	registry := provider.NewRegistry()
	if err := registry.Register(provider.Manifest{Name: ""}); err == nil {
		t.Fatal("empty provider name accepted")
	}
	if err := registry.Register(provider.Manifest{Name: "bare"}); err == nil {
		t.Fatal("provider with no actions accepted")
	}
	if err := registry.Register(provider.Manifest{
		Name:    "p",
		Actions: []provider.ActionManifest{{Name: ""}},
	}); err == nil {
		t.Fatal("unnamed action accepted")
	}
}

func TestExecInvoker_UnknownProvider(t *testing.T) {
	registry := provider.NewRegistry()
	invoker := provider.NewExecInvoker(registry, nil, 0)
	if _, err := invoker.Invoke(context.Background(), "ghost", "act", nil); err == nil {
		t.Fatal("invoke without a command succeeded")
	}
}
