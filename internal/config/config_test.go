package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/njoerd114/bookrelay/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	_ = f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
local:
  db_path: /tmp/library.db
filesystem:
  root: /mnt/books
gdrive:
  client_id: abc.apps.googleusercontent.com
  client_secret: s3cret
  token_file: /tmp/gdrive.json
onedrive:
  client_id: 0000-1111
  tenant: consumers
replication:
  save_behavior: overwrite
  cache: false
  concurrency: 2
  statistics_merge_mode: replace
auto:
  mode: up
  remote: gdrive
  schedule: "*/15 * * * *"
  data_types: progress,book
progress:
  listen: 127.0.0.1:8787
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Local.DBPath != "/tmp/library.db" {
		t.Errorf("DBPath = %q, want /tmp/library.db", cfg.Local.DBPath)
	}
	if cfg.Filesystem == nil || cfg.Filesystem.Root != "/mnt/books" {
		t.Errorf("Filesystem = %+v", cfg.Filesystem)
	}
	if cfg.GDrive.TokenFile != "/tmp/gdrive.json" {
		t.Errorf("GDrive.TokenFile = %q", cfg.GDrive.TokenFile)
	}
	if !strings.HasSuffix(cfg.OneDrive.TokenFile, filepath.Join("bookrelay", "onedrive-token.json")) {
		t.Errorf("OneDrive.TokenFile = %q, want the default", cfg.OneDrive.TokenFile)
	}
	if cfg.Replication.SaveBehavior != model.SaveOverwrite {
		t.Errorf("SaveBehavior = %q, want overwrite", cfg.Replication.SaveBehavior)
	}
	if cfg.Replication.CacheEnabled() {
		t.Error("CacheEnabled = true, want false")
	}
	if cfg.Replication.StatisticsMergeMode != model.MergeModeReplace || cfg.Replication.ReadingGoalsMergeMode != model.MergeModeMerge {
		t.Errorf("merge modes = %q/%q", cfg.Replication.StatisticsMergeMode, cfg.Replication.ReadingGoalsMergeMode)
	}
	types := cfg.Auto.AutoDataTypes()
	if len(types) != 2 || types[0] != model.DataBook || types[1] != model.DataProgress {
		t.Errorf("AutoDataTypes = %v, want [book progress]", types)
	}
	if !cfg.Auto.AutoReadingGoals() {
		t.Error("AutoReadingGoals = false, want default true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(cfg.Local.DBPath, filepath.Join(".local", "share", "bookrelay", "library.db")) {
		t.Errorf("DBPath = %q", cfg.Local.DBPath)
	}
	if cfg.Replication.SaveBehavior != model.SaveNewOnly {
		t.Errorf("SaveBehavior = %q, want new", cfg.Replication.SaveBehavior)
	}
	if cfg.Replication.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Replication.Concurrency, DefaultConcurrency)
	}
	if !cfg.Replication.CacheEnabled() {
		t.Error("CacheEnabled = false, want default true")
	}
	if cfg.Auto.Mode != model.AutoOff || cfg.Auto.Schedule != DefaultSchedule {
		t.Errorf("Auto = %+v", cfg.Auto)
	}
	if cfg.Configured(model.StorageGDrive) || !cfg.Configured(model.StorageLocal) {
		t.Error("Configured reports the wrong backends")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "replication:\n  concurrenc: 2\n"},
		{"save behavior", "replication:\n  save_behavior: always\n"},
		{"concurrency too high", "replication:\n  concurrency: 9\n"},
		{"merge mode", "replication:\n  reading_goals_merge_mode: union\n"},
		{"filesystem without root", "filesystem: {}\n"},
		{"gdrive without client", "gdrive:\n  client_secret: x\n"},
		{"tenant on gdrive", "gdrive:\n  client_id: x\n  tenant: common\n"},
		{"auto mode", "auto:\n  mode: sideways\n"},
		{"auto remote unconfigured", "auto:\n  mode: down\n  remote: onedrive\n"},
		{"auto remote local", "auto:\n  mode: up\n  remote: local\n"},
		{"bad schedule", "auto:\n  schedule: every now and then\n"},
		{"bad data types", "auto:\n  data_types: covers\n"},
		{"progress listen", "progress:\n  listen: nowhere\n"},
		{"telemetry endpoint", "telemetry:\n  insecure: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load = %v, want a not-exist error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(".config", "bookrelay", "config.yaml")) {
		t.Errorf("DefaultPath = %q", path)
	}
}
