// Package config loads and validates the BookRelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/bookrelay/internal/model"
)

const (
	// DefaultConcurrency is the number of books replicated at once.
	DefaultConcurrency = 1
	// MaxConcurrency caps replication.concurrency.
	MaxConcurrency = 4
	// DefaultSchedule is the auto replication schedule when none is given.
	DefaultSchedule = "@every 30m"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Local configures the on-device library database.
	Local LocalConfig `yaml:"local"`

	// Filesystem enables the directory tree backend. Omit to disable.
	Filesystem *FilesystemConfig `yaml:"filesystem,omitempty"`

	// GDrive enables the Google Drive backend. Omit to disable.
	GDrive *DriveConfig `yaml:"gdrive,omitempty"`

	// OneDrive enables the OneDrive backend. Omit to disable.
	OneDrive *DriveConfig `yaml:"onedrive,omitempty"`

	Replication ReplicationConfig `yaml:"replication"`

	// Auto schedules replication between the local library and a remote
	// backend when running as a daemon.
	Auto AutoConfig `yaml:"auto"`

	// Progress optionally serves replication progress over a websocket.
	Progress ProgressConfig `yaml:"progress"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LocalConfig configures the local library database.
type LocalConfig struct {
	// DBPath defaults to ~/.local/share/bookrelay/library.db.
	DBPath string `yaml:"db_path"`
}

// FilesystemConfig configures the directory tree backend.
type FilesystemConfig struct {
	// Root is the directory that holds (or will hold) ttu-reader-data.
	Root string `yaml:"root"`
}

// DriveConfig holds the OAuth client of a cloud drive.
type DriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenFile stores the OAuth token; refreshed tokens are written back.
	// Defaults to ~/.config/bookrelay/{backend}-token.json.
	TokenFile string `yaml:"token_file"`

	// Tenant is the Azure AD tenant (onedrive only). Defaults to "common".
	Tenant string `yaml:"tenant,omitempty"`
}

// ReplicationConfig tunes replication runs.
type ReplicationConfig struct {
	// SaveBehavior is "new" (default) or "overwrite".
	SaveBehavior model.SaveBehavior `yaml:"save_behavior"`

	// Cache keeps backend listings between operations. Defaults to true.
	Cache *bool `yaml:"cache"`

	// Concurrency is the number of books replicated at once (1..4).
	Concurrency int `yaml:"concurrency"`

	// StatisticsMergeMode and ReadingGoalsMergeMode are "merge" (default) or
	// "replace".
	StatisticsMergeMode   model.MergeMode `yaml:"statistics_merge_mode"`
	ReadingGoalsMergeMode model.MergeMode `yaml:"reading_goals_merge_mode"`
}

// CacheEnabled reports whether listing caching is on.
func (r ReplicationConfig) CacheEnabled() bool {
	return r.Cache == nil || *r.Cache
}

// AutoConfig configures scheduled replication.
type AutoConfig struct {
	// Mode is off (default), up, down or all.
	Mode model.AutoReplication `yaml:"mode"`

	// Remote names the backend paired with the local library.
	Remote model.StorageKind `yaml:"remote"`

	// Schedule is a cron expression or descriptor such as "@every 30m".
	Schedule string `yaml:"schedule"`

	// DataTypes is a comma separated subset of book,progress,statistics.
	// Defaults to all three.
	DataTypes string `yaml:"data_types"`

	// ReadingGoals also replicates the reading goals. Defaults to true.
	ReadingGoals *bool `yaml:"reading_goals"`
}

// ProgressConfig configures the progress feed.
type ProgressConfig struct {
	// Listen is the host:port of the websocket feed, e.g. "127.0.0.1:8787".
	Listen string `yaml:"listen"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "bookrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/bookrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "bookrelay", "config.yaml"), nil
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and validates the configuration file at the given path. An
// empty file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all fields are well-formed and fills in defaults.
func (c *Config) validate() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	if c.Local.DBPath == "" {
		c.Local.DBPath = filepath.Join(home, ".local", "share", "bookrelay", "library.db")
	}

	if c.Filesystem != nil && c.Filesystem.Root == "" {
		return fmt.Errorf("filesystem.root is required when filesystem is configured")
	}
	if err := c.GDrive.validate("gdrive", home); err != nil {
		return err
	}
	if err := c.OneDrive.validate("onedrive", home); err != nil {
		return err
	}

	if err := c.Replication.validate(); err != nil {
		return err
	}
	if err := c.validateAuto(); err != nil {
		return err
	}

	if c.Progress.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Progress.Listen); err != nil {
			return fmt.Errorf("progress.listen %q must be host:port: %w", c.Progress.Listen, err)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (d *DriveConfig) validate(name, home string) error {
	if d == nil {
		return nil
	}
	if d.ClientID == "" {
		return fmt.Errorf("%s.client_id is required when %s is configured", name, name)
	}
	if d.TokenFile == "" {
		d.TokenFile = filepath.Join(home, ".config", "bookrelay", name+"-token.json")
	}
	if d.Tenant != "" && name != "onedrive" {
		return fmt.Errorf("%s.tenant is only valid for onedrive", name)
	}
	return nil
}

func (r *ReplicationConfig) validate() error {
	switch r.SaveBehavior {
	case "":
		r.SaveBehavior = model.SaveNewOnly
	case model.SaveNewOnly, model.SaveOverwrite:
	default:
		return fmt.Errorf("replication.save_behavior %q must be %q or %q", r.SaveBehavior, model.SaveNewOnly, model.SaveOverwrite)
	}

	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.Concurrency < 1 || r.Concurrency > MaxConcurrency {
		return fmt.Errorf("replication.concurrency %d must be between 1 and %d", r.Concurrency, MaxConcurrency)
	}

	for _, m := range []struct {
		key  string
		mode *model.MergeMode
	}{
		{"statistics_merge_mode", &r.StatisticsMergeMode},
		{"reading_goals_merge_mode", &r.ReadingGoalsMergeMode},
	} {
		switch *m.mode {
		case "":
			*m.mode = model.MergeModeMerge
		case model.MergeModeMerge, model.MergeModeReplace:
		default:
			return fmt.Errorf("replication.%s %q must be %q or %q", m.key, *m.mode, model.MergeModeMerge, model.MergeModeReplace)
		}
	}
	return nil
}

func (c *Config) validateAuto() error {
	a := &c.Auto
	switch a.Mode {
	case "":
		a.Mode = model.AutoOff
	case model.AutoOff, model.AutoUp, model.AutoDown, model.AutoAll:
	default:
		return fmt.Errorf("auto.mode %q must be off, up, down or all", a.Mode)
	}
	if a.Schedule == "" {
		a.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(a.Schedule); err != nil {
		return fmt.Errorf("auto.schedule %q: %w", a.Schedule, err)
	}
	if a.DataTypes != "" {
		if _, err := model.ParseDataTypes(a.DataTypes); err != nil {
			return fmt.Errorf("auto.data_types: %w", err)
		}
	}
	if a.Mode == model.AutoOff {
		return nil
	}

	if !c.Configured(a.Remote) || a.Remote == model.StorageLocal || a.Remote == model.StorageBackup {
		return fmt.Errorf("auto.remote %q must name a configured filesystem, gdrive or onedrive backend", a.Remote)
	}
	return nil
}

// AutoDataTypes returns the data types auto replication copies.
func (a AutoConfig) AutoDataTypes() []model.DataType {
	if a.DataTypes == "" {
		return []model.DataType{model.DataBook, model.DataProgress, model.DataStatistics}
	}
	types, err := model.ParseDataTypes(a.DataTypes)
	if err != nil {
		return []model.DataType{model.DataBook, model.DataProgress, model.DataStatistics}
	}
	return types
}

// AutoReadingGoals reports whether auto replication copies reading goals.
func (a AutoConfig) AutoReadingGoals() bool {
	return a.ReadingGoals == nil || *a.ReadingGoals
}

// Configured reports whether backend kind can be used with this config.
func (c *Config) Configured(kind model.StorageKind) bool {
	switch kind {
	case model.StorageLocal, model.StorageBackup:
		return true
	case model.StorageFilesystem:
		return c.Filesystem != nil
	case model.StorageGDrive:
		return c.GDrive != nil
	case model.StorageOneDrive:
		return c.OneDrive != nil
	}
	return false
}
