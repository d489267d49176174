package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gordian-engine/sharedmap"
	"github.com/gordian-engine/sharedmap/smstore"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by serve and watch.
type Config struct {
	SharedDataKey string `yaml:"shared_data_key"`

	// Directory holding the default JSON file and SQLite database.
	ProfileDir string `yaml:"profile_dir"`

	Store StoreConfig `yaml:"store"`

	LoadTimeout    Duration `yaml:"load_timeout"`
	BroadcastDelay Duration `yaml:"broadcast_delay"`

	// "changed" (default) or "all".
	NotifyMode string `yaml:"notify_mode"`

	QUIC QUICConfig `yaml:"quic"`

	// If set, the parent exports snapshots here
	// and a child without a QUIC address watches it.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// StoreConfig selects the parent's persistent backing.
type StoreConfig struct {
	// "json" (default) or "sqlite".
	Backend string `yaml:"backend"`

	// Overrides the default path under the profile directory.
	Path string `yaml:"path"`

	SaveDelay Duration `yaml:"save_delay"`
}

// QUICConfig configures the network export.
type QUICConfig struct {
	// Parent listen address. Empty disables the QUIC export.
	Listen string `yaml:"listen"`

	// Child dial address.
	Addr string `yaml:"addr"`

	// PEM files. If the parent's files do not exist,
	// a self-signed pair is generated and written there.
	// A child trusts the certificate in CertFile.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// Name the child expects in the server certificate.
	ServerName string `yaml:"server_name"`
}

// Duration is a time.Duration written as a string like "1.5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		SharedDataKey: "experiments",
		ProfileDir:    ".",
		Store: StoreConfig{
			Backend: "json",
		},
		NotifyMode: "changed",
		QUIC: QUICConfig{
			ServerName: "localhost",
		},
	}
}

// LoadConfig reads path over [DefaultConfig].
// Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports every invalid setting in c.
func (c Config) Validate() error {
	var errs error

	if c.SharedDataKey == "" {
		errs = errors.Join(errs, errors.New("shared_data_key may not be empty"))
	}

	switch c.Store.Backend {
	case "json", "sqlite":
	default:
		errs = errors.Join(errs, fmt.Errorf("store.backend must be json or sqlite, got %q", c.Store.Backend))
	}

	if _, err := c.notifyMode(); err != nil {
		errs = errors.Join(errs, err)
	}

	if c.LoadTimeout < 0 {
		errs = errors.Join(errs, errors.New("load_timeout may not be negative"))
	}
	if c.BroadcastDelay < 0 {
		errs = errors.Join(errs, errors.New("broadcast_delay may not be negative"))
	}
	if c.Store.SaveDelay < 0 {
		errs = errors.Join(errs, errors.New("store.save_delay may not be negative"))
	}

	return errs
}

func (c Config) notifyMode() (sharedmap.NotifyMode, error) {
	switch c.NotifyMode {
	case "", "changed":
		return sharedmap.NotifyChangedKeys, nil
	case "all":
		return sharedmap.NotifyAllKeys, nil
	default:
		return 0, fmt.Errorf("notify_mode must be changed or all, got %q", c.NotifyMode)
	}
}

// StorePath returns the configured store path,
// or the default for the backend under the profile directory.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == "sqlite" {
		return filepath.Join(c.ProfileDir, "sharedmap.db")
	}
	return smstore.JSONFilePath(c.ProfileDir, c.SharedDataKey)
}
