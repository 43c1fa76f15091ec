// Package appconfig loads the pgingest TOML configuration file into the
// shapes internal/config works with.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jfoltran/pgingest/internal/config"
)

type SourceConfig struct {
	URL string `toml:"url"`
}

type ReplicationConfig struct {
	SourceID          string `toml:"source_id"`
	SlotName          string `toml:"slot_name"`
	Publication       string `toml:"publication"`
	OutputPlugin      string `toml:"output_plugin"`
	FeedbackInterval  string `toml:"feedback_interval"`
	WALLagGracePeriod string `toml:"wal_lag_grace_period"`
}

type SnapshotConfig struct {
	ChunkTimeout string `toml:"chunk_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the on-disk TOML shape read by Load. The pgingest CLI does not
// load it; its commands take their settings from flags.
type Config struct {
	Source      SourceConfig      `toml:"source"`
	Replication ReplicationConfig `toml:"replication"`
	Snapshot    SnapshotConfig    `toml:"snapshot"`
	Logging     LoggingConfig     `toml:"logging"`
}

// Defaults returns the configuration used when no file and no overriding
// environment variables are present.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			URL: "postgres://localhost:5432/postgres?sslmode=disable",
		},
		Replication: ReplicationConfig{
			OutputPlugin: "pgoutput",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the TOML file at path (or the first discovered default
// location when path is empty), applies environment overrides, and returns
// the raw on-disk Config.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgingest", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgingest/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PGINGEST_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("PGINGEST_SOURCE_ID"); v != "" {
		cfg.Replication.SourceID = v
	}
	if v := os.Getenv("PGINGEST_SLOT_NAME"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("PGINGEST_PUBLICATION"); v != "" {
		cfg.Replication.Publication = v
	}
	if v := os.Getenv("PGINGEST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PGINGEST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// ToConfig converts the on-disk representation into the typed config.Config
// the ingestion engine consumes, parsing duration strings and the source URL.
func (c Config) ToConfig() (config.Config, error) {
	var out config.Config

	if err := out.Source.ParseURI(c.Source.URL); err != nil {
		return out, fmt.Errorf("source url: %w", err)
	}

	out.Replication = config.ReplicationConfig{
		SourceID:     c.Replication.SourceID,
		SlotName:     c.Replication.SlotName,
		Publication:  c.Replication.Publication,
		OutputPlugin: c.Replication.OutputPlugin,
	}
	if c.Replication.FeedbackInterval != "" {
		d, err := time.ParseDuration(c.Replication.FeedbackInterval)
		if err != nil {
			return out, fmt.Errorf("replication.feedback_interval: %w", err)
		}
		out.Replication.FeedbackInterval = d
	}
	if c.Replication.WALLagGracePeriod != "" {
		d, err := time.ParseDuration(c.Replication.WALLagGracePeriod)
		if err != nil {
			return out, fmt.Errorf("replication.wal_lag_grace_period: %w", err)
		}
		out.Replication.WALLagGracePeriod = d
	}

	if c.Snapshot.ChunkTimeout != "" {
		d, err := time.ParseDuration(c.Snapshot.ChunkTimeout)
		if err != nil {
			return out, fmt.Errorf("snapshot.chunk_timeout: %w", err)
		}
		out.Snapshot.ChunkTimeout = d
	}

	out.Logging = config.LoggingConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}

	return out, nil
}
