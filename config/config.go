// Package config loads ledger node settings from a JSON file, then applies
// LEDGER_* environment overrides.
//
// Example:
//
//	{
//	  "node": "node-a",
//	  "drift_threshold": "5s",
//	  "handoff_limit": "60s",
//	  "sweep_interval": "10s",
//	  "store": {"driver": "postgres", "dsn": "postgres://ledger@db/ledger"},
//	  "witness": {"scheme": "ed25519", "seed_hex": "...", "prehash": "sha256"},
//	  "archive": {
//	    "dir": "/var/lib/benledger/archive",
//	    "cas": {"backends": [{"type": "localfs", "dir": "/var/lib/benledger/cas"}]}
//	  }
//	}
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/handoff"
	"auditaai.io/ledger/keys"
	"auditaai.io/ledger/storage/casconfig"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Duration is a time.Duration written as a Go duration string.
type Duration = casconfig.Duration

// Config is the full node configuration.
type Config struct {
	Node           string   `json:"node,omitempty"`
	DriftThreshold Duration `json:"drift_threshold,omitempty"`
	HandoffLimit   Duration `json:"handoff_limit,omitempty"`
	SweepInterval  Duration `json:"sweep_interval,omitempty"`
	// AllowRemoteCorrection lets Synchronize pull the local counter forward.
	AllowRemoteCorrection bool `json:"allow_remote_correction,omitempty"`

	Store   Store   `json:"store"`
	Witness Witness `json:"witness"`
	Archive Archive `json:"archive"`
}

// Store selects the persistence backend.
type Store struct {
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// Witness selects the attestation scheme and its key material.
type Witness struct {
	Scheme  string `json:"scheme,omitempty"`
	SeedHex string `json:"seed_hex,omitempty"`
	Prehash string `json:"prehash,omitempty"`
	// Models is the default witness set for consensus requests.
	Models []string `json:"models,omitempty"`
}

// Archive enables the receipt archive when Dir is set.
type Archive struct {
	// Dir holds names/ and chain.json; empty disables archiving.
	Dir string            `json:"dir,omitempty"`
	CAS *casconfig.Config `json:"cas,omitempty"`
}

// Enabled reports whether receipts are archived.
func (a Archive) Enabled() bool { return a.Dir != "" }

// Default returns a single-process configuration with an in-memory store.
func Default() Config {
	return Config{
		Node:           "local",
		DriftThreshold: Duration(clock.DefaultDriftThreshold),
		HandoffLimit:   Duration(handoff.DefaultLimit),
		SweepInterval:  Duration(10 * time.Second),
		Store:          Store{Driver: DriverMemory},
		Witness:        Witness{Scheme: "hash", Prehash: keys.SHA256},
	}
}

// Load reads path over the defaults (skipped when path is empty), applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// LoadEnvFile reads KEY=VALUE lines from path into the process environment.
// Variables that are already set win over the file.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from LEDGER_* variables. Unparseable values are
// ignored.
func (c *Config) ApplyEnv() {
	c.Node = getenv("LEDGER_NODE", c.Node)
	c.DriftThreshold = Duration(getDuration("LEDGER_DRIFT_THRESHOLD", time.Duration(c.DriftThreshold)))
	c.HandoffLimit = Duration(getDuration("LEDGER_HANDOFF_LIMIT", time.Duration(c.HandoffLimit)))
	c.SweepInterval = Duration(getDuration("LEDGER_SWEEP_INTERVAL", time.Duration(c.SweepInterval)))
	c.AllowRemoteCorrection = getBool("LEDGER_ALLOW_REMOTE_CORRECTION", c.AllowRemoteCorrection)
	c.Store.Driver = getenv("LEDGER_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getenv("LEDGER_PG_DSN", c.Store.DSN)
	c.Witness.Scheme = getenv("LEDGER_WITNESS_SCHEME", c.Witness.Scheme)
	c.Witness.SeedHex = getenv("LEDGER_WITNESS_SEED", c.Witness.SeedHex)
	c.Witness.Prehash = getenv("LEDGER_WITNESS_PREHASH", c.Witness.Prehash)
	c.Archive.Dir = getenv("LEDGER_ARCHIVE_DIR", c.Archive.Dir)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Node == "" {
		return errors.New("config: node is required")
	}
	if c.DriftThreshold <= 0 || c.HandoffLimit <= 0 || c.SweepInterval <= 0 {
		return errors.New("config: drift_threshold, handoff_limit and sweep_interval must be positive")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: postgres store needs dsn")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.Witness.Scheme {
	case "", "hash":
	case "ed25519", "dilithium3":
		if _, err := keys.ParseSeedHex(c.Witness.SeedHex); err != nil {
			return fmt.Errorf("config: witness seed: %w", err)
		}
		if err := keys.CheckPrehash(c.Witness.Prehash); err != nil {
			return fmt.Errorf("config: witness prehash: %w", err)
		}
	default:
		return fmt.Errorf("config: unknown witness scheme %q", c.Witness.Scheme)
	}
	for _, m := range c.Witness.Models {
		if err := keys.CheckModelName(m); err != nil {
			return fmt.Errorf("config: witness model %q: %w", m, err)
		}
	}

	if c.Archive.CAS != nil {
		if !c.Archive.Enabled() {
			return errors.New("config: archive cas is set but archive dir is empty")
		}
		if err := c.Archive.CAS.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WitnessSeed decodes the configured root seed; nil for the hash scheme.
func (c Config) WitnessSeed() ([]byte, error) {
	if c.Witness.SeedHex == "" {
		return nil, nil
	}
	return keys.ParseSeedHex(c.Witness.SeedHex)
}

// ArchiveCAS returns the archive's CAS config, defaulting to a localfs store
// under <archive dir>/cas.
func (c Config) ArchiveCAS() casconfig.Config {
	if c.Archive.CAS != nil {
		return *c.Archive.CAS
	}
	return casconfig.Config{Backends: []casconfig.Backend{{Type: casconfig.TypeLocalFS, Dir: filepath.Join(c.Archive.Dir, "cas")}}}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
