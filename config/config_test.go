package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"auditaai.io/ledger/storage/casconfig"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node != "local" || cfg.Store.Driver != DriverMemory {
		t.Fatalf("defaults = %+v", cfg)
	}
	if time.Duration(cfg.HandoffLimit) != 60*time.Second || time.Duration(cfg.DriftThreshold) != 5*time.Second {
		t.Fatalf("durations = %v %v", cfg.HandoffLimit, cfg.DriftThreshold)
	}
	if cfg.AllowRemoteCorrection {
		t.Fatal("remote correction must default to off")
	}
	if cfg.Archive.Enabled() {
		t.Fatal("archive must default to off")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `{
		"node": "node-b",
		"handoff_limit": "90s",
		"store": {"driver": "postgres", "dsn": "postgres://x/y"},
		"witness": {"scheme": "ed25519", "seed_hex": "`+testSeed+`", "prehash": "sha3-256", "models": ["gpt-4", "claude"]},
		"archive": {"dir": "/tmp/a", "cas": {"write_policy": "all", "backends": [{"type": "memory"}]}}
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node != "node-b" || time.Duration(cfg.HandoffLimit) != 90*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Unset fields keep their defaults.
	if time.Duration(cfg.SweepInterval) != 10*time.Second {
		t.Fatalf("sweep interval = %v", cfg.SweepInterval)
	}
	if cfg.ArchiveCAS().WritePolicy != "all" {
		t.Fatalf("archive cas = %+v", cfg.ArchiveCAS())
	}
	seed, err := cfg.WitnessSeed()
	if err != nil || len(seed) != 32 {
		t.Fatalf("seed = %x, %v", seed, err)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("LEDGER_NODE", "env-node")
	t.Setenv("LEDGER_HANDOFF_LIMIT", "2m")
	t.Setenv("LEDGER_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("LEDGER_ALLOW_REMOTE_CORRECTION", "true")
	t.Setenv("LEDGER_ARCHIVE_DIR", "/srv/archive")

	cfg, err := Load(writeConfig(t, `{"node": "file-node"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node != "env-node" || time.Duration(cfg.HandoffLimit) != 2*time.Minute || !cfg.AllowRemoteCorrection {
		t.Fatalf("cfg = %+v", cfg)
	}
	if time.Duration(cfg.SweepInterval) != 10*time.Second {
		t.Fatalf("bad env value should be ignored, got %v", cfg.SweepInterval)
	}
	got := cfg.ArchiveCAS()
	if len(got.Backends) != 1 || got.Backends[0].Type != casconfig.TypeLocalFS || got.Backends[0].Dir != filepath.Join("/srv/archive", "cas") {
		t.Fatalf("default archive cas = %+v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"empty node", func(c *Config) { c.Node = "" }, "node is required"},
		{"zero limit", func(c *Config) { c.HandoffLimit = 0 }, "must be positive"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "needs dsn"},
		{"unknown scheme", func(c *Config) { c.Witness.Scheme = "rsa" }, "unknown witness scheme"},
		{"keyed scheme without seed", func(c *Config) { c.Witness.Scheme = "dilithium3" }, "witness seed"},
		{"bad prehash", func(c *Config) {
			c.Witness.Scheme, c.Witness.SeedHex, c.Witness.Prehash = "ed25519", testSeed, "md5"
		}, "witness prehash"},
		{"bad model name", func(c *Config) { c.Witness.Models = []string{"a b"} }, "witness model"},
		{"cas without dir", func(c *Config) {
			c.Archive.CAS = &casconfig.Config{Backends: []casconfig.Backend{{Type: "memory"}}}
		}, "archive dir is empty"},
		{"invalid cas", func(c *Config) {
			c.Archive.Dir = "/tmp/a"
			c.Archive.CAS = &casconfig.Config{}
		}, "at least one backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{"handoff_limit": 60}`)); err == nil {
		t.Fatal("expected error for numeric duration")
	}
}

func TestLoadEnvFile(t *testing.T) {
	// Registered with t.Setenv so the original value comes back after the test.
	t.Setenv("LEDGER_SWEEP_INTERVAL", "")
	os.Unsetenv("LEDGER_SWEEP_INTERVAL")
	t.Setenv("LEDGER_NODE", "from-process")

	p := filepath.Join(t.TempDir(), "ledger.env")
	body := "# node settings\nLEDGER_SWEEP_INTERVAL=3s\nLEDGER_NODE=from-file\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(p); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if time.Duration(cfg.SweepInterval) != 3*time.Second {
		t.Fatalf("sweep interval = %v", cfg.SweepInterval)
	}
	if cfg.Node != "from-process" {
		t.Fatalf("process env should win, node = %q", cfg.Node)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
