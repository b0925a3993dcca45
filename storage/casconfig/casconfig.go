// Package casconfig opens the archive CAS from a declarative backend list.
//
// Example:
//
//	{
//	  "write_policy": "all",
//	  "backends": [
//	    {"type": "localfs", "dir": "/var/lib/benledger/cas"},
//	    {"type": "grpc", "id": "offsite", "target": "cas.internal:7777", "timeout": "5s"}
//	  ]
//	}
//
// Write policies:
//   - "first" (default): write to the first backend; reads fall back in order.
//   - "all": write to every backend and require CID equality.
package casconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"auditaai.io/ledger/storage"
	"auditaai.io/ledger/storage/grpccas"
	"auditaai.io/ledger/storage/localfs"
)

const (
	TypeLocalFS = "localfs"
	TypeGRPC    = "grpc"
	TypeMemory  = "memory"
)

// Config declares the CAS backends and how writes fan out over them.
type Config struct {
	WritePolicy string    `json:"write_policy,omitempty"`
	Backends    []Backend `json:"backends"`
}

// Backend is one entry of Config.Backends.
type Backend struct {
	Type string `json:"type"`
	// ID names the backend in logs and per-backend CID maps. Defaults to Type.
	ID string `json:"id,omitempty"`

	// localfs
	Dir string `json:"dir,omitempty"`

	// grpc
	Target      string   `json:"target,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
	MaxMsgBytes int      `json:"max_msg_bytes,omitempty"`
}

func (b Backend) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Type
}

// Duration reads JSON strings such as "5s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("casconfig: duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("casconfig: %w", err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// LoadFile reads a JSON Config and validates it.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("casconfig: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("casconfig: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the write policy and every backend.
func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("casconfig: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		switch b.Type {
		case TypeLocalFS:
			if b.Dir == "" {
				return fmt.Errorf("casconfig: backend %d: localfs needs dir", i)
			}
		case TypeGRPC:
			if b.Target == "" {
				return fmt.Errorf("casconfig: backend %d: grpc needs target", i)
			}
		case TypeMemory:
		case "":
			return fmt.Errorf("casconfig: backend %d: type is required", i)
		default:
			return fmt.Errorf("casconfig: backend %d: unknown type %q", i, b.Type)
		}
		if seen[b.id()] {
			return fmt.Errorf("casconfig: duplicate backend id %q", b.id())
		}
		seen[b.id()] = true
	}
	switch c.WritePolicy {
	case "", "first", "all":
		return nil
	default:
		return fmt.Errorf("casconfig: invalid write_policy %q", c.WritePolicy)
	}
}

// Open opens every backend in order and combines them per the write policy.
// The returned close function releases remote connections.
func (c Config) Open() (storage.CAS, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	named := make([]storage.Named, 0, len(c.Backends))
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	for _, b := range c.Backends {
		var cas storage.CAS
		switch b.Type {
		case TypeLocalFS:
			fs, err := localfs.New(b.Dir)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("casconfig: open %s: %w", b.id(), err)
			}
			cas = fs
		case TypeGRPC:
			client, err := grpccas.Dial(b.Target, grpccas.DialOptions{
				Timeout:     time.Duration(b.Timeout),
				MaxMsgBytes: b.MaxMsgBytes,
			})
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("casconfig: dial %s: %w", b.id(), err)
			}
			closers = append(closers, client.Close)
			cas = client
		case TypeMemory:
			cas = storage.NewMemory()
		}
		named = append(named, storage.Named{Name: b.id(), CAS: cas})
	}

	if len(named) == 1 {
		return named[0].CAS, closeAll, nil
	}
	if c.WritePolicy == "all" {
		return storage.Replicating{Backends: named}, closeAll, nil
	}
	return storage.Fallback{Backends: named}, closeAll, nil
}
