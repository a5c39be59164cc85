// Package config loads registry setup from a TOML file: protocol version,
// update lock, schemas, RPC bindings, and the etcd store the protocol is
// published to.
//
//	version = 3
//	locked = false
//	etcd_endpoints = ["127.0.0.1:2379"]
//
//	[[schema]]
//	name = "USER"
//	  [[schema.fields]]
//	  name = "id"
//	  type = "UINT32"
//
//	[[rpc]]
//	method = "user.get"
//	schema = "USER"
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"utp/registry"
	"utp/schema"
)

type Config struct {
	Version       uint32   `toml:"version"`
	Locked        *bool    `toml:"locked"`
	LogLevel      string   `toml:"log_level"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	EtcdPrefix    string   `toml:"etcd_prefix"`
	EtcdTTL       int64    `toml:"etcd_ttl"`
	DialTimeout   duration `toml:"dial_timeout"`

	Schemas []schema.Definition `toml:"schema"`
	RPC     []Binding           `toml:"rpc"`
}

type Binding struct {
	Method string `toml:"method"`
	Schema string `toml:"schema"`
}

// duration reads TOML strings such as "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(string(text))
}

// Parse reads and validates a config from TOML text. Unknown keys are
// rejected.
func Parse(text string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the config that do not need a registry.
func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(c.Schemas))
	for _, d := range c.Schemas {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := names[d.Name]; dup {
			errs = append(errs, fmt.Errorf("schema %q defined twice", d.Name))
		}
		names[d.Name] = struct{}{}
	}
	methods := make(map[string]struct{}, len(c.RPC))
	for _, b := range c.RPC {
		if b.Method == "" || b.Schema == "" {
			errs = append(errs, fmt.Errorf("rpc binding needs method and schema, got %+v", b))
			continue
		}
		if _, dup := methods[b.Method]; dup {
			errs = append(errs, fmt.Errorf("rpc method %q bound twice", b.Method))
		}
		methods[b.Method] = struct{}{}
	}
	if c.EtcdTTL < 0 {
		errs = append(errs, fmt.Errorf("etcd_ttl must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Apply registers the config's schemas in file order, then its RPC
// bindings, and sets the version and lock when given.
func Apply(c *Config, reg *registry.Registry) error {
	if len(c.Schemas) > 0 {
		if err := reg.AddSchemas(c.Schemas...); err != nil {
			return err
		}
	}
	for _, b := range c.RPC {
		if err := reg.RegisterRPC(b.Method, b.Schema); err != nil {
			return err
		}
	}
	if c.Version != 0 {
		reg.SetVersion(c.Version)
	}
	if c.Locked != nil {
		reg.SetLock(*c.Locked)
	}
	return nil
}

// EtcdOptions returns the store settings, ok false when no endpoints are
// configured.
func (c *Config) EtcdOptions() (registry.EtcdOptions, bool) {
	return registry.EtcdOptions{
		Endpoints:   c.EtcdEndpoints,
		Prefix:      c.EtcdPrefix,
		TTL:         c.EtcdTTL,
		DialTimeout: c.DialTimeout.Duration,
	}, len(c.EtcdEndpoints) > 0
}
