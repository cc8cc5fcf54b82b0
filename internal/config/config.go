// Package config defines the node's configuration surface: the CLI flags
// from spec.md §6, defaults, and validation, following the shape of the
// teacher's pkg/mcast/config.go (Default/ValidateConfig).
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config is every knob the node's process entry point (cmd/node) needs.
// CLI parsing itself is out of spec.md's scope ("a thin external
// collaborator"); this struct is what that parsing populates.
type Config struct {
	Provider string // path to the provider library, or "" for the built-in reference provider
	Address  string // group address; "" means "no address given"
	Options  string // provider-specific configuration string
	Name     string // human-readable node name
	DataDir  string // directory for provider state files

	BaseHost string // SST and provider listen host
	BasePort int    // SST port is BasePort+2

	Masters int
	Slaves  int

	WriteSetSize int // desired write-set size in bytes (lower bound)
	Records      int // number of records in the Store
	Operations   int // operations per transaction

	Delay  time.Duration // inter-commit delay per master thread; see note below
	Period time.Duration // stats print interval

	Bootstrap bool // bootstrap a new primary; default true iff Address == ""

	Logger hclog.Logger
}

// Default returns the CLI defaults from spec.md §6.
func Default() Config {
	return Config{
		Provider:     "",
		Address:      "",
		Options:      "",
		Name:         "node",
		DataDir:      ".",
		BaseHost:     "127.0.0.1",
		BasePort:     4567,
		Masters:      1,
		Slaves:       1,
		WriteSetSize: 256,
		Records:      1024,
		Operations:   1,
		Delay:        0,
		Period:       10 * time.Second,
		Bootstrap:    true,
		Logger:       hclog.Default(),
	}
}

// Validate checks the invariants the worker pool and Store rely on.
// Delay is accepted but never acted on by the master loop: the original
// sources parse and store it without ever sleeping on it outside TRX_FAIL
// retries, and this module carries that over deliberately rather than
// inventing a pacing behavior the spec never asked for.
func Validate(c *Config) error {
	if c.Records <= 0 {
		return fmt.Errorf("config: records must be positive, got %d", c.Records)
	}
	if c.Operations <= 0 {
		return fmt.Errorf("config: ops must be positive, got %d", c.Operations)
	}
	if c.Masters < 0 || c.Slaves < 0 {
		return fmt.Errorf("config: masters and slaves must be non-negative")
	}
	if c.BasePort <= 0 || c.BasePort > 65533 {
		return fmt.Errorf("config: base-port must leave room for base-port+2, got %d", c.BasePort)
	}
	if c.WriteSetSize <= 0 {
		return fmt.Errorf("config: size must be positive, got %d", c.WriteSetSize)
	}
	return nil
}

// Parse registers and parses the CLI surface from spec.md §6 into a new
// Config seeded with Default(). Bootstrap's default flips to false once an
// address is given, matching "default true iff address not given"; an
// explicit -bootstrap flag always wins.
func Parse(args []string) (Config, error) {
	c := Default()
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	fs.StringVar(&c.Provider, "provider", c.Provider, "path to the provider library; empty selects the built-in reference provider, any other value is rejected")
	fs.StringVar(&c.Address, "address", c.Address, "group address")
	fs.StringVar(&c.Options, "options", c.Options, "provider-specific configuration string")
	fs.StringVar(&c.Name, "name", c.Name, "human-readable node name")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for provider state files")
	fs.StringVar(&c.BaseHost, "base-host", c.BaseHost, "listen host")
	fs.IntVar(&c.BasePort, "base-port", c.BasePort, "listen port (port+2 is the SST port)")
	fs.IntVar(&c.Masters, "masters", c.Masters, "master worker pool size")
	fs.IntVar(&c.Slaves, "slaves", c.Slaves, "slave worker pool size")
	fs.IntVar(&c.WriteSetSize, "size", c.WriteSetSize, "desired write-set size in bytes (lower bound)")
	fs.IntVar(&c.Records, "records", c.Records, "number of records in the store")
	fs.IntVar(&c.Operations, "ops", c.Operations, "operations per transaction")
	fs.DurationVar(&c.Delay, "delay", c.Delay, "inter-commit delay per master thread (currently inert, see DESIGN.md)")
	fs.DurationVar(&c.Period, "period", c.Period, "stats print interval")

	bootstrapSet := fs.Bool("bootstrap", false, "bootstrap a new primary (default true iff -address is empty)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "bootstrap" {
			explicit = true
		}
	})
	if explicit {
		c.Bootstrap = *bootstrapSet
	} else {
		c.Bootstrap = c.Address == ""
	}

	if err := Validate(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
