// Package config holds the analysis configuration. Values come from
// defaults, an optional .env file, SMDA_* environment variables and finally
// command line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version is the tool version stamped into every report. It can be
// overridden at link time with -ldflags "-X smda/internal/config.Version=...".
var Version = "1.13.2"

// BackendKind selects one of the two disassembly backends.
type BackendKind string

const (
	BackendNative  BackendKind = "native"
	BackendObjdump BackendKind = "objdump"
)

// ParseBackendKind validates a backend name.
func ParseBackendKind(s string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BackendNative, BackendObjdump:
		return k, nil
	case "intel":
		return BackendNative, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want native or objdump)", s)
	}
}

// Config is the configuration of one analysis run.
type Config struct {
	Version      string      `json:"version" jsonschema:"title=Version,description=Tool version written to smda_version"`
	Timeout      float64     `json:"timeout" jsonschema:"title=Timeout,description=Analysis budget in seconds (0 disables the timeout),minimum=0"`
	Backend      BackendKind `json:"backend" jsonschema:"title=Backend,enum=native,enum=objdump,default=native"`
	Architecture string      `json:"architecture,omitempty" jsonschema:"title=Architecture,description=Instruction set used for raw buffers,enum=intel,enum=arm64"`
	ObjdumpPath  string      `json:"objdumpPath,omitempty" jsonschema:"title=Objdump Path,description=objdump binary used by the objdump backend"`
	MaxFunctions int         `json:"maxFunctions,omitempty" jsonschema:"title=Max Functions,description=Stop after this many functions (0 means unlimited),minimum=0"`
	Debug        bool        `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:      Version,
		Timeout:      300,
		Backend:      BackendNative,
		Architecture: "intel",
		ObjdumpPath:  "objdump",
	}
}

// Load reads .env (when present) and the SMDA_* environment variables on
// top of Default.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv applies variables looked up with getenv on top of Default.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()

	if v := strings.TrimSpace(getenv("SMDA_TIMEOUT")); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SMDA_TIMEOUT value: %q", v)
		}
		cfg.Timeout = secs
	}
	if v := getenv("SMDA_BACKEND"); v != "" {
		kind, err := ParseBackendKind(v)
		if err != nil {
			return nil, err
		}
		cfg.Backend = kind
	}
	if v := strings.TrimSpace(getenv("SMDA_ARCH")); v != "" {
		cfg.Architecture = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("SMDA_OBJDUMP")); v != "" {
		cfg.ObjdumpPath = v
	}
	if v := strings.TrimSpace(getenv("SMDA_MAX_FUNCTIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMDA_MAX_FUNCTIONS value: %q", v)
		}
		cfg.MaxFunctions = n
	}
	cfg.Debug = getenv("SMDA_LOG_LEVEL") == "debug"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be fixed up silently.
// A negative timeout is allowed: the timeout monitor treats it as already
// expired.
func (c *Config) Validate() error {
	if _, err := ParseBackendKind(string(c.Backend)); err != nil {
		return err
	}
	switch c.Architecture {
	case "", "intel", "arm64":
	default:
		return fmt.Errorf("unknown architecture %q (want intel or arm64)", c.Architecture)
	}
	if c.MaxFunctions < 0 {
		return fmt.Errorf("max functions must not be negative: %d", c.MaxFunctions)
	}
	return nil
}

// TimeoutDuration converts Timeout to a time.Duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}
