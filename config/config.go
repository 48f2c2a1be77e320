// Package config holds the process wide settings every transfer shares.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"

	"github.com/ErikMinekus/sm-ripext/errors"
)

const (
	// DefaultUserAgent is sent with every transfer
	DefaultUserAgent = "sm-ripext/1.3.2"

	// DefaultAdmissionCap bounds deferred admissions per wake
	DefaultAdmissionCap = 10

	// DefaultMaxResponseSize bounds an in-memory response body
	DefaultMaxResponseSize = 64 * 1024 * 1024

	// DefaultRingEntries is the event loop's submission queue depth
	DefaultRingEntries = 256

	caBundleName = "ripext/ca-bundle.crt"
)

// Environment variables read by FromEnv
const (
	EnvCABundle        = "RIPEXT_CA_BUNDLE"
	EnvUserAgent       = "RIPEXT_USER_AGENT"
	EnvAdmissionCap    = "RIPEXT_ADMISSION_CAP"
	EnvFileRoot        = "RIPEXT_FILE_ROOT"
	EnvMaxResponseSize = "RIPEXT_MAX_RESPONSE_SIZE"
	EnvRingEntries     = "RIPEXT_RING_ENTRIES"
)

// Config is read by the background thread once Start was called and must
// not be changed afterwards.
type Config struct {
	// CABundlePath is a PEM file of trusted roots. Empty uses the system pool.
	CABundlePath string
	UserAgent    string

	AdmissionCap int

	// FileRoot anchors relative download and upload paths
	FileRoot string

	// MaxResponseSize caps a buffered response body in bytes, 0 is unlimited
	MaxResponseSize int

	RingEntries uint
}

// Default returns the built-in settings. The CA bundle is looked up as
// ripext/ca-bundle.crt in the XDG config directories.
func Default() *Config {
	cfg := &Config{
		UserAgent:       DefaultUserAgent,
		AdmissionCap:    DefaultAdmissionCap,
		FileRoot:        filepath.Join(xdg.DataHome, "ripext"),
		MaxResponseSize: DefaultMaxResponseSize,
		RingEntries:     DefaultRingEntries,
	}
	if path, err := xdg.SearchConfigFile(caBundleName); err == nil {
		cfg.CABundlePath = path
	}
	return cfg
}

// FromEnv returns Default overridden by RIPEXT_* variables
func FromEnv() (*Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv(EnvCABundle); ok {
		cfg.CABundlePath = v
	}
	if v, ok := os.LookupEnv(EnvUserAgent); ok {
		cfg.UserAgent = v
	}
	if v, ok := os.LookupEnv(EnvFileRoot); ok {
		cfg.FileRoot = v
	}

	var err error
	if cfg.AdmissionCap, err = envInt(EnvAdmissionCap, cfg.AdmissionCap); err != nil {
		return nil, err
	}
	if cfg.MaxResponseSize, err = envInt(EnvMaxResponseSize, cfg.MaxResponseSize); err != nil {
		return nil, err
	}
	entries, err := envInt(EnvRingEntries, int(cfg.RingEntries))
	if err != nil {
		return nil, err
	}
	if entries < 0 {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("%s must not be negative", EnvRingEntries))
	}
	cfg.RingEntries = uint(entries)

	return cfg, cfg.Validate()
}

func envInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.NewInvalidArgumentError(fmt.Sprintf("%s: invalid integer %q", name, v))
	}
	return n, nil
}

// Validate checks the settings are usable
func (c *Config) Validate() error {
	if c.AdmissionCap <= 0 {
		return errors.NewInvalidArgumentError("admission cap must be positive")
	}
	if c.MaxResponseSize < 0 {
		return errors.NewInvalidArgumentError("max response size must not be negative")
	}
	if c.UserAgent == "" {
		return errors.NewInvalidArgumentError("user agent must not be empty")
	}
	if c.FileRoot == "" {
		return errors.NewInvalidArgumentError("file root must not be empty")
	}
	if c.CABundlePath != "" {
		if _, err := os.Stat(c.CABundlePath); err != nil {
			return errors.NewSetupError(fmt.Sprintf("CA bundle %s is not readable", c.CABundlePath), err)
		}
	}
	return nil
}

// ResolvePath anchors a relative path at FileRoot
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.FileRoot, path)
}
