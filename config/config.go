// Package config reads the project configuration file (spec.md section
// 6.3), layering environment overrides over a TOML file the way
// papapumpkin/quasar's internal/config and invowk/invowk's cmd layer viper.
package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix for config overrides, e.g.
// NODEPM_CONCURRENCY, NODEPM_REGISTRY, NODEPM_ALLOW_INSTALL_SCRIPTS.
const EnvPrefix = "NODEPM"

// RegistryAuth is a configured auth strategy for a registry, mirroring the
// original implementation's two forms: a literal token, or an indirection
// through an environment variable (spec.md SPEC_FULL supplement "Registry
// auth").
type RegistryAuth struct {
	Token   string `mapstructure:"token"`
	FromEnv string `mapstructure:"from_env"`
}

// Config is the recognised subset of the project configuration file.
type Config struct {
	AllowInstallScripts bool                    `mapstructure:"allow_install_scripts"`
	Concurrency         int                     `mapstructure:"concurrency"`
	Registry            string                  `mapstructure:"registry"`
	Registries          map[string]RegistryAuth `mapstructure:"registries"` // host -> auth, SPEC_FULL supplement
}

// Load reads nodepm.toml from projectRoot (if present), applying defaults
// and NODEPM_-prefixed environment overrides. A missing file is not an
// error: defaults plus environment apply on their own.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()

	v.SetDefault("allow_install_scripts", false)
	v.SetDefault("concurrency", 0) // 0 means "use the orchestrator's default"
	v.SetDefault("registry", "")

	v.SetConfigName("nodepm")
	v.SetConfigType("toml")
	v.AddConfigPath(projectRoot)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultCacheRoot returns the XDG cache directory for nodepm's global
// content-addressed store, following dodot's pkg/paths use of
// github.com/adrg/xdg. The archive store itself prefers a project-local
// location when available (spec.md section 4.F hardlinking requirement);
// this is the fallback when the project root is not writable.
func DefaultCacheRoot() string {
	return filepath.Join(xdg.CacheHome, "nodepm")
}
