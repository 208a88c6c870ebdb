// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the mill service configuration.
//
// Files ending in .toml are decoded with BurntSushi/toml; anything else is
// treated as YAML. Values not present in the file keep their defaults, and
// the merged result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMill/pkg/logging"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/symbols"
	"github.com/AleutianAI/AleutianMill/services/mill/telemetry"
	"github.com/AleutianAI/AleutianMill/services/mill/workspace"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "MILL_CONFIG"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server" toml:"server"`
	Workspace WorkspaceConfig    `yaml:"workspace" toml:"workspace"`
	Timeouts  TimeoutConfig      `yaml:"timeouts" toml:"timeouts"`
	Sessions  SessionConfig      `yaml:"sessions" toml:"sessions"`
	Telemetry telemetry.Config   `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig      `yaml:"logging" toml:"logging"`
	Languages LanguagesConfig    `yaml:"languages" toml:"languages"`
	Symbols   []SymbolToolConfig `yaml:"symbols,omitempty" toml:"symbols,omitempty" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
}

// WorkspaceConfig configures the workspace root, the edit engine defaults
// and file watching.
type WorkspaceConfig struct {
	Root                string   `yaml:"root" toml:"root"`
	ValidateBeforeApply bool     `yaml:"validate_before_apply" toml:"validate_before_apply"`
	CreateBackupFiles   bool     `yaml:"create_backup_files" toml:"create_backup_files"`
	Watch               bool     `yaml:"watch" toml:"watch"`
	WatchDebounce       Duration `yaml:"watch_debounce" toml:"watch_debounce" validate:"gte=0"`
	WatchIgnore         []string `yaml:"watch_ignore,omitempty" toml:"watch_ignore,omitempty"`
}

// TimeoutConfig holds per-operation request deadlines.
type TimeoutConfig struct {
	Hover         Duration `yaml:"hover" toml:"hover" validate:"gt=0"`
	Completion    Duration `yaml:"completion" toml:"completion" validate:"gt=0"`
	SignatureHelp Duration `yaml:"signature_help" toml:"signature_help" validate:"gt=0"`
	Navigation    Duration `yaml:"navigation" toml:"navigation" validate:"gt=0"`
	SettleDelay   Duration `yaml:"settle_delay" toml:"settle_delay" validate:"gte=0"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	IdleTimeout          Duration `yaml:"idle_timeout" toml:"idle_timeout" validate:"gte=0"`
	StartupTimeout       Duration `yaml:"startup_timeout" toml:"startup_timeout" validate:"gt=0"`
	ShutdownGracePeriod  Duration `yaml:"shutdown_grace_period" toml:"shutdown_grace_period" validate:"gt=0"`
	DegradeAfterTimeouts int      `yaml:"degrade_after_timeouts" toml:"degrade_after_timeouts" validate:"gte=0"`
	RespawnInterval      Duration `yaml:"respawn_interval" toml:"respawn_interval" validate:"gte=0"`
	RespawnBurst         int      `yaml:"respawn_burst" toml:"respawn_burst" validate:"gte=1"`
	IndexWaitTimeout     Duration `yaml:"index_wait_timeout" toml:"index_wait_timeout" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" toml:"dir"`
	JSON  bool   `yaml:"json" toml:"json"`
	Quiet bool   `yaml:"quiet" toml:"quiet"`
}

// LanguagesConfig adds to or replaces the built-in analyzers.
type LanguagesConfig struct {
	// DisableDefaults starts from an empty registry.
	DisableDefaults bool             `yaml:"disable_defaults" toml:"disable_defaults"`
	Analyzers       []AnalyzerConfig `yaml:"analyzers,omitempty" toml:"analyzers,omitempty" validate:"dive"`
}

// AnalyzerConfig describes one analyzer. An entry whose language matches a
// built-in replaces it.
type AnalyzerConfig struct {
	Language    string            `yaml:"language" toml:"language" validate:"required"`
	Command     string            `yaml:"command" toml:"command" validate:"required"`
	Args        []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Extensions  []string          `yaml:"extensions" toml:"extensions" validate:"required,min=1,dive,startswith=."`
	RootFiles   []string          `yaml:"root_files,omitempty" toml:"root_files,omitempty"`
	LanguageIDs map[string]string `yaml:"language_ids,omitempty" toml:"language_ids,omitempty"`
}

// SymbolToolConfig describes one symbol extraction tool.
type SymbolToolConfig struct {
	Language string   `yaml:"language" toml:"language" validate:"required"`
	Command  string   `yaml:"command" toml:"command" validate:"required"`
	Timeout  Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	mc := lsp.DefaultManagerConfig()
	ot := lsp.DefaultOperationTimeouts()
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:12230",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Workspace: WorkspaceConfig{
			ValidateBeforeApply: workspace.DefaultOptions().ValidateBeforeApply,
			Watch:               true,
			WatchDebounce:       Duration(200 * time.Millisecond),
		},
		Timeouts: TimeoutConfig{
			Hover:         Duration(ot.Hover),
			Completion:    Duration(ot.Completion),
			SignatureHelp: Duration(ot.SignatureHelp),
			Navigation:    Duration(ot.Navigation),
			SettleDelay:   Duration(ot.SettleDelay),
		},
		Sessions: SessionConfig{
			IdleTimeout:          Duration(mc.IdleTimeout),
			StartupTimeout:       Duration(mc.StartupTimeout),
			ShutdownGracePeriod:  Duration(mc.ShutdownGracePeriod),
			DegradeAfterTimeouts: mc.DegradeAfterTimeouts,
			RespawnInterval:      Duration(mc.RespawnInterval),
			RespawnBurst:         mc.RespawnBurst,
			IndexWaitTimeout:     Duration(mc.IndexWaitTimeout),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns $MILL_CONFIG, or ~/.aleutian/mill.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mill.yaml"
	}
	return filepath.Join(home, ".aleutian", "mill.yaml")
}

// Load reads and validates the configuration at path.
//
// Description:
//
//	An empty path means DefaultPath(). A missing file yields Default().
//	The file is decoded over the defaults, so it only needs the values
//	it changes.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Read, decode, or ErrInvalidConfig validation errors.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Decode(data, formatFor(path), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Decode decodes data in the given format into cfg.
func Decode(data []byte, format Format, cfg *Config) error {
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	case FormatYAML:
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

// Encode renders cfg as YAML or TOML.
func Encode(cfg Config, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool)
	for _, a := range c.Languages.Analyzers {
		if seen[a.Language] {
			return fmt.Errorf("%w: analyzer %q configured twice", ErrInvalidConfig, a.Language)
		}
		seen[a.Language] = true
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ManagerConfig converts the session settings.
func (c Config) ManagerConfig() lsp.ManagerConfig {
	s := c.Sessions
	return lsp.ManagerConfig{
		IdleTimeout:          s.IdleTimeout.Std(),
		StartupTimeout:       s.StartupTimeout.Std(),
		ShutdownGracePeriod:  s.ShutdownGracePeriod.Std(),
		DegradeAfterTimeouts: s.DegradeAfterTimeouts,
		RespawnInterval:      s.RespawnInterval.Std(),
		RespawnBurst:         s.RespawnBurst,
		IndexWaitTimeout:     s.IndexWaitTimeout.Std(),
	}
}

// OperationTimeouts converts the request deadlines.
func (c Config) OperationTimeouts() lsp.OperationTimeouts {
	t := c.Timeouts
	return lsp.OperationTimeouts{
		Hover:         t.Hover.Std(),
		Completion:    t.Completion.Std(),
		SignatureHelp: t.SignatureHelp.Std(),
		Navigation:    t.Navigation.Std(),
		SettleDelay:   t.SettleDelay.Std(),
	}
}

// EditOptions returns the engine defaults for requests that do not set
// their own.
func (c Config) EditOptions() workspace.Options {
	return workspace.Options{
		ValidateBeforeApply: c.Workspace.ValidateBeforeApply,
		CreateBackupFiles:   c.Workspace.CreateBackupFiles,
	}
}

// LoggingConfig converts the logging settings for the given service.
func (c Config) LoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}

// LanguageRegistry builds the analyzer registry.
func (c Config) LanguageRegistry() *lsp.ConfigRegistry {
	r := lsp.NewConfigRegistry()
	if c.Languages.DisableDefaults {
		r = lsp.NewEmptyConfigRegistry()
	}
	for _, a := range c.Languages.Analyzers {
		r.Register(lsp.LanguageConfig{
			Language:    a.Language,
			Command:     a.Command,
			Args:        a.Args,
			Extensions:  a.Extensions,
			RootFiles:   a.RootFiles,
			LanguageIDs: a.LanguageIDs,
		})
	}
	return r
}

// SymbolRegistry builds the symbol tool registry.
func (c Config) SymbolRegistry() *symbols.Registry {
	r := symbols.NewRegistry(nil)
	for _, s := range c.Symbols {
		r.Register(symbols.ToolConfig{
			Language: s.Language,
			Command:  s.Command,
			Timeout:  s.Timeout.Std(),
		})
	}
	return r
}

// WorkspaceRoot returns the configured root or the working directory.
func (c Config) WorkspaceRoot() (string, error) {
	root := c.Workspace.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}
