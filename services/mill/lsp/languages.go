// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LanguageConfig describes how to run the analyzer for one language.
type LanguageConfig struct {
	// Language is the identifier used as half of the session key.
	Language string

	// Command is the executable name or path.
	Command string

	// Args are passed to Command.
	Args []string

	// Extensions this analyzer handles, with leading dot.
	Extensions []string

	// RootFiles mark a project root (e.g. "go.mod").
	RootFiles []string

	// LanguageIDs overrides the didOpen languageId per extension. Extensions
	// not listed use Language.
	LanguageIDs map[string]string

	// InitializationOptions are passed verbatim in initialize.
	InitializationOptions any
}

// LanguageIDFor returns the protocol languageId for a file path.
func (c LanguageConfig) LanguageIDFor(path string) string {
	if id, ok := c.LanguageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return c.Language
}

// ConfigRegistry maps languages and extensions to analyzer configurations.
//
// Thread Safety: Safe for concurrent use.
type ConfigRegistry struct {
	mu         sync.RWMutex
	byLanguage map[string]LanguageConfig
	byExt      map[string]string
}

// NewConfigRegistry creates a registry pre-populated with the default
// analyzers: gopls, pyright, typescript-language-server, rust-analyzer,
// jdtls and clangd.
func NewConfigRegistry() *ConfigRegistry {
	r := NewEmptyConfigRegistry()
	for _, cfg := range DefaultLanguageConfigs() {
		r.Register(cfg)
	}
	return r
}

// NewEmptyConfigRegistry creates a registry with no languages.
func NewEmptyConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}
}

// DefaultLanguageConfigs returns the built-in analyzer configurations.
func DefaultLanguageConfigs() []LanguageConfig {
	return []LanguageConfig{
		{
			Language:   "go",
			Command:    "gopls",
			Args:       []string{"serve"},
			Extensions: []string{".go"},
			RootFiles:  []string{"go.mod", "go.work"},
		},
		{
			Language:   "python",
			Command:    "pyright-langserver",
			Args:       []string{"--stdio"},
			Extensions: []string{".py", ".pyi"},
			RootFiles:  []string{"pyproject.toml", "setup.py", "requirements.txt"},
		},
		{
			Language:   "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			RootFiles:  []string{"tsconfig.json", "jsconfig.json", "package.json"},
			LanguageIDs: map[string]string{
				".ts":  "typescript",
				".tsx": "typescriptreact",
				".js":  "javascript",
				".jsx": "javascriptreact",
				".mjs": "javascript",
				".cjs": "javascript",
			},
		},
		{
			Language:   "rust",
			Command:    "rust-analyzer",
			Extensions: []string{".rs"},
			RootFiles:  []string{"Cargo.toml"},
		},
		{
			Language:   "java",
			Command:    "jdtls",
			Extensions: []string{".java"},
			RootFiles:  []string{"pom.xml", "build.gradle", "build.gradle.kts"},
		},
		{
			Language:   "cpp",
			Command:    "clangd",
			Extensions: []string{".c", ".h", ".cpp", ".cc", ".cxx", ".hpp", ".hh"},
			RootFiles:  []string{"compile_commands.json", "CMakeLists.txt"},
			LanguageIDs: map[string]string{
				".c": "c",
				".h": "c",
			},
		},
	}
}

// Register adds or replaces a language configuration. Extensions claimed
// by a previous configuration move to the new one.
func (r *ConfigRegistry) Register(cfg LanguageConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byLanguage[cfg.Language]; ok {
		for _, ext := range old.Extensions {
			if r.byExt[strings.ToLower(ext)] == cfg.Language {
				delete(r.byExt, strings.ToLower(ext))
			}
		}
	}
	r.byLanguage[cfg.Language] = cfg
	for _, ext := range cfg.Extensions {
		r.byExt[strings.ToLower(ext)] = cfg.Language
	}
}

// Get returns the configuration for a language.
func (r *ConfigRegistry) Get(language string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byLanguage[language]
	return cfg, ok
}

// LanguageForExtension returns the language registered for ext (".go").
func (r *ConfigRegistry) LanguageForExtension(ext string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[strings.ToLower(ext)]
	return lang, ok
}

// ForPath returns the configuration that handles path.
func (r *ConfigRegistry) ForPath(path string) (LanguageConfig, bool) {
	lang, ok := r.LanguageForExtension(filepath.Ext(path))
	if !ok {
		return LanguageConfig{}, false
	}
	return r.Get(lang)
}

// Languages returns the registered language identifiers, sorted.
func (r *ConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
