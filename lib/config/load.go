// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"gopkg.in/ini.v1"
)

//go:embed config.default.yml
var DefaultYAML []byte

type logger interface {
	Warnf(string, ...interface{})
}

// Load returns the configuration in the file at path, layered over
// the defaults in DefaultYAML. Files named *.cfg, *.ini, or *.conf
// are read in the legacy INI layout; anything else is YAML (or JSON).
// If path is empty, Load returns the defaults.
//
// Keys that are not recognized are reported through log.Warnf but
// are otherwise ignored.
func Load(path string, log logger) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path == "" {
		return &cfg, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cfg", ".ini", ".conf":
		err = loadINI(&cfg, path, log)
	default:
		err = loadYAML(&cfg, path, log)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config %q: %w", path, err)
	}
	return &cfg, nil
}

// DefaultPath returns the legacy default config location: the running
// executable's path with its extension replaced by ".cfg".
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(exe, filepath.Ext(exe)) + ".cfg"
}

// ExistingDefaultPath returns DefaultPath if a file exists there,
// otherwise "" (which makes Load return the defaults).
func ExistingDefaultPath() string {
	path := DefaultPath()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// ApplyOverrides copies the non-zero fields of o onto cfg. It is used
// for command line flags, which take precedence over the config file.
func (cfg *Config) ApplyOverrides(o Config) error {
	return mergo.Merge(cfg, o, mergo.WithOverride)
}

func loadYAML(cfg *Config, path string, log logger) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return err
	}
	var given map[string]interface{}
	err = yaml.Unmarshal(buf, &given)
	if err != nil {
		return err
	}
	known, err := knownKeys()
	if err != nil {
		return err
	}
	for section, v := range given {
		keys, ok := v.(map[string]interface{})
		if !ok || known[section] == nil {
			log.Warnf("unused config section %q", section)
			continue
		}
		for _, key := range sortedKeys(keys) {
			if !known[section][key] {
				log.Warnf("unused config key %s.%s", section, key)
			}
		}
	}
	return nil
}

func loadINI(cfg *Config, path string, log logger) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	known, err := knownKeys()
	if err != nil {
		return err
	}
	for _, sect := range f.Sections() {
		name := sect.Name()
		if name == ini.DefaultSection && len(sect.Keys()) == 0 {
			continue
		}
		if known[name] == nil {
			log.Warnf("unused config section [%s]", name)
			continue
		}
		for _, key := range sect.KeyStrings() {
			if !known[name][key] {
				log.Warnf("unused config key %s.%s", name, key)
			}
		}
	}
	for name, dst := range map[string]interface{}{
		"TOOLS":       &cfg.Tools,
		"JOB_CONTROL": &cfg.JobControl,
		"LOGGING":     &cfg.Logging,
		"MANAGEMENT":  &cfg.Management,
	} {
		if !f.HasSection(name) {
			continue
		}
		err = f.Section(name).MapTo(dst)
		if err != nil {
			return fmt.Errorf("section [%s]: %w", name, err)
		}
	}
	return nil
}

// knownKeys returns the section and key names accepted in config
// files, derived from the JSON encoding of the Config type.
func knownKeys() (map[string]map[string]bool, error) {
	buf, err := json.Marshal(Config{})
	if err != nil {
		return nil, err
	}
	var m map[string]map[string]interface{}
	err = json.Unmarshal(buf, &m)
	if err != nil {
		return nil, err
	}
	known := map[string]map[string]bool{}
	for section, keys := range m {
		known[section] = map[string]bool{}
		for key := range keys {
			known[section][key] = true
		}
	}
	return known, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
