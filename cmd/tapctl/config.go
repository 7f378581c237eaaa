package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tapwire/tapctl/internal/client"
)

// fileConfig persists named server targets for the CLI.
type fileConfig struct {
	Default string         `toml:"default"`
	Targets []targetConfig `toml:"targets"`
}

type targetConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

func loadTargets(path string) (fileConfig, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("load targets config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Targets))
	for i, target := range cfg.Targets {
		name := strings.TrimSpace(target.Name)
		if name == "" {
			return fileConfig{}, fmt.Errorf("targets[%d] missing name", i)
		}
		if strings.TrimSpace(target.Addr) == "" {
			return fileConfig{}, fmt.Errorf("target %q missing addr", name)
		}
		if seen[name] {
			return fileConfig{}, fmt.Errorf("duplicate target %q", name)
		}
		seen[name] = true
	}
	return cfg, nil
}

// resolveHost picks the dial address: an explicit --host wins, then the
// named or default target from the config file, then the built-in default.
func resolveHost(hostFlag, configPath, targetName string) (string, error) {
	if h := strings.TrimSpace(hostFlag); h != "" {
		return h, nil
	}
	if configPath == "" {
		return client.DefaultHost, nil
	}
	cfg, err := loadTargets(configPath)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(targetName)
	if name == "" {
		name = strings.TrimSpace(cfg.Default)
	}
	if name == "" {
		return client.DefaultHost, nil
	}
	for _, target := range cfg.Targets {
		if target.Name == name {
			return target.Addr, nil
		}
	}
	return "", fmt.Errorf("unknown target %q", name)
}
