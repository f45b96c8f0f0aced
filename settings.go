package main

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Settings is the optional YAML settings file. It provides defaults for
// the global flags; anything set explicitly on the command line wins.
type Settings struct {
	// Config is the path of the mirror list.
	Config string `yaml:"config"`
	// Output is the directory the mirrors are downloaded into.
	Output string `yaml:"output"`
	// DlThreads is the download worker count.
	DlThreads int `yaml:"dl_threads"`
	// PgpKeyPath is the directory holding trusted signing keys.
	PgpKeyPath string `yaml:"pgp_key_path"`
	// PruneExclude lists absolute paths the prune walk must not enter.
	PruneExclude []string `yaml:"prune_exclude"`
}

func loadSettings(path string) (*Settings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return &s, nil
}
