package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFileName = "nothink.yaml"

// Config holds the settings of the nothink command.
// Loaded from nothink.yaml if present.
type Config struct {
	// Backend is "badger" (default) or "dynamodb".
	Backend string `yaml:"backend"`

	// Schema is the path of the table definition file, relative to the
	// config file.
	Schema string `yaml:"schema"`

	Badger   BadgerConfig   `yaml:"badger"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type BadgerConfig struct {
	// Path is where BadgerDB stores data.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

type DynamoDBConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	TablePrefix     string `yaml:"tablePrefix"`
}

// LoadConfig reads the config file at path. With an empty path it searches
// for nothink.yaml starting from the current directory and walking up to the
// filesystem root, and returns an empty config if there is none.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = findConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if cfg.Schema != "" && !filepath.IsAbs(cfg.Schema) {
		cfg.Schema = filepath.Join(dir, cfg.Schema)
	}
	if cfg.Badger.Path != "" && !filepath.IsAbs(cfg.Badger.Path) {
		cfg.Badger.Path = filepath.Join(dir, cfg.Badger.Path)
	}
	return cfg, nil
}

// findConfigFile searches for nothink.yaml walking up from current directory.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, configFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return ""
		}
		dir = parent
	}
}
