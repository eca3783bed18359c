// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/internal/queue"
	"hearth.build/pkg/sets"
)

type config struct {
	Debug              bool                  `json:"debug"`
	DatabaseURL        string                `json:"databaseUrl"`
	StoreDirectory     hearthstore.Directory `json:"storeDirectory"`
	RealStoreDirectory string                `json:"realStoreDirectory"`
	StatusAddress      string                `json:"statusAddress"`
	LocalPlatforms     []string              `json:"localPlatforms"`
	Machines           []machineConfig       `json:"machines"`
}

type machineConfig struct {
	Name              string   `json:"name"`
	Systems           []string `json:"systems"`
	SupportedFeatures []string `json:"supportedFeatures"`
	MandatoryFeatures []string `json:"mandatoryFeatures"`
	MaxJobs           int      `json:"maxJobs"`
	SpeedFactor       float64  `json:"speedFactor"`
}

func defaultConfig() *config {
	return &config{
		DatabaseURL:    "dbname=hearth sslmode=disable",
		StoreDirectory: hearthstore.DefaultDirectory,
	}
}

func (cfg *config) mergeEnvironment() error {
	if os.Getenv("HEARTH_STORE_DIR") != "" {
		dir, err := hearthstore.DirectoryFromEnvironment()
		if err != nil {
			return err
		}
		cfg.StoreDirectory = dir
	}

	if url := os.Getenv("HEARTH_DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}
	return nil
}

func (cfg *config) mergeFiles(paths []string) error {
	for _, path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, cfg, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// loadConfig builds the effective configuration:
// defaults, then configuration files, then environment overrides.
// If no explicit paths are given, the system and user paths are tried.
func loadConfig(paths []string) (*config, error) {
	cfg := defaultConfig()
	if len(paths) == 0 {
		paths = []string{"/etc/hearth/queue-runner.json"}
		if dir := configDir(); dir != "" {
			paths = append(paths, filepath.Join(dir, "hearth", "queue-runner.json"))
		}
	}
	if err := cfg.mergeFiles(paths); err != nil {
		return nil, err
	}
	if err := cfg.mergeEnvironment(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// machines converts the configured machine descriptors.
func (cfg *config) machines() ([]*queue.Machine, error) {
	result := make([]*queue.Machine, 0, len(cfg.Machines))
	for _, mc := range cfg.Machines {
		if mc.Name == "" {
			return nil, fmt.Errorf("machine with empty name in configuration")
		}
		if len(mc.Systems) == 0 {
			return nil, fmt.Errorf("machine %s: no systems configured", mc.Name)
		}
		maxJobs := mc.MaxJobs
		if maxJobs <= 0 {
			maxJobs = 1
		}
		speedFactor := mc.SpeedFactor
		if speedFactor <= 0 {
			speedFactor = 1
		}
		result = append(result, &queue.Machine{
			Name:              mc.Name,
			Systems:           sets.Collect(slices.Values(mc.Systems)),
			SupportedFeatures: sets.Collect(slices.Values(mc.SupportedFeatures)),
			MandatoryFeatures: sets.Collect(slices.Values(mc.MandatoryFeatures)),
			MaxJobs:           maxJobs,
			SpeedFactor:       speedFactor,
		})
	}
	return result, nil
}
