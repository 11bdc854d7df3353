// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate validates Config struct tags.
var configValidate = validator.New()

// Config is the file and environment form of Options.
//
// Description:
//
//	Config carries only the serializable options. Runtime hooks (logger,
//	metrics, sinks, warm start) are attached to the Options returned by
//	ToOptions.
type Config struct {
	Mode            Mode            `yaml:"mode" json:"mode" validate:"oneof=direct sequential sync async"`
	Rho             float64         `yaml:"rho" json:"rho" validate:"gt=0"`
	Relaxation      float64         `yaml:"relaxation" json:"relaxation" validate:"gt=0,lt=2"`
	EpsPrimal       float64         `yaml:"eps_primal" json:"eps_primal" validate:"gt=0"`
	EpsDual         float64         `yaml:"eps_dual" json:"eps_dual" validate:"gt=0"`
	MaxIter         int             `yaml:"max_iter" json:"max_iter" validate:"gte=0"`
	MaxTime         time.Duration   `yaml:"max_time" json:"max_time" validate:"gte=0"`
	PrintStep       int             `yaml:"print_step" json:"print_step" validate:"gte=0"`
	Sampling        Sampling        `yaml:"sampling" json:"sampling" validate:"oneof=uniform probability custom"`
	Weights         []float64       `yaml:"weights,omitempty" json:"weights,omitempty" validate:"required_if=Sampling custom,dive,gt=0"`
	Workers         int             `yaml:"workers" json:"workers" validate:"gte=1"`
	BatchSize       int             `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	Seed            uint64          `yaml:"seed" json:"seed"`
	CheckpointEvery int             `yaml:"checkpoint_every" json:"checkpoint_every" validate:"gte=0"`
	MaxStaleness    int             `yaml:"max_staleness" json:"max_staleness" validate:"gte=0"`
	StalenessPolicy StalenessPolicy `yaml:"staleness_policy" json:"staleness_policy" validate:"oneof=log drop"`
	MaxFailures     int             `yaml:"max_failures" json:"max_failures" validate:"gte=0"`
	OracleTimeout   time.Duration   `yaml:"oracle_timeout" json:"oracle_timeout" validate:"gte=0"`
	LeaseTTL        time.Duration   `yaml:"lease_ttl" json:"lease_ttl" validate:"gte=0"`
	SnapshotEvery   int             `yaml:"snapshot_every" json:"snapshot_every" validate:"gte=0"`
	KeepUpdates     int             `yaml:"keep_updates" json:"keep_updates" validate:"gte=0"`
	Tracing         bool            `yaml:"tracing" json:"tracing"`
}

// DefaultConfig mirrors DefaultOptions.
func DefaultConfig() Config {
	o := DefaultOptions()
	return Config{
		Mode:            o.Mode,
		Rho:             o.Rho,
		Relaxation:      o.Relaxation,
		EpsPrimal:       o.EpsPrimal,
		EpsDual:         o.EpsDual,
		MaxIter:         o.MaxIter,
		Sampling:        o.Sampling,
		Workers:         o.Workers,
		StalenessPolicy: o.StalenessPolicy,
		MaxFailures:     o.MaxFailures,
	}
}

// LoadConfig loads solver configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML or JSON file. Empty or missing means
//     defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but cannot be parsed, or if the
//     merged configuration is invalid.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("HEDGE_MODE"); v != "" {
		config.Mode = Mode(v)
	}
	if v := os.Getenv("HEDGE_RHO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Rho = f
		}
	}
	if v := os.Getenv("HEDGE_RELAXATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Relaxation = f
		}
	}
	if v := os.Getenv("HEDGE_EPS_PRIMAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.EpsPrimal = f
		}
	}
	if v := os.Getenv("HEDGE_EPS_DUAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.EpsDual = f
		}
	}
	if v := os.Getenv("HEDGE_MAX_ITER"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.MaxIter = i
		}
	}
	if v := os.Getenv("HEDGE_MAX_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.MaxTime = d
		}
	}
	if v := os.Getenv("HEDGE_SAMPLING"); v != "" {
		config.Sampling = Sampling(v)
	}
	if v := os.Getenv("HEDGE_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Workers = i
		}
	}
	if v := os.Getenv("HEDGE_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Seed = u
		}
	}
	if v := os.Getenv("HEDGE_MAX_STALENESS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.MaxStaleness = i
		}
	}
	if v := os.Getenv("HEDGE_STALENESS_POLICY"); v != "" {
		config.StalenessPolicy = StalenessPolicy(v)
	}
	if v := os.Getenv("HEDGE_MAX_FAILURES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.MaxFailures = i
		}
	}
	if v := os.Getenv("HEDGE_ORACLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.OracleTimeout = d
		}
	}
	if v := os.Getenv("HEDGE_TRACING_ENABLED"); v != "" {
		config.Tracing = v == "true" || v == "1"
	}
}

// Validate checks the struct constraints of the configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// ToOptions converts the configuration into solver options.
func (c Config) ToOptions() Options {
	return Options{
		Mode:            c.Mode,
		Rho:             c.Rho,
		Relaxation:      c.Relaxation,
		EpsPrimal:       c.EpsPrimal,
		EpsDual:         c.EpsDual,
		MaxIter:         c.MaxIter,
		MaxTime:         c.MaxTime,
		PrintStep:       c.PrintStep,
		Sampling:        c.Sampling,
		Weights:         append([]float64(nil), c.Weights...),
		Workers:         c.Workers,
		BatchSize:       c.BatchSize,
		Seed:            c.Seed,
		CheckpointEvery: c.CheckpointEvery,
		MaxStaleness:    c.MaxStaleness,
		StalenessPolicy: c.StalenessPolicy,
		MaxFailures:     c.MaxFailures,
		OracleTimeout:   c.OracleTimeout,
		LeaseTTL:        c.LeaseTTL,
		SnapshotEvery:   c.SnapshotEvery,
		KeepUpdates:     c.KeepUpdates,
		Tracing:         c.Tracing,
	}
}
