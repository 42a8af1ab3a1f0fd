package config

import (
	"fmt"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Throttle.PollInterval <= 0 {
		return fmt.Errorf("throttle.poll_interval must be > 0")
	}
	if cfg.Throttle.FreeUnusedInterval <= 0 {
		return fmt.Errorf("throttle.free_unused_interval must be > 0")
	}

	seen := make(map[string]bool)
	for i, group := range cfg.Throttle.Groups {
		if group.Type == "" {
			return fmt.Errorf("throttle.groups[%d].type must not be empty", i)
		}
		if group.Name == "" {
			return fmt.Errorf("throttle.groups[%d].name must not be empty", i)
		}
		key := group.Type + "/" + group.Name
		if seen[key] {
			return fmt.Errorf("throttle group %q declared twice", key)
		}
		seen[key] = true

		if err := validateLimits(group.Default); err != nil {
			return fmt.Errorf("throttle group %q default limits: %w", key, err)
		}
		for bin, limits := range group.Bins {
			if bin == "" {
				return fmt.Errorf("throttle group %q has an empty bin name", key)
			}
			if err := validateLimits(limits); err != nil {
				return fmt.Errorf("throttle group %q bin %q: %w", key, bin, err)
			}
		}
	}

	if cfg.Fetcher.RequestTimeout <= 0 {
		return fmt.Errorf("fetcher.request_timeout must be > 0")
	}
	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.ReadBlockSize <= 0 {
		return fmt.Errorf("fetcher.read_block_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}

	validStorageTypes := map[string]bool{
		"none": true, "jsonl": true, "mongodb": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: none, jsonl, mongodb)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "mongodb" && cfg.Storage.MongoURI == "" {
		return fmt.Errorf("storage.mongo_uri is required for mongodb storage")
	}
	if cfg.Storage.BatchSize < 1 {
		return fmt.Errorf("storage.batch_size must be >= 1, got %d", cfg.Storage.BatchSize)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// validateLimits checks one bin limit set.
func validateLimits(l BinLimits) error {
	if l.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be >= 0, got %d", l.MaxConnections)
	}
	if l.MinFetchInterval < 0 {
		return fmt.Errorf("min_fetch_interval must be >= 0")
	}
	if l.MillisecondsPerByte < 0 {
		return fmt.Errorf("milliseconds_per_byte must be >= 0, got %g", l.MillisecondsPerByte)
	}
	return nil
}
