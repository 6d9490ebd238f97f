package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that are wired into long-lived
// components at startup.
var restartRequiredFields = map[string]bool{
	"Server.Port":              true,
	"Server.DataDir":           true,
	"Backend":                  true,
	"Storage":                  true,
	"Queue.StorageKey":         true,
	"Queue.MaxRetries":         true,
	"Queue.DropRejected":       true,
	"Optimistic.GraceWindowMs": true,
	"Optimistic.Reconcile":     true,
	"Network":                  true,
	"Auth":                     true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Queue.DrainSchedule",
	"Optimistic.StaleAfterMinutes",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are reported as skipped and keep their running value.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	newCfg, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	skip := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Skipped = append(result.Skipped, field+" (requires restart)")
	}
	apply := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Applied = append(result.Applied, field)
	}

	if old.Server.Port != new.Server.Port {
		skip("Server.Port")
	}
	if old.Server.DataDir != new.Server.DataDir {
		skip("Server.DataDir")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		apply("Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Backend, new.Backend) {
		skip("Backend")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		skip("Storage")
	}

	if old.Queue.StorageKey != new.Queue.StorageKey {
		skip("Queue.StorageKey")
	}
	if old.Queue.MaxRetries != new.Queue.MaxRetries {
		skip("Queue.MaxRetries")
	}
	if old.Queue.DropRejected != new.Queue.DropRejected {
		skip("Queue.DropRejected")
	}
	if old.Queue.DrainSchedule != new.Queue.DrainSchedule {
		old.Queue.DrainSchedule = new.Queue.DrainSchedule
		apply("Queue.DrainSchedule")
	}

	if old.Optimistic.GraceWindowMs != new.Optimistic.GraceWindowMs {
		skip("Optimistic.GraceWindowMs")
	}
	if old.Optimistic.Reconcile != new.Optimistic.Reconcile {
		skip("Optimistic.Reconcile")
	}
	if old.Optimistic.StaleAfterMinutes != new.Optimistic.StaleAfterMinutes {
		old.Optimistic.StaleAfterMinutes = new.Optimistic.StaleAfterMinutes
		apply("Optimistic.StaleAfterMinutes")
	}

	if !reflect.DeepEqual(old.Network, new.Network) {
		skip("Network")
	}
	if !reflect.DeepEqual(old.Auth, new.Auth) {
		skip("Auth")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// Has reports whether field was applied by the reload.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
