// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/veil/shared/logger"
)

// watchInterval is how often the hot-reload watcher polls the source file.
const watchInterval = time.Second

// ReloadCallback receives the previous and the freshly loaded configuration.
type ReloadCallback func(old, new *Config)

// ConfigManager loads the policy configuration from a YAML file and serves a
// consistent snapshot to concurrent readers. Reload swaps the snapshot
// atomically; a failed reload keeps the previous configuration.
type ConfigManager struct {
	mu        sync.RWMutex
	path      string
	config    *Config
	raw       map[string]interface{}
	callbacks []ReloadCallback

	watchMu   sync.Mutex
	stopWatch chan struct{}
	watchDone chan struct{}
	lastMod   time.Time

	log *logger.Logger
}

// NewConfigManager reads the file at path. A missing or unreadable source
// falls back to DefaultConfig.
func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{
		path: path,
		log:  logger.New("policy-config"),
	}
	if err := m.load(); err != nil {
		m.log.Warn("", "", fmt.Sprintf("using default config: %v", err), nil)
		m.mu.Lock()
		m.config = DefaultConfig()
		m.raw = nil
		m.mu.Unlock()
	}
	return m
}

// NewConfigManagerFromConfig wraps an in-memory configuration, bypassing the
// file source entirely. Reload is a no-op for such managers.
func NewConfigManagerFromConfig(cfg *Config) *ConfigManager {
	return &ConfigManager{
		config: cfg.clone(),
		log:    logger.New("policy-config"),
	}
}

func (m *ConfigManager) load() error {
	if m.path == "" {
		return fmt.Errorf("no config path set")
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var mod time.Time
	if info, err := os.Stat(m.path); err == nil {
		mod = info.ModTime()
	}

	m.mu.Lock()
	m.config = cfg
	m.raw = raw
	if !mod.IsZero() {
		m.lastMod = mod
	}
	m.mu.Unlock()
	return nil
}

// Config returns the current snapshot. Callers must not mutate it.
func (m *ConfigManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Get returns a top-level raw value by key, or def when absent.
func (m *ConfigManager) Get(key string, def interface{}) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.raw != nil {
		if v, ok := m.raw[key]; ok {
			return v
		}
	}
	return def
}

// OnReload registers a callback fired after every successful reload or
// in-process update.
func (m *ConfigManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Reload re-reads the source file and notifies subscribers. On error the
// previous configuration stays in effect.
func (m *ConfigManager) Reload() error {
	m.mu.RLock()
	old := m.config
	m.mu.RUnlock()

	if err := m.load(); err != nil {
		m.log.Warn("", "", fmt.Sprintf("reload failed, keeping previous config: %v", err), nil)
		return err
	}

	m.notify(old)
	m.log.Info("", "", "policy config reloaded", map[string]interface{}{"path": m.path})
	return nil
}

// UpdateConfig applies an in-process patch of top-level keys and notifies
// subscribers. The source file is not rewritten.
func (m *ConfigManager) UpdateConfig(patch map[string]interface{}) error {
	m.mu.Lock()
	old := m.config
	raw := make(map[string]interface{}, len(m.raw)+len(patch))
	for k, v := range m.raw {
		raw[k] = v
	}
	for k, v := range patch {
		raw[k] = v
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encode patched config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("apply patched config: %w", err)
	}

	m.config = cfg
	m.raw = raw
	m.mu.Unlock()

	m.notify(old)
	return nil
}

func (m *ConfigManager) notify(old *Config) {
	m.mu.RLock()
	cbs := append([]ReloadCallback(nil), m.callbacks...)
	cur := m.config
	m.mu.RUnlock()

	for _, cb := range cbs {
		cb(old, cur)
	}
}

// StartWatcher begins polling the source file's modification time once per
// second, reloading when it advances. Calling it twice is a no-op.
func (m *ConfigManager) StartWatcher() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.stopWatch != nil || m.path == "" {
		return
	}
	m.stopWatch = make(chan struct{})
	m.watchDone = make(chan struct{})

	go m.watchLoop(m.stopWatch, m.watchDone)
	m.log.Info("", "", "config watcher started", map[string]interface{}{"path": m.path})
}

// StopWatcher stops the polling loop and waits for it to exit.
func (m *ConfigManager) StopWatcher() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.stopWatch == nil {
		return
	}
	close(m.stopWatch)
	<-m.watchDone
	m.stopWatch = nil
	m.watchDone = nil
}

func (m *ConfigManager) watchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			m.mu.RLock()
			changed := info.ModTime().After(m.lastMod)
			m.mu.RUnlock()
			if changed {
				_ = m.Reload()
			}
		}
	}
}
