// Package config loads the YAML configuration document the master
// binaries take as their single positional argument: an `ethercat` tuning
// block plus a tagged `slaves` list. The tuning block feeds pkg/engine
// (master_id is parsed but not used) and the slave list feeds
// pkg/fieldbus.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pollen-robotics/ethercat-master/pkg/engine"
)

// SlaveKind discriminates the two supported device families.
type SlaveKind string

const (
	KindPoulpe SlaveKind = "poulpe"
	KindEpos   SlaveKind = "epos"
)

// SlaveConfig is one entry of the `slaves` list. OrbitaType is Poulpe-only
// (names which multi-axis Orbita actuator variant is attached); AxisCount
// is Epos-only (always 1 in practice, but kept general).
type SlaveConfig struct {
	Kind       SlaveKind `yaml:"type"`
	ID         int       `yaml:"id"`
	Name       string    `yaml:"name"`
	OrbitaType string    `yaml:"orbita_type,omitempty"`
	AxisCount  int       `yaml:"axis_count,omitempty"`
}

// ResolvedAxisCount returns OrbitaType's implied axis count for a Poulpe
// slave, or AxisCount as given for an Epos slave. The two Orbita variants
// deployed in the field are hard-coded; anything else falls back to an
// explicit axis_count, then to a single axis.
func (s SlaveConfig) ResolvedAxisCount() int {
	if s.Kind == KindEpos {
		if s.AxisCount <= 0 {
			return 1
		}
		return s.AxisCount
	}
	switch s.OrbitaType {
	case "orbita3d":
		return 3
	case "orbita2d":
		return 2
	default:
		if s.AxisCount > 0 {
			return s.AxisCount
		}
		return 1
	}
}

// EtherCATConfig is the `ethercat` tuning block.
type EtherCATConfig struct {
	MasterID          uint32 `yaml:"master_id"`
	CycleTimeUs       uint32 `yaml:"cycle_time_us"`
	CommandDropTimeUs uint32 `yaml:"command_drop_time_us"`
	WatchdogTimeoutMs uint32 `yaml:"watchdog_timeout_ms"`
	MailboxWaitTimeMs uint32 `yaml:"mailbox_wait_time_ms"`
	RecoverFromError  bool   `yaml:"recover_from_error,omitempty"`
}

// Config is the whole document.
type Config struct {
	EtherCAT EtherCATConfig `yaml:"ethercat"`
	Slaves   []SlaveConfig  `yaml:"slaves"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Slaves) == 0 {
		return Config{}, fmt.Errorf("config: %s: no slaves configured", path)
	}
	return cfg, nil
}

// EngineConfig translates the `ethercat` tuning block into an
// [engine.Config], starting from engine.DefaultConfig so any field the YAML
// document omits keeps its spec-mandated default.
func (c EtherCATConfig) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if c.CycleTimeUs > 0 {
		cfg.CyclePeriod = time.Duration(c.CycleTimeUs) * time.Microsecond
	}
	if c.CommandDropTimeUs > 0 {
		cfg.CommandDropTime = time.Duration(c.CommandDropTimeUs) * time.Microsecond
	}
	if c.WatchdogTimeoutMs > 0 {
		cfg.WatchdogTimeout = time.Duration(c.WatchdogTimeoutMs) * time.Millisecond
	}
	if c.MailboxWaitTimeMs > 0 {
		cfg.MailboxTimeout = time.Duration(c.MailboxWaitTimeMs) * time.Millisecond
	}
	cfg.RecoverFromError = c.RecoverFromError
	return cfg
}
