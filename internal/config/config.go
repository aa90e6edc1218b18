// Package config loads francodb's engine configuration: data directory,
// buffer pool sizing, checkpoint triggers, and the optional encryption
// key, from YAML or from hard-coded defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"francodb/internal/buffer"
	"francodb/internal/dberr"
)

// EngineConfig is the environment the core consumes but does not own,
// per spec §6's "Environment / configuration" section.
type EngineConfig struct {
	DataDir                     string `yaml:"data_dir"`
	PageSize                    int    `yaml:"page_size"`
	BufferPoolFrames            int    `yaml:"buffer_pool_frames"`
	BufferPartitions            int    `yaml:"buffer_partitions"`
	Replacer                    string `yaml:"replacer"` // "lru" or "clock"
	CheckpointIntervalSeconds   int    `yaml:"checkpoint_interval_seconds"`
	OperationThreshold          int    `yaml:"operation_threshold"`
	ReverseDeltaThresholdMicros uint64 `yaml:"reverse_delta_threshold_micros"`
	EncryptionKeyFile           string `yaml:"encryption_key_file"`
}

// Default returns the configuration spec §4.2/§4.4/§4.5 call out as
// defaults: 4096-byte pages, 16 buffer partitions, LRU eviction, a 30s
// checkpoint interval, a 1000-record operation threshold, and a 1-hour
// reverse-delta cutover.
func Default() EngineConfig {
	return EngineConfig{
		DataDir:                     "./data",
		PageSize:                    4096,
		BufferPoolFrames:            1024,
		BufferPartitions:            buffer.DefaultPartitions,
		Replacer:                    "lru",
		CheckpointIntervalSeconds:   30,
		OperationThreshold:          1000,
		ReverseDeltaThresholdMicros: 3_600_000_000,
	}
}

// Load reads YAML configuration from path, filling in any field the file
// omits with its Default() value.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, dberr.Wrap("config.Load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, dberr.Wrap("config.Load: parse", err)
	}
	return cfg, nil
}

// ReplacerKind maps the configured replacer name to a buffer.ReplacerKind,
// defaulting to LRU for an unrecognized or empty value.
func (c EngineConfig) ReplacerKind() buffer.ReplacerKind {
	if c.Replacer == string(buffer.ReplacerClock) {
		return buffer.ReplacerClock
	}
	return buffer.ReplacerLRU
}

// EncryptionKey reads the configured key file, if any. Returns (nil, nil)
// if no key file is configured.
func (c EngineConfig) EncryptionKey() ([]byte, error) {
	if c.EncryptionKeyFile == "" {
		return nil, nil
	}
	key, err := os.ReadFile(c.EncryptionKeyFile)
	if err != nil {
		return nil, dberr.Wrap("config.EncryptionKey", err)
	}
	return key, nil
}
