// Package config holds the node configuration consumed by the sync core.
package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Config is the top-level node configuration.
type Config struct {
	Sync *SyncConfig `json:"sync"`
	Net  *NetConfig  `json:"net"`
}

// SyncConfig tunes the chain synchronizer.
type SyncConfig struct {
	// FinalityDepth is the number of epochs behind head beyond which
	// reorgs are refused.
	FinalityDepth uint64 `json:"finalityDepth"`
	// SyncParallelism bounds the number of concurrently validating
	// tipsets.
	SyncParallelism int `json:"syncParallelism"`
	// HeaderFetchWindow is the number of tipsets requested from a peer
	// per header-exchange call.
	HeaderFetchWindow int `json:"headerFetchWindow"`
	// PeerFanout is the number of peers used in parallel for backfill.
	PeerFanout int `json:"peerFanout"`
	// RequestTimeout bounds a single outbound network call.
	RequestTimeout time.Duration `json:"requestTimeout"`
	// TipSetValidationTimeout bounds a whole tipset validation attempt.
	TipSetValidationTimeout time.Duration `json:"tipsetValidationTimeout"`
	// MaxClockSkew is how far into the future a block timestamp may lie.
	MaxClockSkew time.Duration `json:"maxClockSkew"`
}

// NetConfig names the network this node joins; protocol and gossip topic
// identifiers embed it.
type NetConfig struct {
	NetworkName string `json:"networkName"`
}

// NewDefaultConfig returns a config object with all the fields filled out
// to their default values.
func NewDefaultConfig() *Config {
	return &Config{
		Sync: newDefaultSyncConfig(),
		Net:  &NetConfig{NetworkName: "timbernet"},
	}
}

func newDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		FinalityDepth:           900,
		SyncParallelism:         0, // 0 means the CPU count
		HeaderFetchWindow:       200,
		PeerFanout:              4,
		RequestTimeout:          30 * time.Second,
		TipSetValidationTimeout: 60 * time.Second,
		MaxClockSkew:            2 * time.Second,
	}
}

// ReadFile reads a JSON config from disk, filling unset sections with
// defaults.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefaultConfig(), nil
		}
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	raw, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return cfg, nil
}

// WriteFile writes the config to disk via an atomic rename.
func (cfg *Config) WriteFile(file string) error {
	raw, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	tmp := file + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

// ConfigFilename is the name of the config file inside a repo dir.
const ConfigFilename = "config.json"

// Filename resolves the config path in a repo dir.
func Filename(repoDir string) string {
	return filepath.Join(repoDir, ConfigFilename)
}
