// Package repo provides the node's persistent storage: a datastore for
// chain blocks and a separate datastore for chain metadata (head pointer,
// finality checkpoint, tipset state roots).
package repo

import (
	"github.com/ipfs/go-datastore"

	"github.com/timber-project/go-timber/internal/pkg/config"
)

// Datastore is the datastore interface the repo hands out. It carries
// batching so the blockstore above it can write atomically with respect to
// readers.
type Datastore interface {
	datastore.Batching
}

// Repo is the interface to the node's storage.
type Repo interface {
	// Config returns the node configuration.
	Config() *config.Config
	// ReplaceConfig replaces the current config with the newly passed in
	// one.
	ReplaceConfig(cfg *config.Config) error

	// Datastore is the storage for chain blocks and messages.
	Datastore() Datastore
	// ChainDatastore is the storage for chain metadata.
	ChainDatastore() Datastore

	// Version returns the repo layout version.
	Version() uint

	Close() error
}

// Version is the current repo layout version.
const Version uint = 1
