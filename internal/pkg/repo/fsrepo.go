package repo

import (
	"os"
	"path/filepath"
	"sync"

	badgerds "github.com/ipfs/go-ds-badger"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/config"
)

const (
	blocksDatastoreName = "badger"
	chainDatastoreName  = "chain"
)

// FSRepo is a repo backed by badger datastores in a directory on disk. The
// config file is persisted next to the datastores with atomic-rename
// updates.
type FSRepo struct {
	path string

	lk  sync.RWMutex
	cfg *config.Config

	ds      Datastore
	chainDs Datastore
}

var _ Repo = (*FSRepo)(nil)

// OpenFSRepo opens (creating if needed) an on-disk repo rooted at `path`.
func OpenFSRepo(path string) (*FSRepo, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create repo dir")
	}

	cfg, err := config.ReadFile(config.Filename(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	opts := badgerds.DefaultOptions
	ds, err := badgerds.NewDatastore(filepath.Join(path, blocksDatastoreName), &opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open blocks datastore")
	}
	chainDs, err := badgerds.NewDatastore(filepath.Join(path, chainDatastoreName), &opts)
	if err != nil {
		_ = ds.Close()
		return nil, errors.Wrap(err, "failed to open chain datastore")
	}

	return &FSRepo{
		path:    path,
		cfg:     cfg,
		ds:      ds,
		chainDs: chainDs,
	}, nil
}

// Config returns the configuration object.
func (r *FSRepo) Config() *config.Config {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return r.cfg
}

// ReplaceConfig replaces the current config, persisting the new one to disk.
func (r *FSRepo) ReplaceConfig(cfg *config.Config) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if err := cfg.WriteFile(config.Filename(r.path)); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

// Datastore returns the blocks datastore.
func (r *FSRepo) Datastore() Datastore {
	return r.ds
}

// ChainDatastore returns the chain metadata datastore.
func (r *FSRepo) ChainDatastore() Datastore {
	return r.chainDs
}

// Version returns the repo layout version.
func (r *FSRepo) Version() uint {
	return Version
}

// Close shuts down the datastores.
func (r *FSRepo) Close() error {
	if err := r.ds.Close(); err != nil {
		return err
	}
	return r.chainDs.Close()
}
