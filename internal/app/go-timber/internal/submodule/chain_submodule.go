package submodule

import (
	"context"

	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/repo"
)

// ChainSubmodule enhances the node with chain storage: the block store, the
// chain index and the message store.
type ChainSubmodule struct {
	ChainReader  *chain.Store
	MessageStore *chain.MessageStore
	Blockstore   blockstore.Blockstore

	StatusReporter *chain.StatusReporter
}

// NewChainSubmodule creates a new chain submodule over the repo's
// datastores, rooted at the given genesis.
func NewChainSubmodule(ctx context.Context, rep repo.Repo, genesisCid cid.Cid) (ChainSubmodule, error) {
	bs := blockstore.NewBlockstore(rep.Datastore())
	chainStore := chain.NewStore(rep.ChainDatastore(), bs, genesisCid)
	messageStore := chain.NewMessageStore(bs)
	reporter := chain.NewStatusReporter()

	return ChainSubmodule{
		ChainReader:    chainStore,
		MessageStore:   messageStore,
		Blockstore:     bs,
		StatusReporter: reporter,
	}, nil
}

// Load rebuilds the chain index from the persisted head.
func (cs *ChainSubmodule) Load(ctx context.Context) error {
	if err := cs.ChainReader.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load chain index")
	}
	return nil
}

// Stop shuts down chain storage.
func (cs *ChainSubmodule) Stop() {
	cs.ChainReader.Stop()
}
