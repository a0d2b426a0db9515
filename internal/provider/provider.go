// Package provider exposes the account-lookup capability the replay
// and EVM-state layers depend on, without tying them to a concrete
// snapshot-store implementation.
package provider

import (
	"context"

	"github.com/chainlabs/evmtracer/internal/hostchain"
)

// Provider resolves host accounts and chain metadata as of a slot. It
// is the seam between the snapshot store (or a precomputed map) and
// every consumer that only needs read access to account state.
type Provider interface {
	AccountAtSlot(ctx context.Context, key hostchain.PubKey, slot uint64) (*hostchain.Account, error)
	LatestSlot(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, slot uint64) (int64, error)
	EvmLoaderKey() hostchain.PubKey
}

// storeBackend is the subset of *store.Client this package depends on,
// named locally so provider does not import internal/store's full
// surface (and so tests can fake it without a ClickHouse connection).
type storeBackend interface {
	AccountAtSlot(ctx context.Context, key hostchain.PubKey, slot uint64) (*hostchain.Account, error)
	LatestSlot(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, slot uint64) (int64, error)
}

// DbProvider forwards every call straight to the snapshot store.
type DbProvider struct {
	backend      storeBackend
	evmLoaderKey hostchain.PubKey
}

// NewDbProvider constructs a DbProvider over backend, fixed to a single
// evm_loader program key for the lifetime of the process.
func NewDbProvider(backend storeBackend, evmLoaderKey hostchain.PubKey) *DbProvider {
	return &DbProvider{backend: backend, evmLoaderKey: evmLoaderKey}
}

func (p *DbProvider) AccountAtSlot(ctx context.Context, key hostchain.PubKey, slot uint64) (*hostchain.Account, error) {
	return p.backend.AccountAtSlot(ctx, key, slot)
}

func (p *DbProvider) LatestSlot(ctx context.Context) (uint64, error) {
	return p.backend.LatestSlot(ctx)
}

func (p *DbProvider) BlockTime(ctx context.Context, slot uint64) (int64, error) {
	return p.backend.BlockTime(ctx, slot)
}

func (p *DbProvider) EvmLoaderKey() hostchain.PubKey { return p.evmLoaderKey }

// MapProvider wraps a precomputed snapshot of accounts settled by a
// single host-message replay (C3), fixed to one slot and block time so
// that EVM inner calls during that replay never re-hit the store.
type MapProvider struct {
	accounts     map[hostchain.PubKey]*hostchain.Account
	slot         uint64
	blockTime    int64
	evmLoaderKey hostchain.PubKey
}

// NewMapProvider constructs a MapProvider fixed to slot/blockTime, over
// a map the caller owns exclusively for the remainder of the request.
func NewMapProvider(accounts map[hostchain.PubKey]*hostchain.Account, slot uint64, blockTime int64, evmLoaderKey hostchain.PubKey) *MapProvider {
	return &MapProvider{
		accounts:     accounts,
		slot:         slot,
		blockTime:    blockTime,
		evmLoaderKey: evmLoaderKey,
	}
}

func (p *MapProvider) AccountAtSlot(_ context.Context, key hostchain.PubKey, _ uint64) (*hostchain.Account, error) {
	acc, ok := p.accounts[key]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (p *MapProvider) LatestSlot(_ context.Context) (uint64, error) { return p.slot, nil }

func (p *MapProvider) BlockTime(_ context.Context, _ uint64) (int64, error) { return p.blockTime, nil }

func (p *MapProvider) EvmLoaderKey() hostchain.PubKey { return p.evmLoaderKey }

var (
	_ Provider = (*DbProvider)(nil)
	_ Provider = (*MapProvider)(nil)
)
