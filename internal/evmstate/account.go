// Package evmstate lazily hydrates EVM entities (accounts, code,
// storage) from the host ledger snapshot and exposes them through
// go-ethereum's vm.StateDB interface, so an unmodified vm.EVM can
// execute directly against historical data.
package evmstate

import (
	"context"

	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/provider"
)

// accountKind distinguishes the two EVM account variants the host
// ledger's EthereumAccount encoding can hold.
type accountKind int

const (
	kindAbsent accountKind = iota
	kindUser
	kindContract
)

// account is the hydrated, in-memory EVM entity for one address. A
// User account has no code or storage; a Contract account additionally
// carries its code, a compiled-validity bitmap over jump destinations,
// and a storage cell map.
type account struct {
	kind    accountKind
	balance *uint256.Int
	nonce   uint64
	code    []byte
	valids  *bitset.BitSet
	storage map[common.Hash]common.Hash

	// dirtyStorage tracks cells SetState has touched this request.
	dirtyStorage map[common.Hash]struct{}

	// hostKey is the derived host account this EVM entity hydrated
	// from, cached so a later query_account-style lookup for the same
	// address never re-derives it.
	hostKey hostchain.PubKey

	// destructed marks SelfDestruct within this request; go-ethereum's
	// EndOfBlock handling discards such accounts, and PodAccount diffing
	// treats them as Died.
	destructed bool
}

func newAbsentAccount() *account {
	return &account{kind: kindAbsent, balance: uint256.NewInt(0), storage: map[common.Hash]common.Hash{}, dirtyStorage: map[common.Hash]struct{}{}}
}

// DeriveHostKey computes find_program_address([SEED_VERSION_TAG,
// evm_address], evm_loader_key). Solana's real PDA derivation walks a
// bump seed searching for an off-curve point; replay only needs a
// stable, deterministic 32-byte key for lookups against the snapshot,
// so this uses the same seed/program inputs hashed together rather
// than reimplementing curve membership search. Exported so callers that
// seed a snapshot directly (such as the command package's tests) key
// their accounts the same way Store.hydrate looks them up.
func DeriveHostKey(addr common.Address, evmLoaderKey hostchain.PubKey) hostchain.PubKey {
	buf := make([]byte, 0, 1+20+32+len("ProgramDerivedAddress"))
	buf = append(buf, hostchain.SeedVersionTag)
	buf = append(buf, addr[:]...)
	buf = append(buf, evmLoaderKey[:]...)
	buf = append(buf, []byte("ProgramDerivedAddress")...)
	return hostchain.PubKey(crypto.Keccak256Hash(buf))
}

// EthereumAccount discriminant tags, matching the host program's
// account-data layout (spec's "discriminant tag" check).
const (
	tagEmpty           = byte(0)
	tagEthereumAccount = byte(1)
	tagContractCode    = byte(2)
)

// Store is the lazily-hydrating, request-scoped account cache.
// Hydration is idempotent: once an address has been resolved (present
// or absent), later calls never re-hit the provider for it.
type Store struct {
	ctx          context.Context
	provider     provider.Provider
	slot         uint64
	blockTime    int64
	evmLoaderKey hostchain.PubKey
	accounts     map[common.Address]*account

	refund    uint64
	snapshots []snapshotState
	logs      []LogEntry
	preimages map[common.Hash][]byte

	accessList *accessList

	// hooks mirrors go-ethereum's own stateObject pattern: a StateDB
	// implementation fires the mutation-side tracing hooks itself
	// (OnBalanceChange, OnNonceChange, OnCodeChange, OnStorageChange),
	// since those are never invoked by the interpreter directly. Unset
	// by default; SetHooks wires it to the same *tracing.Hooks the EVM
	// was constructed with.
	hooks *tracing.Hooks
}

// SetHooks installs the tracing hooks that SubBalance, AddBalance,
// SetNonce, SetCode, and SetState report through. Passing the same
// *tracing.Hooks given to vm.Config.Tracer keeps state-mutation events
// and opcode-level events flowing through one combined stream.
func (s *Store) SetHooks(h *tracing.Hooks) { s.hooks = h }

// LogEntry mirrors go-ethereum's *types.Log shape closely enough for
// the tracer and RPC layers to serialize without reaching into
// core/types directly.
type LogEntry struct {
	Address common.Address
	Topics   []common.Hash
	Data     []byte
}

// New constructs a Store fixed to slot/blockTime, backed by provider
// for any address not yet in the in-memory cache.
func New(ctx context.Context, p provider.Provider, slot uint64, blockTime int64) *Store {
	return &Store{
		ctx:          ctx,
		provider:     p,
		slot:         slot,
		blockTime:    blockTime,
		evmLoaderKey: p.EvmLoaderKey(),
		accounts:     make(map[common.Address]*account),
		preimages:    make(map[common.Hash][]byte),
		accessList:   newAccessList(),
	}
}

// BlockNumber returns the fixed slot this Store was constructed for.
func (s *Store) BlockNumber() uint64 { return s.slot }

// BlockTimestamp returns the fixed block time this Store was
// constructed for.
func (s *Store) BlockTimestamp() int64 { return s.blockTime }

// resolve hydrates (or returns the cached) account for addr.
func (s *Store) resolve(addr common.Address) *account {
	if a, ok := s.accounts[addr]; ok {
		return a
	}
	a := s.hydrate(addr)
	s.accounts[addr] = a
	return a
}

func (s *Store) hydrate(addr common.Address) *account {
	hostKey := DeriveHostKey(addr, s.evmLoaderKey)
	hostAcc, err := s.provider.AccountAtSlot(s.ctx, hostKey, s.slot)
	if err != nil || hostAcc == nil {
		if err != nil {
			errs.Store(err, "evmstate: hydrate")
		}
		a := newAbsentAccount()
		a.hostKey = hostKey
		return a
	}
	if hostAcc.Owner != s.evmLoaderKey {
		a := newAbsentAccount()
		a.hostKey = hostKey
		return a
	}
	return parseEthereumAccount(hostAcc, hostKey, s)
}

// parseEthereumAccount decodes the host account's EthereumAccount
// layout: a one-byte discriminant tag, then balance/nonce, and for a
// Contract a secondary code-account key to hydrate.
func parseEthereumAccount(hostAcc *hostchain.Account, hostKey hostchain.PubKey, s *Store) *account {
	data := hostAcc.Data
	if len(data) < 1 || data[0] != tagEthereumAccount {
		a := newAbsentAccount()
		a.hostKey = hostKey
		return a
	}
	const headerLen = 1 + 32 + 8 // tag + balance(32) + nonce(8)
	if len(data) < headerLen {
		a := newAbsentAccount()
		a.hostKey = hostKey
		return a
	}
	balance := new(uint256.Int).SetBytes(data[1:33])
	nonce := uint256.NewInt(0).SetBytes(data[33:41]).Uint64()

	a := &account{
		kind:         kindUser,
		balance:      balance,
		nonce:        nonce,
		storage:      map[common.Hash]common.Hash{},
		dirtyStorage: map[common.Hash]struct{}{},
		hostKey:      hostKey,
	}

	if len(data) >= headerLen+32 {
		var codeKey hostchain.PubKey
		copy(codeKey[:], data[headerLen:headerLen+32])
		if codeAcc, err := s.provider.AccountAtSlot(s.ctx, codeKey, s.slot); err == nil && codeAcc != nil && len(codeAcc.Data) >= 1 && codeAcc.Data[0] == tagContractCode {
			a.kind = kindContract
			a.code = append([]byte(nil), codeAcc.Data[1:]...)
			a.valids = computeValids(a.code)
		}
	}
	return a
}

// computeValids builds the JUMPDEST validity bitmap used by the EVM
// interpreter's jump-destination check: bit i is set iff offset i is
// the start of an instruction (not a PUSH data byte).
func computeValids(code []byte) *bitset.BitSet {
	const pushOpBase = 0x60 // PUSH1
	const pushOpEnd = 0x7f  // PUSH32

	bs := bitset.New(uint(len(code)))
	for i := 0; i < len(code); {
		bs.Set(uint(i))
		op := code[i]
		if op >= pushOpBase && op <= pushOpEnd {
			i += int(op-pushOpBase) + 2
			continue
		}
		i++
	}
	return bs
}

// BitSetView exposes read-only access to a contract's compiled-validity
// bitmap without leaking the bitset.BitSet type into callers that only
// need bit-membership tests (the EVM interpreter's jump-destination
// check).
type BitSetView struct {
	bits *bitset.BitSet
}

// IsValid reports whether offset starts an instruction (is not inside
// PUSH data); it does not check that the byte there is a JUMPDEST.
func (v *BitSetView) IsValid(offset uint64) bool {
	if v.bits == nil {
		return false
	}
	return v.bits.Test(uint(offset))
}

type snapshotState struct {
	accounts   map[common.Address]account
	refund     uint64
	logsLen    int
	accessCopy *accessList
}
