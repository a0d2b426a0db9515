package evmstate

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/chainlabs/evmtracer/internal/hostchain"
)

// conformance assertion: an unmodified vm.EVM must be able to execute
// directly against a *Store.
var _ vm.StateDB = (*Store)(nil)

// AccountSnapshot is the result of QueryAccount: a read-only view of a
// raw host account's metadata and a requested slice of its data.
type AccountSnapshot struct {
	Owner      hostchain.PubKey
	Lamports   uint64
	Executable bool
	RentEpoch  uint64
	Length     uint64
	Offset     uint64
	Data       []byte
}

// QueryAccount exposes a raw host account to contract code via the
// QUERY_ACCOUNT precompile, refusing any account owned by evm_loader to
// avoid re-entering an account this request already has borrowed.
func (s *Store) QueryAccount(key hostchain.PubKey, offset, length uint64) *AccountSnapshot {
	hostAcc, err := s.provider.AccountAtSlot(s.ctx, key, s.slot)
	if err != nil || hostAcc == nil {
		return nil
	}
	if hostAcc.Owner == s.evmLoaderKey {
		return nil
	}
	data := hostAcc.Data
	end := offset + length
	if offset > uint64(len(data)) {
		offset = uint64(len(data))
	}
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	var slice []byte
	if offset < end {
		slice = append([]byte(nil), data[offset:end]...)
	}
	return &AccountSnapshot{
		Owner:      hostAcc.Owner,
		Lamports:   hostAcc.Lamports,
		Executable: hostAcc.Executable,
		RentEpoch:  hostAcc.RentEpoch,
		Length:     uint64(len(data)),
		Offset:     offset,
		Data:       slice,
	}
}

// The SPL-token and ERC-20-bridge precompile queries below have no
// token-program state in scope for historical EVM replay (the host
// ledger's SPL mint/account layouts are not decoded by this service);
// they resolve to the documented zero value rather than an error, the
// same "miss" semantics every other AccountStorage query uses.

func (s *Store) GetSplTokenBalance(_ hostchain.PubKey) uint64  { return 0 }
func (s *Store) GetSplTokenSupply(_ hostchain.PubKey) uint64   { return 0 }
func (s *Store) GetSplTokenDecimals(_ hostchain.PubKey) uint8  { return 0 }

func (s *Store) GetErc20Allowance(_, _ common.Address, _ hostchain.PubKey, _ hostchain.PubKey) uint64 {
	return 0
}

// Valids returns the compiled-validity bitmap for addr's code, or an
// empty bitmap if addr has no code.
func (s *Store) Valids(addr common.Address) *BitSetView {
	a := s.resolve(addr)
	if a.valids == nil {
		return &BitSetView{}
	}
	return &BitSetView{bits: a.valids}
}
