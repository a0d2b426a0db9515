package evmstate

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// The methods below implement enough of go-ethereum's vm.StateDB
// interface for an unmodified vm.EVM to execute against historical
// data. Capabilities spec.md's narrower AccountStorage contract does
// not name (transient storage, access lists, snapshots) are ordinary
// in-memory state local to this Store: they never touch the snapshot
// and are discarded with it at request end.

func (s *Store) CreateAccount(addr common.Address) {
	s.resolve(addr) // force hydration so callers observe a definite miss-then-create
	s.accounts[addr] = &account{
		kind:         kindUser,
		balance:      uint256.NewInt(0),
		storage:      map[common.Hash]common.Hash{},
		dirtyStorage: map[common.Hash]struct{}{},
		hostKey:      s.accounts[addr].hostKey,
	}
}

func (s *Store) CreateContract(addr common.Address) {
	a := s.resolve(addr)
	a.kind = kindContract
	if a.storage == nil {
		a.storage = map[common.Hash]common.Hash{}
	}
}

func (s *Store) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	a := s.resolve(addr)
	prev := *a.balance
	a.balance = new(uint256.Int).Sub(a.balance, amount)
	if s.hooks != nil && s.hooks.OnBalanceChange != nil {
		s.hooks.OnBalanceChange(addr, prev.ToBig(), a.balance.ToBig(), reason)
	}
	return prev
}

func (s *Store) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	a := s.resolve(addr)
	prev := *a.balance
	a.balance = new(uint256.Int).Add(a.balance, amount)
	if s.hooks != nil && s.hooks.OnBalanceChange != nil {
		s.hooks.OnBalanceChange(addr, prev.ToBig(), a.balance.ToBig(), reason)
	}
	return prev
}

func (s *Store) GetBalance(addr common.Address) *uint256.Int {
	return s.resolve(addr).balance
}

func (s *Store) GetNonce(addr common.Address) uint64 {
	return s.resolve(addr).nonce
}

func (s *Store) SetNonce(addr common.Address, nonce uint64, _ tracing.NonceChangeReason) {
	a := s.resolve(addr)
	prev := a.nonce
	a.nonce = nonce
	if s.hooks != nil && s.hooks.OnNonceChange != nil {
		s.hooks.OnNonceChange(addr, prev, nonce)
	}
}

func (s *Store) GetCodeHash(addr common.Address) common.Hash {
	a := s.resolve(addr)
	if len(a.code) == 0 {
		return types.EmptyCodeHash
	}
	return common.BytesToHash(crypto.Keccak256(a.code))
}

func (s *Store) GetCode(addr common.Address) []byte {
	return s.resolve(addr).code
}

func (s *Store) SetCode(addr common.Address, code []byte) {
	a := s.resolve(addr)
	prevHash := s.GetCodeHash(addr)
	prevCode := a.code
	a.kind = kindContract
	a.code = code
	a.valids = computeValids(code)
	if s.hooks != nil && s.hooks.OnCodeChange != nil {
		s.hooks.OnCodeChange(addr, prevHash, prevCode, s.GetCodeHash(addr), code)
	}
}

func (s *Store) GetCodeSize(addr common.Address) int {
	return len(s.resolve(addr).code)
}

func (s *Store) AddRefund(gas uint64)  { s.refund += gas }
func (s *Store) SubRefund(gas uint64) {
	if gas > s.refund {
		s.refund = 0
		return
	}
	s.refund -= gas
}
func (s *Store) GetRefund() uint64 { return s.refund }

func (s *Store) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	return s.resolve(addr).storage[key]
}

func (s *Store) GetState(addr common.Address, key common.Hash) common.Hash {
	return s.resolve(addr).storage[key]
}

func (s *Store) SetState(addr common.Address, key, value common.Hash) common.Hash {
	a := s.resolve(addr)
	prev := a.storage[key]
	a.storage[key] = value
	a.dirtyStorage[key] = struct{}{}
	if s.hooks != nil && s.hooks.OnStorageChange != nil {
		s.hooks.OnStorageChange(addr, key, prev, value)
	}
	return prev
}

func (s *Store) GetStorageRoot(_ common.Address) common.Hash {
	return common.Hash{}
}

func (s *Store) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.resolve(addr).storage[transientKey(key)]
}

func (s *Store) SetTransientState(addr common.Address, key, value common.Hash) {
	a := s.resolve(addr)
	a.storage[transientKey(key)] = value
}

// transientKey keeps transient storage in a distinct key space from
// persistent storage within the same in-memory map, avoiding a second
// map allocation per account for a capability that is discarded
// wholesale at request end regardless.
func transientKey(key common.Hash) common.Hash {
	h := key
	h[0] ^= 0xff
	return h
}

func (s *Store) SelfDestruct(addr common.Address) uint256.Int {
	a := s.resolve(addr)
	prev := *a.balance
	a.destructed = true
	a.balance = uint256.NewInt(0)
	if s.hooks != nil && s.hooks.OnBalanceChange != nil && !prev.IsZero() {
		s.hooks.OnBalanceChange(addr, prev.ToBig(), new(big.Int), tracing.BalanceDecreaseSelfdestruct)
	}
	return prev
}

func (s *Store) HasSelfDestructed(addr common.Address) bool {
	return s.resolve(addr).destructed
}

func (s *Store) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	a := s.resolve(addr)
	if a.kind != kindContract {
		return *a.balance, false
	}
	prev := s.SelfDestruct(addr)
	return prev, true
}

func (s *Store) Exist(addr common.Address) bool {
	return s.resolve(addr).kind != kindAbsent
}

func (s *Store) Empty(addr common.Address) bool {
	a := s.resolve(addr)
	return a.kind == kindAbsent || (a.balance.IsZero() && a.nonce == 0 && len(a.code) == 0)
}

func (s *Store) AddressInAccessList(addr common.Address) bool {
	return s.accessList.containsAddress(addr)
}

func (s *Store) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	return s.accessList.contains(addr, slot)
}

func (s *Store) AddAddressToAccessList(addr common.Address) {
	s.accessList.addAddress(addr)
}

func (s *Store) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessList.addSlot(addr, slot)
}

func (s *Store) Prepare(_ params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, _ types.AccessList) {
	s.accessList.addAddress(sender)
	s.accessList.addAddress(coinbase)
	if dest != nil {
		s.accessList.addAddress(*dest)
	}
	for _, p := range precompiles {
		s.accessList.addAddress(p)
	}
}

func (s *Store) Snapshot() int {
	accountsCopy := make(map[common.Address]account, len(s.accounts))
	for addr, a := range s.accounts {
		accountsCopy[addr] = cloneAccount(a)
	}
	s.snapshots = append(s.snapshots, snapshotState{
		accounts:   accountsCopy,
		refund:     s.refund,
		logsLen:    len(s.logs),
		accessCopy: s.accessList.clone(),
	})
	return len(s.snapshots) - 1
}

func (s *Store) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.snapshots) {
		return
	}
	snap := s.snapshots[id]
	for addr, a := range snap.accounts {
		restored := a
		s.accounts[addr] = &restored
	}
	s.refund = snap.refund
	s.logs = s.logs[:snap.logsLen]
	s.accessList = snap.accessCopy
	s.snapshots = s.snapshots[:id]
}

func (s *Store) AddLog(log *types.Log) {
	s.logs = append(s.logs, LogEntry{Address: log.Address, Topics: log.Topics, Data: log.Data})
}

func (s *Store) AddPreimage(hash common.Hash, preimage []byte) {
	if _, ok := s.preimages[hash]; ok {
		return
	}
	s.preimages[hash] = append([]byte(nil), preimage...)
}

// Logs returns every log AddLog recorded this request, in order.
func (s *Store) Logs() []LogEntry { return s.logs }

func cloneAccount(a *account) account {
	cp := *a
	cp.balance = new(uint256.Int).Set(a.balance)
	cp.storage = make(map[common.Hash]common.Hash, len(a.storage))
	for k, v := range a.storage {
		cp.storage[k] = v
	}
	cp.dirtyStorage = make(map[common.Hash]struct{}, len(a.dirtyStorage))
	for k := range a.dirtyStorage {
		cp.dirtyStorage[k] = struct{}{}
	}
	if a.code != nil {
		cp.code = append([]byte(nil), a.code...)
	}
	return cp
}
