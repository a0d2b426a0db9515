// Package replay re-executes the non-EVM instructions of a host
// transaction against a request-local snapshot, producing the account
// pre-image an embedded EVM instruction would observe. It never runs
// the EVM itself — when the dispatch loop reaches the evm_loader
// program, it stops and hands control back to the caller.
package replay

import (
	"crypto/sha256"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/log"
)

// MaxInvokeDepth bounds cross-program-invocation recursion. A deeper
// call aborts with InstructionError::CallDepth, matching the host
// runtime's own limit.
const MaxInvokeDepth = 5

// builtinKey derives a stable, synthetic program id for a registry
// entry from its name. The host ledger's real builtin program ids are
// well-known constants; since replay never needs to match a live
// cluster's installation, a deterministic digest keeps the registry
// self-contained and test-reproducible without a base58 dependency.
func builtinKey(name string) hostchain.PubKey {
	return hostchain.PubKey(sha256.Sum256([]byte("builtin:" + name)))
}

var (
	SystemProgramKey    = builtinKey("system")
	VoteProgramKey      = builtinKey("vote")
	StakeProgramKey     = builtinKey("stake")
	ConfigProgramKey    = builtinKey("config")
	Secp256k1ProgramKey = builtinKey("secp256k1")
	BaseLoaderKey       = builtinKey("bpf_loader")
	UpgradeableLoaderKey = builtinKey("bpf_loader_upgradeable")
	NativeLoaderKey     = builtinKey("native_loader")
)

// Arena owns every host account touched by one replay request. Indices
// into accounts are stable for the arena's lifetime, so KeyedAccount
// and InvokeFrame can reference accounts by index instead of holding
// pointers with borrowed lifetimes.
type Arena struct {
	accounts []*hostchain.Account
	index    map[hostchain.PubKey]int
}

// NewArena builds an Arena seeded from an initial key/account snapshot.
func NewArena(seed map[hostchain.PubKey]*hostchain.Account) *Arena {
	a := &Arena{index: make(map[hostchain.PubKey]int, len(seed))}
	for k, v := range seed {
		a.put(k, v)
	}
	return a
}

func (a *Arena) put(key hostchain.PubKey, acc *hostchain.Account) int {
	if idx, ok := a.index[key]; ok {
		a.accounts[idx] = acc
		return idx
	}
	idx := len(a.accounts)
	a.accounts = append(a.accounts, acc)
	a.index[key] = idx
	return idx
}

// Get resolves an account by key, allocating an absent placeholder slot
// if the key has never been seen (so later lookups by index are
// consistent even for accounts that never existed in the snapshot).
func (a *Arena) Get(key hostchain.PubKey) (*hostchain.Account, int) {
	idx, ok := a.index[key]
	if !ok {
		idx = a.put(key, nil)
	}
	return a.accounts[idx], idx
}

// At returns the account at a known arena index.
func (a *Arena) At(idx int) *hostchain.Account { return a.accounts[idx] }

// Set replaces the account at idx, e.g. after a builtin mutates it.
func (a *Arena) Set(idx int, acc *hostchain.Account) { a.accounts[idx] = acc }

// Snapshot returns a key->account map for every account the arena has
// allocated a slot for, the shape all_accounts is exposed in.
func (a *Arena) Snapshot() map[hostchain.PubKey]*hostchain.Account {
	out := make(map[hostchain.PubKey]*hostchain.Account, len(a.index))
	for k, idx := range a.index {
		out[k] = a.accounts[idx]
	}
	return out
}

// KeyedAccount is a reference into the Arena carrying the signer/writable
// bits the message header assigned it at the outermost call, or the CPI
// re-aliasing rules for a nested invocation.
type KeyedAccount struct {
	Key        hostchain.PubKey
	Index      int
	IsSigner   bool
	IsWritable bool
}

// InvokeFrame is one entry of the cross-program-invocation stack.
type InvokeFrame struct {
	ProgramID hostchain.PubKey
	Accounts  []int
}

// BuiltinHandler executes one host instruction against the accounts a
// dispatch resolved for it.
type BuiltinHandler func(ctx *InvokeContext, data []byte, accounts []KeyedAccount) error

// InvokeContext is passed to every builtin handler. Compute metering is
// intentionally absent: replay never enforces a compute budget, only
// the EVM interpreter's own step budget (internal/command) does.
type InvokeContext struct {
	Arena          *Arena
	InstructionIdx int
	InvokeStack    []InvokeFrame
	Logger         *log.Logger
}

// Push enters a nested invocation, enforcing MaxInvokeDepth and the
// same-program reentrancy rule.
func (c *InvokeContext) Push(programID hostchain.PubKey, accounts []int) error {
	if len(c.InvokeStack) > 0 {
		top := c.InvokeStack[len(c.InvokeStack)-1]
		// Reentrant call into the same program as the current frame is
		// permitted; re-entering any other program already on the stack
		// is not.
		if top.ProgramID != programID {
			for _, f := range c.InvokeStack {
				if f.ProgramID == programID {
					return errs.Instructionf("reentrancy into program %x not allowed", programID)
				}
			}
		}
	}
	if len(c.InvokeStack) >= MaxInvokeDepth {
		return errs.Instructionf("call depth exceeded (max %d)", MaxInvokeDepth)
	}
	c.InvokeStack = append(c.InvokeStack, InvokeFrame{ProgramID: programID, Accounts: accounts})
	return nil
}

// Pop leaves the current invocation frame.
func (c *InvokeContext) Pop() {
	if len(c.InvokeStack) > 0 {
		c.InvokeStack = c.InvokeStack[:len(c.InvokeStack)-1]
	}
}

// Replayer walks a HostMessage's instruction list, dispatching every
// non-EVM instruction to a builtin handler and mutating the arena in
// place, until either the instructions are exhausted or the evm_loader
// program is reached.
type Replayer struct {
	arena        *Arena
	allAccounts  map[hostchain.PubKey]*hostchain.Account
	message      *hostchain.HostMessage
	currentIdx   int
	exited       bool
	builtins     map[hostchain.PubKey]BuiltinHandler
	evmLoaderKey hostchain.PubKey
	log          *log.Logger
}

// New constructs a Replayer over a seeded arena for message, stopping
// dispatch whenever it reaches evmLoaderKey.
func New(message *hostchain.HostMessage, arena *Arena, evmLoaderKey hostchain.PubKey) *Replayer {
	r := &Replayer{
		arena:        arena,
		allAccounts:  arena.Snapshot(),
		message:      message,
		evmLoaderKey: evmLoaderKey,
		log:          log.Default().Module("replay"),
	}
	r.builtins = defaultBuiltins()
	return r
}

// Exited reports whether a prior instruction failed and dispatch has
// been suppressed since (host-level transaction atomicity).
func (r *Replayer) Exited() bool { return r.exited }

// AllAccounts returns the canonical cache of every account touched so
// far, updated at the end of every successfully dispatched instruction.
func (r *Replayer) AllAccounts() map[hostchain.PubKey]*hostchain.Account {
	return r.allAccounts
}

// Next advances the dispatch loop by exactly one host instruction and
// reports whether it was the evm_loader program (the caller must stop
// driving the replayer and take over) or, if err != nil, that the
// instruction failed and replay has exited.
//
// done is true once there are no more instructions to dispatch.
func (r *Replayer) Next() (ix hostchain.CompiledInstruction, isEvmInstruction bool, done bool, err error) {
	if r.exited || r.currentIdx >= len(r.message.Instructions) {
		return hostchain.CompiledInstruction{}, false, true, nil
	}
	ix = r.message.Instructions[r.currentIdx]
	idx := r.currentIdx
	r.currentIdx++

	programID, perr := r.message.ProgramID(ix)
	if perr != nil {
		r.exited = true
		return ix, false, false, errs.WrapDecode(perr, "replay: resolve program id")
	}
	if programID == r.evmLoaderKey {
		return ix, true, false, nil
	}

	if derr := r.dispatch(idx, ix, programID); derr != nil {
		r.exited = true
		return ix, false, false, derr
	}
	return ix, false, false, nil
}

// dispatch resolves program ownership and routes to a builtin or the
// native loader, then copies the working set back into all_accounts.
func (r *Replayer) dispatch(idx int, ix hostchain.CompiledInstruction, programID hostchain.PubKey) error {
	keyed := r.buildKeyedAccounts(ix)

	handler, ok := r.builtins[programID]
	if !ok {
		programAcc, _ := r.arena.Get(programID)
		if programAcc != nil && programAcc.Owner == NativeLoaderKey {
			handler = nativeLoaderDispatch
			ok = true
		} else if programAcc != nil && programAcc.Owner == UpgradeableLoaderKey {
			handler, ok = r.builtins[UpgradeableLoaderKey]
			if ok {
				keyed = append([]KeyedAccount{r.programDataKeyed(programAcc)}, keyed...)
			}
		}
	}
	if !ok {
		// A program this replay has no handler for is treated as a
		// successful no-op: replay only needs enough fidelity to reach
		// the evm_loader instruction with a correct account pre-image,
		// not to fully execute every host-native program.
		r.log.Warn("replay: no builtin handler, skipping", "program", programID, "ix", idx)
		r.syncAccounts(keyed)
		return nil
	}

	ctx := &InvokeContext{Arena: r.arena, InstructionIdx: idx, Logger: r.log}
	if err := ctx.Push(programID, keyedIndices(keyed)); err != nil {
		return err
	}
	defer ctx.Pop()

	if err := handler(ctx, ix.Data, keyed); err != nil {
		return errs.Instructionf("instruction %d (program %x): %w", idx, programID, err)
	}
	r.syncAccounts(keyed)
	return nil
}

func (r *Replayer) buildKeyedAccounts(ix hostchain.CompiledInstruction) []KeyedAccount {
	keyed := make([]KeyedAccount, 0, len(ix.AccountIndexes))
	for _, msgIdx := range ix.AccountIndexes {
		key := r.message.AccountKeys[msgIdx]
		_, arenaIdx := r.arena.Get(key)
		keyed = append(keyed, KeyedAccount{
			Key:        key,
			Index:      arenaIdx,
			IsSigner:   r.message.IsSigner(int(msgIdx)),
			IsWritable: r.message.IsWritable(int(msgIdx)),
		})
	}
	return keyed
}

func (r *Replayer) programDataKeyed(programAcc *hostchain.Account) KeyedAccount {
	// The derived program-data account for an upgradeable-loader
	// program is prepended ahead of the instruction's own accounts;
	// replay does not need its real derived address, only a stable
	// placeholder slot to hand to the builtin.
	key := hostchain.PubKey(sha256.Sum256(append([]byte("programdata:"), programAcc.Data...)))
	_, idx := r.arena.Get(key)
	return KeyedAccount{Key: key, Index: idx, IsSigner: false, IsWritable: false}
}

func (r *Replayer) syncAccounts(keyed []KeyedAccount) {
	for _, ka := range keyed {
		r.allAccounts[ka.Key] = r.arena.At(ka.Index)
	}
}

func keyedIndices(keyed []KeyedAccount) []int {
	out := make([]int, len(keyed))
	for i, k := range keyed {
		out[i] = k.Index
	}
	return out
}

func nativeLoaderDispatch(_ *InvokeContext, _ []byte, _ []KeyedAccount) error {
	return nil
}
