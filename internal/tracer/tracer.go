// Package tracer builds the two historical trace shapes the RPC
// surface exposes — a per-opcode VMTrace tree and a per-call FlatTrace
// list — by composing independent go-ethereum *tracing.Hooks values.
// There is no process-global listener registry: every event arrives
// through the Hooks struct the EVM was constructed with, so a replay
// never needs scoped acquisition/release around the interpreter call.
package tracer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// Combine merges any number of *tracing.Hooks into one, calling every
// non-nil hook of the same name in argument order. This is the Go
// shape of threading an explicit tracer handle through every event
// site: each input struct is independently testable, and merging them
// is a pure function with no shared mutable registry.
func Combine(all ...*tracing.Hooks) *tracing.Hooks {
	nonNil := make([]*tracing.Hooks, 0, len(all))
	for _, h := range all {
		if h != nil {
			nonNil = append(nonNil, h)
		}
	}
	if len(nonNil) == 0 {
		return &tracing.Hooks{}
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	combined := &tracing.Hooks{}

	combined.OnTxStart = func(vmctx *tracing.VMContext, tx *types.Transaction, from common.Address) {
		for _, h := range nonNil {
			if h.OnTxStart != nil {
				h.OnTxStart(vmctx, tx, from)
			}
		}
	}
	combined.OnTxEnd = func(receipt *types.Receipt, err error) {
		for _, h := range nonNil {
			if h.OnTxEnd != nil {
				h.OnTxEnd(receipt, err)
			}
		}
	}
	combined.OnOpcode = func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
		for _, h := range nonNil {
			if h.OnOpcode != nil {
				h.OnOpcode(pc, op, gas, cost, scope, rData, depth, err)
			}
		}
	}
	combined.OnFault = func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
		for _, h := range nonNil {
			if h.OnFault != nil {
				h.OnFault(pc, op, gas, cost, scope, depth, err)
			}
		}
	}
	combined.OnEnter = func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
		for _, h := range nonNil {
			if h.OnEnter != nil {
				h.OnEnter(depth, typ, from, to, input, gas, value)
			}
		}
	}
	combined.OnExit = func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
		for _, h := range nonNil {
			if h.OnExit != nil {
				h.OnExit(depth, output, gasUsed, err, reverted)
			}
		}
	}
	combined.OnGasChange = func(old, new uint64, reason tracing.GasChangeReason) {
		for _, h := range nonNil {
			if h.OnGasChange != nil {
				h.OnGasChange(old, new, reason)
			}
		}
	}
	combined.OnBalanceChange = func(addr common.Address, prev, new *big.Int, reason tracing.BalanceChangeReason) {
		for _, h := range nonNil {
			if h.OnBalanceChange != nil {
				h.OnBalanceChange(addr, prev, new, reason)
			}
		}
	}
	combined.OnNonceChange = func(addr common.Address, prev, new uint64) {
		for _, h := range nonNil {
			if h.OnNonceChange != nil {
				h.OnNonceChange(addr, prev, new)
			}
		}
	}
	combined.OnCodeChange = func(addr common.Address, prevCodeHash common.Hash, prevCode []byte, codeHash common.Hash, code []byte) {
		for _, h := range nonNil {
			if h.OnCodeChange != nil {
				h.OnCodeChange(addr, prevCodeHash, prevCode, codeHash, code)
			}
		}
	}
	combined.OnStorageChange = func(addr common.Address, slot common.Hash, prev, new common.Hash) {
		for _, h := range nonNil {
			if h.OnStorageChange != nil {
				h.OnStorageChange(addr, slot, prev, new)
			}
		}
	}
	combined.OnLog = func(log *tracing.LogWithAddress) {
		for _, h := range nonNil {
			if h.OnLog != nil {
				h.OnLog(log)
			}
		}
	}
	return combined
}

// InstructionData is one opcode step's derived metadata: the memory or
// storage range it writes, if any.
type InstructionData struct {
	PC          uint64
	Opcode      byte
	MemWritten  *MemRange
	StoreWritten *StoreRange
}

// MemRange is an (offset, size) memory write derived from an opcode and
// its stack arguments (e.g. MSTORE -> (stack[0], 32)).
type MemRange struct {
	Offset uint64
	Size   uint64
}

// StoreRange is the storage slot an SSTORE targets.
type StoreRange struct {
	Slot *uint256.Int
}

// memWrittenFor computes the memory range an opcode writes, reading its
// stack arguments top-down (stack[0] is top-of-stack). Opcodes with no
// memory effect, or whose stack does not yet hold enough arguments,
// yield nil.
func memWrittenFor(op vm.OpCode, stack *stackView) *MemRange {
	switch op {
	case vm.MSTORE, vm.MSTORE8:
		if stack.len() < 1 {
			return nil
		}
		size := uint64(32)
		if op == vm.MSTORE8 {
			size = 1
		}
		return &MemRange{Offset: stack.peekUint64(0), Size: size}
	case vm.CALLDATACOPY, vm.CODECOPY, vm.RETURNDATACOPY:
		if stack.len() < 3 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(0), Size: stack.peekUint64(2)}
	case vm.EXTCODECOPY:
		if stack.len() < 4 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(1), Size: stack.peekUint64(3)}
	case vm.CALL, vm.CALLCODE:
		if stack.len() < 7 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(5), Size: stack.peekUint64(6)}
	case vm.DELEGATECALL, vm.STATICCALL:
		if stack.len() < 6 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(4), Size: stack.peekUint64(5)}
	case vm.CREATE:
		if stack.len() < 3 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(1), Size: stack.peekUint64(2)}
	case vm.CREATE2:
		if stack.len() < 4 {
			return nil
		}
		return &MemRange{Offset: stack.peekUint64(1), Size: stack.peekUint64(2)}
	default:
		return nil
	}
}

func storeWrittenFor(op vm.OpCode, stack *stackView) *StoreRange {
	if op != vm.SSTORE || stack.len() < 1 {
		return nil
	}
	return &StoreRange{Slot: stack.peek(0)}
}

// stackView adapts tracing.OpContext's stack accessor to the
// top-down, index-0-is-top convention the spec's memory/storage
// derivation table uses.
type stackView struct {
	scope tracing.OpContext
}

func newStackView(scope tracing.OpContext) *stackView { return &stackView{scope: scope} }

func (s *stackView) len() int {
	return len(s.scope.StackData())
}

func (s *stackView) peek(i int) *uint256.Int {
	data := s.scope.StackData()
	idx := len(data) - 1 - i
	if idx < 0 || idx >= len(data) {
		return uint256.NewInt(0)
	}
	return &data[idx]
}

func (s *stackView) peekUint64(i int) uint64 {
	return s.peek(i).Uint64()
}
