package tracer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// VMOperation is one executed step recorded in a VMTrace: the opcode's
// cost and the memory diff it wrote, if any. VMTracer does not fill in
// Pushed or ExecutedGasUsed; they stay empty and zero.
type VMOperation struct {
	PC         uint64
	Cost       uint64
	ExecutedGasUsed uint64
	Pushed     []uint256.Int
	MemDiff    *MemRange
	StoreDiff  *StoreWrite
	Sub        *VMTrace // set when this operation opened a nested call
}

// StoreWrite is a completed SSTORE: the slot and the value written.
type StoreWrite struct {
	Key   uint256.Int
	Value uint256.Int
}

// VMTrace is a hierarchical per-opcode trace for one call frame; the
// nested VMTraces for CALL/CALLCODE/DELEGATECALL/STATICCALL/CREATE*
// opcodes executed within it hang off the opening VMOperation's Sub.
type VMTrace struct {
	Code string
	Ops  []*VMOperation
}

type pendingTrap struct {
	pushed int
	depth  int
}

// VMTracer builds a VMTrace tree from the opcode-level hook stream. It
// has no knowledge of the action (call-tree) stream; the two are
// composed independently and merged by Combine.
type VMTracer struct {
	root        *VMTrace
	stack       []*VMTrace // open subtrace stack, root at index 0
	pendingPush int
	trapStack   []pendingTrap
	lastAccess  *StoreWrite
	gas         uint64
}

// NewVMTracer constructs an empty tracer ready to receive hook calls
// for exactly one top-level call.
func NewVMTracer(code []byte) *VMTracer {
	root := &VMTrace{Code: string(code)}
	return &VMTracer{root: root, stack: []*VMTrace{root}}
}

// Hooks returns the *tracing.Hooks this tracer answers to.
func (t *VMTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: t.onOpcode,
		OnFault:  t.onFault,
		OnEnter:  t.onEnter,
		OnExit:   t.onExit,
		OnStorageChange: t.onStorageChange,
	}
}

// Drain returns the completed root VMTrace.
func (t *VMTracer) Drain() *VMTrace { return t.root }

func (t *VMTracer) current() *VMTrace { return t.stack[len(t.stack)-1] }

func (t *VMTracer) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, _ []byte, depth int, err error) {
	opcode := vm.OpCode(op)
	stack := newStackView(scope)

	if opcode == vm.SLOAD || opcode == vm.SSTORE {
		// Dedicated SLoad/SStore handling below (onStorageChange for
		// SSTORE's authoritative value; SLOAD records the loaded slot
		// here since the interpreter never fires a distinct event).
		if opcode == vm.SLOAD && stack.len() >= 1 {
			t.lastAccess = &StoreWrite{Key: *stack.peek(0)}
		}
	}

	stepOp := &VMOperation{
		PC:      pc,
		Cost:    cost,
		MemDiff: memWrittenFor(opcode, stack),
	}
	if sw := storeWrittenFor(opcode, stack); sw != nil {
		stepOp.StoreDiff = &StoreWrite{Key: *sw.Slot}
	}
	t.current().Ops = append(t.current().Ops, stepOp)
	t.pendingPush = pushCount(opcode)
	t.gas = gas

	if isCallLike(opcode) || isCreateLike(opcode) {
		sub := &VMTrace{}
		stepOp.Sub = sub
		t.stack = append(t.stack, sub)
		t.trapStack = append(t.trapStack, pendingTrap{pushed: t.pendingPush, depth: depth})
	}
}

func (t *VMTracer) onStorageChange(_ common.Address, slot common.Hash, _ common.Hash, newVal common.Hash) {
	sw := &StoreWrite{
		Key:   *new(uint256.Int).SetBytes(slot[:]),
		Value: *new(uint256.Int).SetBytes(newVal[:]),
	}
	t.lastAccess = sw
	if len(t.current().Ops) > 0 {
		t.current().Ops[len(t.current().Ops)-1].StoreDiff = sw
	}
}

func (t *VMTracer) onFault(_ uint64, _ byte, _, _ uint64, _ tracing.OpContext, depth int, _ error) {
	t.closeSubtraceIfOpen(depth)
}

func (t *VMTracer) onEnter(depth int, _ byte, _, _ common.Address, _ []byte, _ uint64, _ *big.Int) {
	// Nested-call bookkeeping for the VM stream rides entirely on the
	// OnOpcode CALL/CREATE detection above; OnEnter is consumed by the
	// action tracer instead.
}

func (t *VMTracer) onExit(depth int, _ []byte, gasUsed uint64, _ error, _ bool) {
	t.closeSubtraceIfOpen(depth)
	if len(t.stack) > 1 {
		t.stack = t.stack[:len(t.stack)-1]
	}
	_ = gasUsed
}

func (t *VMTracer) closeSubtraceIfOpen(depth int) {
	if len(t.trapStack) == 0 {
		return
	}
	top := t.trapStack[len(t.trapStack)-1]
	if top.depth == depth {
		t.trapStack = t.trapStack[:len(t.trapStack)-1]
	}
}

// pushCount returns the number of stack words opcode pushes, the same
// static table go-ethereum's jump table derives gas/stack validation
// from.
func pushCount(op vm.OpCode) int {
	switch {
	case op >= vm.PUSH1 && op <= vm.PUSH32:
		return 1
	case op >= vm.DUP1 && op <= vm.DUP16:
		return 1
	case op >= vm.SWAP1 && op <= vm.SWAP16:
		return 0
	}
	switch op {
	case vm.PUSH0, vm.TLOAD, vm.BLOBHASH, vm.BLOBBASEFEE, vm.ISZERO, vm.NOT:
		return 1
	case vm.ADD, vm.MUL, vm.SUB, vm.DIV, vm.SDIV, vm.MOD, vm.SMOD, vm.EXP, vm.ADDMOD, vm.MULMOD,
		vm.SIGNEXTEND, vm.LT, vm.GT, vm.SLT, vm.SGT, vm.EQ, vm.AND, vm.OR, vm.XOR, vm.BYTE, vm.SHL, vm.SHR, vm.SAR,
		vm.SHA3, vm.ADDRESS, vm.BALANCE, vm.ORIGIN, vm.CALLER, vm.CALLVALUE, vm.CALLDATALOAD, vm.CALLDATASIZE,
		vm.CODESIZE, vm.GASPRICE, vm.EXTCODESIZE, vm.EXTCODEHASH, vm.RETURNDATASIZE, vm.BLOCKHASH, vm.COINBASE,
		vm.TIMESTAMP, vm.NUMBER, vm.DIFFICULTY, vm.GASLIMIT, vm.CHAINID, vm.SELFBALANCE, vm.BASEFEE,
		vm.MLOAD, vm.SLOAD, vm.PC, vm.MSIZE, vm.GAS, vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2:
		return 1
	default:
		return 0
	}
}

func isCallLike(op vm.OpCode) bool {
	return op == vm.CALL || op == vm.CALLCODE || op == vm.DELEGATECALL || op == vm.STATICCALL
}

func isCreateLike(op vm.OpCode) bool {
	return op == vm.CREATE || op == vm.CREATE2
}
