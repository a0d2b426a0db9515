package tracer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// fakeOpContext is the minimal tracing.OpContext stub the VMTracer
// reads stack/memory state through.
type fakeOpContext struct {
	stack  []uint256.Int
	memory []byte
}

func (f *fakeOpContext) MemoryData() []byte         { return f.memory }
func (f *fakeOpContext) StackData() []uint256.Int   { return f.stack }
func (f *fakeOpContext) Caller() common.Address     { return common.Address{} }
func (f *fakeOpContext) Address() common.Address    { return common.Address{} }
func (f *fakeOpContext) CallValue() *uint256.Int    { return uint256.NewInt(0) }
func (f *fakeOpContext) CallInput() []byte          { return nil }
func (f *fakeOpContext) ContractCode() []byte       { return nil }

var _ tracing.OpContext = (*fakeOpContext)(nil)

func TestVMTracerRecordsSStoreValueFromStorageChangeHook(t *testing.T) {
	vt := NewVMTracer([]byte{byte(vm.SSTORE)})
	hooks := vt.Hooks()

	slot := uint256.NewInt(7)
	scope := &fakeOpContext{stack: []uint256.Int{*uint256.NewInt(99), *slot}} // top of stack is slot per peek(0)
	hooks.OnOpcode(0, byte(vm.SSTORE), 100, 3, scope, nil, 0, nil)
	hooks.OnStorageChange(common.Address{}, common.Hash(slot.Bytes32()), common.Hash{}, common.HexToHash("0x63"))

	trace := vt.Drain()
	if len(trace.Ops) != 1 {
		t.Fatalf("expected 1 recorded op, got %d", len(trace.Ops))
	}
	op := trace.Ops[0]
	if op.StoreDiff == nil {
		t.Fatalf("expected a recorded store write")
	}
	if op.StoreDiff.Value.Cmp(uint256.NewInt(0x63)) != 0 {
		t.Fatalf("expected stored value 0x63, got %s", op.StoreDiff.Value.Hex())
	}
}

func TestVMTracerOpensAndClosesNestedSubtraceOnCallLikeOpcode(t *testing.T) {
	vt := NewVMTracer([]byte{byte(vm.CALL)})
	hooks := vt.Hooks()

	stack := make([]uint256.Int, 7)
	scope := &fakeOpContext{stack: stack}
	hooks.OnOpcode(0, byte(vm.CALL), 1000, 100, scope, nil, 0, nil)
	hooks.OnEnter(1, byte(vm.CALL), common.Address{}, common.Address{}, nil, 900, nil)
	hooks.OnExit(1, nil, 50, nil, false)

	trace := vt.Drain()
	if len(trace.Ops) != 1 {
		t.Fatalf("expected 1 op at the root, got %d", len(trace.Ops))
	}
	if trace.Ops[0].Sub == nil {
		t.Fatalf("expected a nested VMTrace opened for the CALL opcode")
	}
	if len(vt.stack) != 1 {
		t.Fatalf("expected the nested VMTrace to be closed after OnExit, got %d open traces", len(vt.stack))
	}
}
