package tracer

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
)

// ActionType distinguishes the three leaf shapes a FlatTrace can carry.
type ActionType int

const (
	ActionCall ActionType = iota
	ActionCreate
	ActionSuicide
)

// FlatTrace is one drained call-tree node in OpenEthereum's
// trace_{block,transaction,call} shape: a flattened, pre-order walk of
// the nested-call tree with each node's path recorded as TraceAddress.
type FlatTrace struct {
	Type         ActionType
	TraceAddress []int
	Subtraces    int

	From      common.Address
	To        common.Address
	Value     *big.Int
	Gas       uint64
	Input     []byte
	CallType  string // "call" | "callcode" | "delegatecall" | "staticcall"

	Init []byte // Create only
	Addr common.Address

	RefundAddress common.Address // Suicide only
	Balance       *big.Int       // Suicide only

	GasUsed uint64
	Output  []byte
	Error   string
	Failed  bool
}

type openAction struct {
	trace     *FlatTrace
	children  int
	childPath []int
}

// ActionTracer builds the OpenEthereum-style flattened call tree from
// the transaction event stream (TransactCall/Call/Create/Suicide/Exit).
type ActionTracer struct {
	stack      []*openAction
	drained    []*FlatTrace
	returnValue []byte
	lastType   ActionType
}

// NewActionTracer constructs an empty tracer for one top-level call.
func NewActionTracer() *ActionTracer { return &ActionTracer{} }

// Hooks returns the *tracing.Hooks this tracer answers to. OnEnter maps
// onto Call/Create-like entry (depth 0 is the transaction root, handled
// the same way as a nested call since go-ethereum does not distinguish
// TransactCall from Call at the hook level).
func (t *ActionTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: t.onEnter,
		OnExit:  t.onExit,
	}
}

func (t *ActionTracer) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	callType := vm.OpCode(typ)
	ft := &FlatTrace{From: from, Gas: gas, Input: append([]byte(nil), input...)}
	if value == nil {
		value = new(big.Int)
	}
	ft.Value = new(big.Int).Set(value)

	switch callType {
	case vm.CREATE, vm.CREATE2:
		ft.Type = ActionCreate
		ft.Init = ft.Input
		ft.Input = nil
	default:
		ft.Type = ActionCall
		ft.To = to
		ft.CallType = callTypeName(callType)
	}

	trace := &openAction{trace: ft}
	if len(t.stack) > 0 {
		parent := t.stack[len(t.stack)-1]
		ft.TraceAddress = append(append([]int(nil), parent.childPath...), parent.children)
		parent.children++
	} else {
		ft.TraceAddress = nil
	}
	trace.childPath = ft.TraceAddress
	t.stack = append(t.stack, trace)
}

func (t *ActionTracer) onExit(_ int, output []byte, gasUsed uint64, err error, reverted bool) {
	if len(t.stack) == 0 {
		return
	}
	top := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]

	top.trace.Subtraces = top.children
	top.trace.GasUsed = gasUsed
	if err != nil || reverted {
		top.trace.Failed = true
		if err != nil {
			top.trace.Error = err.Error()
		} else {
			top.trace.Error = "execution reverted"
		}
	} else {
		top.trace.Output = append([]byte(nil), output...)
	}
	t.lastType = top.trace.Type
	t.returnValue = output // overwritten so the outermost value wins
	t.drained = append(t.drained, top.trace)
}

// Suicide records a suicide leaf under the currently open frame.
func (t *ActionTracer) Suicide(addr common.Address, balance *big.Int, refundTo common.Address) {
	ft := &FlatTrace{
		Type:          ActionSuicide,
		From:          addr,
		RefundAddress: refundTo,
		Balance:       new(big.Int).Set(balance),
	}
	if len(t.stack) > 0 {
		parent := t.stack[len(t.stack)-1]
		ft.TraceAddress = append(append([]int(nil), parent.childPath...), parent.children)
		parent.children++
	}
	t.drained = append(t.drained, ft)
}

// ReturnValue is the outermost call's return value, set by the last
// Exit seen.
func (t *ActionTracer) ReturnValue() []byte { return t.returnValue }

// Drain returns the flattened call tree in pre-order, with
// TraceAddress paths already computed, and resets the tracer. Frames
// complete (and are appended) on Exit, which is post-order relative to
// entry, so this sorts by TraceAddress to recover entry order.
func (t *ActionTracer) Drain() []*FlatTrace {
	out := t.drained
	t.drained = nil
	sort.SliceStable(out, func(i, j int) bool {
		return lessTraceAddress(out[i].TraceAddress, out[j].TraceAddress)
	})
	return out
}

func lessTraceAddress(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func callTypeName(op vm.OpCode) string {
	switch op {
	case vm.CALL:
		return "call"
	case vm.CALLCODE:
		return "callcode"
	case vm.DELEGATECALL:
		return "delegatecall"
	case vm.STATICCALL:
		return "staticcall"
	default:
		return "call"
	}
}
