package script

import (
	"math/big"

	"github.com/dop251/goja"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// LogContext is the per-opcode snapshot passed to step/fault as `log`.
type LogContext struct {
	PC      uint64
	Opcode  byte
	Gas     uint64
	Cost    uint64
	Depth   int
	Refund  uint64
	Error   string
	Stack   []uint256.Int // index 0 is the bottom, matching go-ethereum's ScopeContext.Stack
	Memory  []byte
	Caller  common.Address
	Address common.Address
	Value   *big.Int
	Input   []byte
}

// DBContext answers log.db's account queries against the live
// evmstate.Store for the call being traced.
type DBContext interface {
	GetBalance(addr common.Address) *uint256.Int
	GetNonce(addr common.Address) uint64
	GetCode(addr common.Address) []byte
	GetState(addr common.Address, slot common.Hash) common.Hash
	Exists(addr common.Address) bool
}

// Frame is the nested-call snapshot passed to enter(frame).
type Frame struct {
	Type  string
	From  common.Address
	To    common.Address
	Input []byte
	Gas   uint64
	Value *big.Int
}

// FrameResult is the nested-call outcome passed to exit(frameResult).
type FrameResult struct {
	GasUsed uint64
	Output  []byte
	Error   string
}

func newLogObject(rt *goja.Runtime, l *LogContext) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("getPC", func() int64 { return int64(l.PC) })
	_ = obj.Set("getGas", func() int64 { return int64(l.Gas) })
	_ = obj.Set("getCost", func() int64 { return int64(l.Cost) })
	_ = obj.Set("getDepth", func() int64 { return int64(l.Depth) })
	_ = obj.Set("getRefund", func() int64 { return int64(l.Refund) })
	_ = obj.Set("getError", func() string { return l.Error })

	op := rt.NewObject()
	_ = op.Set("toNumber", func() int64 { return int64(l.Opcode) })
	_ = op.Set("toString", func() string { return vm.OpCode(l.Opcode).String() })
	_ = op.Set("isPush", func() bool {
		oc := vm.OpCode(l.Opcode)
		return oc >= vm.PUSH1 && oc <= vm.PUSH32
	})
	_ = obj.Set("op", op)

	stack := rt.NewObject()
	_ = stack.Set("length", func() int { return len(l.Stack) })
	_ = stack.Set("peek", func(idx int) string {
		// top-of-stack at index 0, per the documented contract.
		pos := len(l.Stack) - 1 - idx
		if pos < 0 || pos >= len(l.Stack) {
			return "0"
		}
		return l.Stack[pos].Dec()
	})
	_ = obj.Set("stack", stack)

	memory := rt.NewObject()
	_ = memory.Set("slice", func(begin, end int) []byte {
		if begin < 0 || end > len(l.Memory) || begin > end {
			return nil
		}
		return append([]byte(nil), l.Memory[begin:end]...)
	})
	_ = memory.Set("getUint", func(offset int) string {
		if offset < 0 || offset+32 > len(l.Memory) {
			return "0"
		}
		return new(uint256.Int).SetBytes(l.Memory[offset : offset+32]).Dec()
	})
	_ = obj.Set("memory", memory)

	contract := rt.NewObject()
	_ = contract.Set("getCaller", func() []byte { return l.Caller.Bytes() })
	_ = contract.Set("getAddress", func() []byte { return l.Address.Bytes() })
	_ = contract.Set("getValue", func() string {
		if l.Value == nil {
			return "0"
		}
		return l.Value.String()
	})
	_ = contract.Set("getInput", func() []byte { return l.Input })
	_ = obj.Set("contract", contract)

	return obj
}

func newDBObject(rt *goja.Runtime, db DBContext) *goja.Object {
	obj := rt.NewObject()
	if db == nil {
		return obj
	}
	_ = obj.Set("getBalance", func(addr []byte) string {
		return db.GetBalance(common.BytesToAddress(addr)).Dec()
	})
	_ = obj.Set("getNonce", func(addr []byte) int64 {
		return int64(db.GetNonce(common.BytesToAddress(addr)))
	})
	_ = obj.Set("getCode", func(addr []byte) []byte {
		return db.GetCode(common.BytesToAddress(addr))
	})
	_ = obj.Set("getState", func(addr, slot []byte) []byte {
		h := db.GetState(common.BytesToAddress(addr), common.BytesToHash(slot))
		return h.Bytes()
	})
	_ = obj.Set("exists", func(addr []byte) bool {
		return db.Exists(common.BytesToAddress(addr))
	})
	return obj
}

func newFrameObject(rt *goja.Runtime, f *Frame) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("getType", func() string { return f.Type })
	_ = obj.Set("getFrom", func() []byte { return f.From.Bytes() })
	_ = obj.Set("getTo", func() []byte { return f.To.Bytes() })
	_ = obj.Set("getInput", func() []byte { return f.Input })
	_ = obj.Set("getGas", func() int64 { return int64(f.Gas) })
	_ = obj.Set("getValue", func() string {
		if f.Value == nil {
			return "0"
		}
		return f.Value.String()
	})
	return obj
}

func newFrameResultObject(rt *goja.Runtime, r *FrameResult) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("getGasUsed", func() int64 { return int64(r.GasUsed) })
	_ = obj.Set("getOutput", func() []byte { return r.Output })
	_ = obj.Set("getError", func() string { return r.Error })
	return obj
}
