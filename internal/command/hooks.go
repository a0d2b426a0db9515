package command

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/chainlabs/evmtracer/internal/evmstate"
	"github.com/chainlabs/evmtracer/internal/script"
)

// stepBudgetHooks returns an OnOpcode hook that increments *steps on
// every opcode and cancels the in-flight EVM when *steps reaches
// StepBudget, so no opcode past the budget runs; this is the mechanism go-ethereum's own RPC layer uses to enforce
// a tracing timeout (evm.Cancel from an external signal rather than a
// cooperative check inside the interpreter loop).
func stepBudgetHooks(steps *uint64, evmRef **vm.EVM) *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: func(_ uint64, _ byte, _, _ uint64, _ tracing.OpContext, _ []byte, _ int, _ error) {
			*steps++
			if *steps >= StepBudget && *evmRef != nil {
				(*evmRef).Cancel()
			}
		},
	}
}

// newScriptHooks adapts a compiled tracer Instance onto the event
// stream. It is nil-safe: with no instance, this returns nil and
// combine skips it entirely.
func newScriptHooks(inst *script.Instance, state *evmstate.Store) *tracing.Hooks {
	if inst == nil {
		return nil
	}
	db := newScriptDB(state)
	return &tracing.Hooks{
		OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, _ []byte, depth int, err error) {
			logCtx := scopeToLog(pc, op, gas, cost, depth, state.GetRefund(), scope)
			if err != nil {
				logCtx.Error = err.Error()
			}
			inst.CaptureState(logCtx, db)
		},
		OnFault: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
			logCtx := scopeToLog(pc, op, gas, cost, depth, state.GetRefund(), scope)
			inst.CaptureFault(logCtx, db, err)
		},
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			if depth == 0 {
				op := vm.OpCode(typ)
				inst.CaptureStart(from, to, op == vm.CREATE || op == vm.CREATE2, input, gas, value)
				return
			}
			inst.CaptureEnter(&script.Frame{
				Type:  vm.OpCode(typ).String(),
				From:  from,
				To:    to,
				Input: append([]byte(nil), input...),
				Gas:   gas,
				Value: value,
			})
		},
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, _ bool) {
			if depth == 0 {
				inst.CaptureEnd(output, gasUsed, err)
				return
			}
			errStr := ""
			if err != nil {
				errStr = err.Error()
			}
			inst.CaptureExit(&script.FrameResult{
				GasUsed: gasUsed,
				Output:  append([]byte(nil), output...),
				Error:   errStr,
			})
		},
	}
}

func scopeToLog(pc uint64, op byte, gas, cost uint64, depth int, refund uint64, scope tracing.OpContext) *script.LogContext {
	value := new(big.Int)
	if v := scope.CallValue(); v != nil {
		value = v.ToBig()
	}
	return &script.LogContext{
		PC:      pc,
		Opcode:  op,
		Gas:     gas,
		Cost:    cost,
		Depth:   depth,
		Refund:  refund,
		Stack:   append([]uint256.Int(nil), scope.StackData()...),
		Memory:  append([]byte(nil), scope.MemoryData()...),
		Caller:  scope.Caller(),
		Address: scope.Address(),
		Value:   value,
		Input:   append([]byte(nil), scope.CallInput()...),
	}
}

// scriptDB adapts an *evmstate.Store to the read-only subset of
// surface a tracer program's db.* bindings need.
type scriptDB struct {
	state *evmstate.Store
}

func newScriptDB(state *evmstate.Store) *scriptDB { return &scriptDB{state: state} }

func (d *scriptDB) GetBalance(addr common.Address) *uint256.Int { return d.state.GetBalance(addr) }
func (d *scriptDB) GetNonce(addr common.Address) uint64         { return d.state.GetNonce(addr) }
func (d *scriptDB) GetCode(addr common.Address) []byte          { return d.state.GetCode(addr) }
func (d *scriptDB) GetState(addr common.Address, slot common.Hash) common.Hash {
	return d.state.GetState(addr, slot)
}
func (d *scriptDB) Exists(addr common.Address) bool { return d.state.Exist(addr) }

var _ script.DBContext = (*scriptDB)(nil)
