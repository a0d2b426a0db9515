// Package command implements the five top-level operations of the
// service: replay a transaction,
// replay a whole slot, filter transactions, and run the EVM directly
// over a materialized state (trace_call/trace_raw). It is the only
// package that wires internal/replay, internal/evmstate, internal/tracer
// and internal/script together.
package command

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/evmstate"
	"github.com/chainlabs/evmtracer/internal/provider"
	"github.com/chainlabs/evmtracer/internal/script"
	"github.com/chainlabs/evmtracer/internal/tracer"
	"github.com/chainlabs/evmtracer/log"
)

// GasLimitDefault is used whenever a caller does not supply a gas
// limit. Wire protocols cap safely-representable gas at 53 bits, so
// this is well below u64::MAX rather than equal to it.
const GasLimitDefault = 50_000_000

// StepBudget bounds interpreter steps per top-level call. Exhaustion is
// a tuning parameter, not a correctness boundary, and is reported to
// the caller as an error rather than silently truncating the trace.
const StepBudget = 100_000

// CallRequest is the normalized input to TraceCall, shared by both the
// trace_call and trace_raw entry points.
type CallRequest struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	Gas   *uint64
}

// TracedCall is the assembled result of executing one EVM call: the
// opcode-level trace, the flattened action trace, any JS-tracer result,
// and the gas/outcome summary every RPC response shape is derived from.
type TracedCall struct {
	VMTrace     *tracer.VMTrace
	ActionTrace []*tracer.FlatTrace
	ScriptTrace []byte // json.RawMessage from the optional tracer program
	StateDiff   map[common.Address]*tracer.AccountDiff

	DeployedContract *common.Address // set only for a successful creation
	ReturnValue      []byte
	UsedGas          uint64
	Failed           bool
	Error            string
}

var pkgLog = log.Default().Module("command")

// CommandTraceCall executes one EVM call against provider's state as of
// slot, optionally driven by a user-supplied tracer program, grounding
// gas handling and the step budget exactly as specified: default gas of
// GasLimitDefault, a hard StepBudget, and used_gas reported as the
// interpreter's own accounting plus one.
func CommandTraceCall(ctx context.Context, p provider.Provider, req CallRequest, slot uint64, scriptSrc *string) (*TracedCall, error) {
	blockTime, err := p.BlockTime(ctx, slot)
	if err != nil {
		return nil, errs.Store(err, "command: resolve block time")
	}
	pkgLog.Debug("trace_call", "to", toHexOrEmpty(req.To), "slot", slot)
	state := evmstate.New(ctx, p, slot, blockTime)

	gas := uint64(GasLimitDefault)
	if req.Gas != nil {
		gas = *req.Gas
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	valueU256, overflow := uint256.FromBig(value)
	if overflow {
		return nil, errs.Decode("command: value overflows 256 bits")
	}

	traceCode := req.Data
	if req.To != nil {
		traceCode = state.GetCode(*req.To)
	}
	vmTracer := tracer.NewVMTracer(traceCode)
	actionTracer := tracer.NewActionTracer()
	stateDiffTracer := tracer.NewStateDiffTracer()

	var scriptInst *script.Instance
	if scriptSrc != nil {
		bridge, berr := script.NewBridge(*scriptSrc)
		if berr != nil {
			return nil, berr
		}
		scriptInst, err = bridge.NewInstance()
		if err != nil {
			return nil, err
		}
	}
	scriptHooks := newScriptHooks(scriptInst, state)

	var evmRef *vm.EVM
	steps := uint64(0)
	budgetHooks := stepBudgetHooks(&steps, &evmRef)

	hooks := tracer.Combine(vmTracer.Hooks(), actionTracer.Hooks(), stateDiffTracer.Hooks(), scriptHooks, budgetHooks)
	// Store implements vm.StateDB directly rather than going through
	// go-ethereum's own core/state, so it must fire the mutation-side
	// hooks (OnBalanceChange/OnNonceChange/OnCodeChange/OnStorageChange)
	// itself; wiring the same combined hooks here keeps state-mutation
	// events and opcode-level events on one stream.
	state.SetHooks(hooks)

	blockCtx := vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
			db.SubBalance(sender, amount, 0)
			db.AddBalance(recipient, amount, 0)
		},
		GetHash: func(uint64) common.Hash {
			// Historical replay never needs BLOCKHASH fidelity beyond
			// "some stable value"; the host ledger's block hash space
			// is not the EVM's, so this returns the zero hash rather
			// than fabricating one.
			return common.Hash{}
		},
		Coinbase:    common.Address{},
		GasLimit:    gas,
		BlockNumber: new(big.Int).SetUint64(slot),
		Time:        uint64(blockTime),
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int),
	}

	evm := vm.NewEVM(blockCtx, state, chainConfig(), vm.Config{Tracer: hooks})
	evmRef = evm
	evm.SetTxContext(vm.TxContext{Origin: req.From, GasPrice: new(big.Int)})

	sender := vm.AccountRef(req.From)

	result := &TracedCall{}
	var (
		ret          []byte
		leftOverGas  uint64
		vmErr        error
		contractAddr common.Address
	)
	if req.To == nil {
		ret, contractAddr, leftOverGas, vmErr = evm.Create(sender, req.Data, gas, valueU256)
		if vmErr == nil {
			addr := contractAddr
			result.DeployedContract = &addr
		}
	} else {
		ret, leftOverGas, vmErr = evm.Call(sender, *req.To, req.Data, gas, valueU256)
	}

	if steps >= StepBudget {
		return nil, errs.StepBudget(StepBudget)
	}

	result.ReturnValue = ret
	result.UsedGas = (gas - leftOverGas) + 1 // interpreter-reported used plus one, per the documented compensation.
	if vmErr != nil {
		result.Failed = true
		result.Error = vmErr.Error()
	}
	result.VMTrace = vmTracer.Drain()
	result.ActionTrace = actionTracer.Drain()
	result.StateDiff = stateDiffTracer.Drain()

	if scriptInst != nil {
		raw, err := scriptInst.GetResult(map[string]any{
			"type":    callTypeLabel(req.To == nil),
			"from":    req.From.Hex(),
			"to":      toHexOrEmpty(req.To),
			"value":   value.String(),
			"gas":     gas,
			"gasUsed": result.UsedGas,
			"input":   req.Data,
			"output":  ret,
		}, newScriptDB(state))
		if err != nil {
			return nil, err
		}
		result.ScriptTrace = raw
	}

	return result, nil
}

func toHexOrEmpty(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}

func callTypeLabel(isCreate bool) string {
	if isCreate {
		return "CREATE"
	}
	return "CALL"
}

// chainConfig returns the fork schedule every EVM execution runs
// under. Historical replay has no fork-activation concept of its own
// (the host ledger is not Ethereum), so every block-numbered fork up to
// Gray Glacier is active from genesis; the timestamp-scheduled forks
// (Shanghai onward) are not enabled by this config. This matches how go-ethereum's own trace APIs configure ad hoc
// EVM runs over arbitrary state.
func chainConfig() *params.ChainConfig {
	return params.AllEthashProtocolChanges
}
