// Package script embeds a JavaScript interpreter so that users can
// supply Geth-compatible tracer objects ({step, fault, result, enter?,
// exit?}) evaluated against the same event stream internal/tracer
// derives from the EVM interpreter. This mirrors go-ethereum's own
// native JS tracer embedding for debug_traceTransaction's `tracer`
// parameter.
package script

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/dop251/goja"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainlabs/evmtracer/internal/errs"
)

// Bridge compiles a user-authored tracer program once and can spawn
// independent Instance values for each call it traces.
type Bridge struct {
	runtime *goja.Runtime
	program *goja.Program
}

// NewBridge parses source as a JavaScript expression constructing a
// tracer object, installing the shared global bindings (toHex, toWord,
// toAddress, toContract, isPrecompiled, slice).
func NewBridge(source string) (*Bridge, error) {
	vm := goja.New()
	if err := installGlobals(vm); err != nil {
		return nil, errs.Script(err, "script: install globals")
	}
	prog, err := goja.Compile("tracer.js", "("+source+")", true)
	if err != nil {
		return nil, errs.Script(err, "script: compile tracer source")
	}
	return &Bridge{runtime: vm, program: prog}, nil
}

// Instance is one running evaluation of the compiled tracer object,
// bound to a single call's event stream.
type Instance struct {
	runtime *goja.Runtime
	obj     *goja.Object
	hasStep bool
	hasEnterExit bool
	fault   error
}

// NewInstance evaluates the compiled program, producing a fresh tracer
// object. step is optional; enter and exit must be both present or
// both absent, per the documented contract.
func (b *Bridge) NewInstance() (*Instance, error) {
	v, err := b.runtime.RunProgram(b.program)
	if err != nil {
		return nil, errs.Script(err, "script: evaluate tracer object")
	}
	obj := v.ToObject(b.runtime)
	if obj == nil {
		return nil, errs.Script(nil, "script: tracer source did not produce an object")
	}
	hasEnter := isCallable(obj.Get("enter"))
	hasExit := isCallable(obj.Get("exit"))
	if hasEnter != hasExit {
		return nil, errs.Script(nil, "script: enter and exit must both be present or both absent")
	}
	if !isCallable(obj.Get("result")) {
		return nil, errs.Script(nil, "script: tracer object must define result(ctx, db)")
	}
	return &Instance{
		runtime:      b.runtime,
		obj:          obj,
		hasStep:      isCallable(obj.Get("step")),
		hasEnterExit: hasEnter,
	}, nil
}

func isCallable(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	_, ok := goja.AssertFunction(v)
	return ok
}

// CaptureStart is invoked once at the root call, before any opcode.
// The tracer contract has no dedicated captureStart callback; this
// exists for symmetry with Geth's native tracer lifecycle and is a
// no-op unless the tracer object defines one.
func (inst *Instance) CaptureStart(from, to common.Address, create bool, input []byte, gas uint64, value *big.Int) {
	fn := inst.obj.Get("captureStart")
	if !isCallable(fn) {
		return
	}
	callFn, _ := goja.AssertFunction(fn)
	_, _ = callFn(inst.obj, inst.runtime.ToValue(from.Hex()), inst.runtime.ToValue(to.Hex()),
		inst.runtime.ToValue(create), inst.runtime.ToValue(hex.EncodeToString(input)),
		inst.runtime.ToValue(gas), inst.runtime.ToValue(value.String()))
}

// CaptureState is invoked at every opcode, if step is defined.
func (inst *Instance) CaptureState(log *LogContext, db DBContext) {
	if !inst.hasStep {
		return
	}
	fn, _ := goja.AssertFunction(inst.obj.Get("step"))
	logObj := newLogObject(inst.runtime, log)
	dbObj := newDBObject(inst.runtime, db)
	if _, err := fn(inst.obj, logObj, dbObj); err != nil {
		inst.fault = errs.Script(err, "script: step callback")
	}
}

// CaptureFault is invoked on interpreter error.
func (inst *Instance) CaptureFault(log *LogContext, db DBContext, faultErr error) {
	fn := inst.obj.Get("fault")
	if !isCallable(fn) {
		return
	}
	callFn, _ := goja.AssertFunction(fn)
	log.Error = faultErr.Error()
	logObj := newLogObject(inst.runtime, log)
	dbObj := newDBObject(inst.runtime, db)
	if _, err := callFn(inst.obj, logObj, dbObj); err != nil {
		inst.fault = errs.Script(err, "script: fault callback")
	}
}

// CaptureEnter is invoked around nested calls, if enter/exit are both
// defined.
func (inst *Instance) CaptureEnter(frame *Frame) {
	if !inst.hasEnterExit {
		return
	}
	fn, _ := goja.AssertFunction(inst.obj.Get("enter"))
	if _, err := fn(inst.obj, newFrameObject(inst.runtime, frame)); err != nil {
		inst.fault = errs.Script(err, "script: enter callback")
	}
}

// CaptureExit is invoked when a nested call returns, if enter/exit are
// both defined.
func (inst *Instance) CaptureExit(res *FrameResult) {
	if !inst.hasEnterExit {
		return
	}
	fn, _ := goja.AssertFunction(inst.obj.Get("exit"))
	if _, err := fn(inst.obj, newFrameResultObject(inst.runtime, res)); err != nil {
		inst.fault = errs.Script(err, "script: exit callback")
	}
}

// CaptureEnd is invoked once at conclusion.
func (inst *Instance) CaptureEnd(output []byte, gasUsed uint64, captureErr error) {
	fn := inst.obj.Get("end")
	if !isCallable(fn) {
		return
	}
	callFn, _ := goja.AssertFunction(fn)
	errStr := ""
	if captureErr != nil {
		errStr = captureErr.Error()
	}
	_, _ = callFn(inst.obj, inst.runtime.ToValue(hex.EncodeToString(output)), inst.runtime.ToValue(gasUsed), inst.runtime.ToValue(errStr))
}

// GetResult calls result(ctx, db) and parses its return value as JSON,
// the terminal step of every trace invocation.
func (inst *Instance) GetResult(ctxObj map[string]any, db DBContext) (json.RawMessage, error) {
	if inst.fault != nil {
		return nil, inst.fault
	}
	fn, _ := goja.AssertFunction(inst.obj.Get("result"))
	ctxVal := inst.runtime.ToValue(ctxObj)
	dbObj := newDBObject(inst.runtime, db)
	ret, err := fn(inst.obj, ctxVal, dbObj)
	if err != nil {
		return nil, errs.Script(err, "script: result callback")
	}
	exported := ret.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, errs.Script(err, "script: marshal result")
	}
	return raw, nil
}

// isPrecompiled reports whether addr is one of the standard Ethereum
// precompile addresses (0x01-0x09), the same range go-ethereum's
// vm.PrecompiledContractsBerlin etc. register.
func isPrecompiled(addr common.Address) bool {
	if addr[19] == 0 || addr[19] > 9 {
		return false
	}
	for _, b := range addr[:19] {
		if b != 0 {
			return false
		}
	}
	return true
}

func installGlobals(rt *goja.Runtime) error {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) error {
		return rt.Set(name, fn)
	}
	if err := must("toHex", func(call goja.FunctionCall) goja.Value {
		b := toBytesArg(rt, call.Argument(0))
		return rt.ToValue("0x" + hex.EncodeToString(b))
	}); err != nil {
		return err
	}
	if err := must("toWord", func(call goja.FunctionCall) goja.Value {
		b := toBytesArg(rt, call.Argument(0))
		var word common.Hash
		copy(word[32-len(b):], b)
		return rt.ToValue(word.Bytes())
	}); err != nil {
		return err
	}
	if err := must("toAddress", func(call goja.FunctionCall) goja.Value {
		b := toBytesArg(rt, call.Argument(0))
		var addr common.Address
		if len(b) >= 20 {
			copy(addr[:], b[len(b)-20:])
		} else {
			copy(addr[20-len(b):], b)
		}
		return rt.ToValue(addr.Bytes())
	}); err != nil {
		return err
	}
	if err := must("toContract", func(call goja.FunctionCall) goja.Value {
		from := common.BytesToAddress(toBytesArg(rt, call.Argument(0)))
		nonce := call.Argument(1).ToInteger()
		addr := crypto.CreateAddress(from, uint64(nonce))
		return rt.ToValue(addr.Bytes())
	}); err != nil {
		return err
	}
	if err := must("isPrecompiled", func(call goja.FunctionCall) goja.Value {
		addr := common.BytesToAddress(toBytesArg(rt, call.Argument(0)))
		return rt.ToValue(isPrecompiled(addr))
	}); err != nil {
		return err
	}
	if err := must("slice", func(call goja.FunctionCall) goja.Value {
		b := toBytesArg(rt, call.Argument(0))
		start := int(call.Argument(1).ToInteger())
		end := int(call.Argument(2).ToInteger())
		if start < 0 || end > len(b) || start > end {
			panic(rt.NewTypeError(fmt.Sprintf("slice(%d,%d) out of range for length %d", start, end, len(b))))
		}
		return rt.ToValue(append([]byte(nil), b[start:end]...))
	}); err != nil {
		return err
	}
	return nil
}

func toBytesArg(rt *goja.Runtime, v goja.Value) []byte {
	if b, ok := v.Export().([]byte); ok {
		return b
	}
	s := v.String()
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
