package command

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/evmstate"
	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/provider"
)

// EthereumAccount/ContractCode discriminant tags, mirroring
// internal/evmstate/account.go's unexported constants of the same name
// (tagEthereumAccount, tagContractCode): a test in a different package
// can't reach those directly, so the wire layout is reproduced here
// from the same host-account encoding account.go documents.
const (
	testTagEthereumAccount = byte(1)
	testTagContractCode    = byte(2)
)

func ethereumAccountData(balance uint64, nonce uint64, codeKey *hostchain.PubKey) []byte {
	out := make([]byte, 0, 1+32+8+32)
	out = append(out, testTagEthereumAccount)
	bal := uint256.NewInt(balance).Bytes32()
	out = append(out, bal[:]...)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	out = append(out, nonceBuf[:]...)
	if codeKey != nil {
		out = append(out, codeKey[:]...)
	}
	return out
}

func contractCodeData(code []byte) []byte {
	return append([]byte{testTagContractCode}, code...)
}

// seedContract seeds accounts with a funded EVM account whose code lives
// at a second, linked ContractCode account, the same two-account layout
// Store.hydrate/parseEthereumAccount expects.
func seedContract(accounts map[hostchain.PubKey]*hostchain.Account, loaderKey hostchain.PubKey, addr common.Address, balance, nonce uint64, code []byte) {
	hostKey := evmstate.DeriveHostKey(addr, loaderKey)
	var codeKey hostchain.PubKey
	codeKey[0] = 0xc0
	codeKey[1] = 0xde
	copy(codeKey[2:], addr[:])
	accounts[hostKey] = &hostchain.Account{Owner: loaderKey, Data: ethereumAccountData(balance, nonce, &codeKey)}
	accounts[codeKey] = &hostchain.Account{Owner: loaderKey, Data: contractCodeData(code)}
}

// seedAccount seeds a funded EOA with no code.
func seedAccount(accounts map[hostchain.PubKey]*hostchain.Account, loaderKey hostchain.PubKey, addr common.Address, balance, nonce uint64) {
	hostKey := evmstate.DeriveHostKey(addr, loaderKey)
	accounts[hostKey] = &hostchain.Account{Owner: loaderKey, Data: ethereumAccountData(balance, nonce, nil)}
}

func testLoaderKey() hostchain.PubKey {
	var k hostchain.PubKey
	k[0] = 0xee
	return k
}

func newTestProvider(accounts map[hostchain.PubKey]*hostchain.Account, slot uint64, blockTime int64) provider.Provider {
	return provider.NewMapProvider(accounts, slot, blockTime, testLoaderKey())
}

func mustAddr(hex string) common.Address { return common.HexToAddress(hex) }

// Scenario: a plain value transfer between two EOAs, one funded.
func TestCommandTraceCall_SimpleTransfer(t *testing.T) {
	from := mustAddr("0x111111111111111111111111111111111111aa")
	to := mustAddr("0x222222222222222222222222222222222222bb")

	accounts := map[hostchain.PubKey]*hostchain.Account{}
	seedAccount(accounts, testLoaderKey(), from, 1_000_000, 0)

	p := newTestProvider(accounts, 1, 0)
	gas := uint64(100000)
	req := CallRequest{From: from, To: &to, Value: big.NewInt(500), Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected a successful transfer, got error %q", result.Error)
	}
	diff, ok := result.StateDiff[to]
	if !ok || diff.Balance == nil {
		t.Fatalf("expected a balance diff for the recipient, got %+v", result.StateDiff)
	}
	if diff.Balance.To.(*big.Int).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected recipient balance 500, got %v", diff.Balance.To)
	}
	fromDiff, ok := result.StateDiff[from]
	if !ok || fromDiff.Balance == nil {
		t.Fatalf("expected a balance diff for the sender")
	}
	if fromDiff.Balance.To.(*big.Int).Cmp(big.NewInt(999500)) != 0 {
		t.Fatalf("expected sender balance 999500, got %v", fromDiff.Balance.To)
	}
}

// Scenario: a CREATE whose init code does SSTORE(0, 0x2a) then
// SLOAD(0) and returns the loaded word, the classic store/load sanity
// check for an EVM harness.
func TestCommandTraceCall_SstoreSload(t *testing.T) {
	initCode := []byte{
		0x60, 0x2a, // PUSH1 0x2a
		0x60, 0x00, // PUSH1 0x00
		0x55,       // SSTORE
		0x60, 0x00, // PUSH1 0x00
		0x54,       // SLOAD
		0x60, 0x00, // PUSH1 0x00
		0x52,       // MSTORE
		0x60, 0x20, // PUSH1 0x20
		0x60, 0x00, // PUSH1 0x00
		0xf3, // RETURN
	}
	from := mustAddr("0x333333333333333333333333333333333333cc")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(200000)
	req := CallRequest{From: from, Data: initCode, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if result.DeployedContract == nil {
		t.Fatalf("expected a deployed contract address")
	}
	want := common.LeftPadBytes([]byte{0x2a}, 32)
	if string(result.ReturnValue) != string(want) {
		t.Fatalf("expected return value 0x2a left-padded to 32 bytes, got %x", result.ReturnValue)
	}
}

// Scenario: a CREATE whose init code immediately reverts.
func TestCommandTraceCall_Revert(t *testing.T) {
	initCode := []byte{0x60, 0x00, 0x60, 0x00, 0xfd} // PUSH1 0 PUSH1 0 REVERT
	from := mustAddr("0x444444444444444444444444444444444444dd")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(100000)
	req := CallRequest{From: from, Data: initCode, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Failed {
		t.Fatalf("expected the revert to surface as Failed")
	}
	if result.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if result.DeployedContract != nil {
		t.Fatalf("expected no deployed contract after a reverted create")
	}
}

// Boundary: calling an address with no code and no data must succeed
// trivially (go-ethereum's equivalent of Succeed(Stopped)): no opcodes
// run, no error, and the call consumes no execution gas beyond the
// intrinsic accounting already applied by the caller.
func TestCommandTraceCall_EmptyCallSucceeds(t *testing.T) {
	from := mustAddr("0x555555555555555555555555555555555555ee")
	to := mustAddr("0x666666666666666666666666666666666666ff")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(21000)
	req := CallRequest{From: from, To: &to, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected an empty call to a codeless address to succeed, got %q", result.Error)
	}
	if len(result.ReturnValue) != 0 {
		t.Fatalf("expected no return value, got %x", result.ReturnValue)
	}
	if len(result.VMTrace.Ops) != 0 {
		t.Fatalf("expected no opcodes to have run, got %d", len(result.VMTrace.Ops))
	}
}

// Boundary: a contract self-destructing to its own address must show up
// in the state diff as Died, with no separate balance delta for it.
func TestCommandTraceCall_SuicideToSelfZeroDelta(t *testing.T) {
	code := []byte{0x30, 0xff} // ADDRESS; SELFDESTRUCT
	contract := mustAddr("0x777777777777777777777777777777777777aa")
	caller := mustAddr("0x888888888888888888888888888888888888bb")

	accounts := map[hostchain.PubKey]*hostchain.Account{}
	seedContract(accounts, testLoaderKey(), contract, 10_000, 0, code)

	p := newTestProvider(accounts, 1, 0)
	gas := uint64(100000)
	req := CallRequest{From: caller, To: &contract, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected selfdestruct-to-self to succeed, got %q", result.Error)
	}
	diff, ok := result.StateDiff[contract]
	if !ok {
		t.Fatalf("expected a state diff entry for the self-destructed contract")
	}
	if !diff.Died {
		t.Fatalf("expected the self-destructed contract to be marked Died, got %+v", diff)
	}
}

// Scenario: CREATE2 to the same salt and init code twice within one
// call must leave the second attempt's result address zeroed (go-
// ethereum's ErrContractAddressCollision path, which fails the create
// without reverting the caller).
func TestCommandTraceCall_Create2CollisionZeroesSecondAddress(t *testing.T) {
	// PUSH32 <init code word: RETURN(0,0) right-padded with zeros to 32 bytes>
	// PUSH1 0; MSTORE
	// PUSH1 salt; PUSH1 size(5); PUSH1 offset(0); PUSH1 value(0); CREATE2
	// POP
	// PUSH1 salt; PUSH1 size(5); PUSH1 offset(0); PUSH1 value(0); CREATE2 (collides)
	// PUSH1 32; MSTORE
	// PUSH1 32; PUSH1 32; RETURN
	code := []byte{
		0x7f, 0x60, 0x00, 0x60, 0x00, 0xf3, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00,
		0x60, 0x00, 0x52,
		0x60, 0x01, 0x60, 0x05, 0x60, 0x00, 0x60, 0x00, 0xf5,
		0x50,
		0x60, 0x01, 0x60, 0x05, 0x60, 0x00, 0x60, 0x00, 0xf5,
		0x60, 0x20, 0x52,
		0x60, 0x20, 0x60, 0x20, 0xf3,
	}
	from := mustAddr("0xdddddddddddddddddddddddddddddddddddddddd")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(1_000_000)
	req := CallRequest{From: from, Data: code, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected the outer create to succeed despite the inner collision, got %q", result.Error)
	}
	if len(result.ReturnValue) != 32 {
		t.Fatalf("expected a 32-byte return value, got %d bytes", len(result.ReturnValue))
	}
	if common.BytesToAddress(result.ReturnValue) != (common.Address{}) {
		t.Fatalf("expected the second CREATE2 attempt's address to be zeroed by the collision, got %x", result.ReturnValue)
	}
}

// Scenario: a user-supplied tracer program (the debug_traceTransaction
// "tracer" contract: step/result, optionally fault/enter/exit) collects
// the opcode mnemonics of a run, the same dumpOpcodes-style script a
// caller hands to the "tracer" parameter of trace_call.
func TestCommandTraceCall_ScriptTracerDumpsOpcodes(t *testing.T) {
	initCode := []byte{
		0x60, 0x2a, // PUSH1 0x2a
		0x60, 0x00, // PUSH1 0x00
		0x55, // SSTORE
	}
	from := mustAddr("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(100000)
	req := CallRequest{From: from, Data: initCode, Gas: &gas}

	src := `{
		ops: [],
		step: function(log, db) { this.ops.push(log.op.toString()); },
		fault: function(log, db) {},
		result: function(ctx, db) { return this.ops; }
	}`

	result, err := CommandTraceCall(context.Background(), p, req, 1, &src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if len(result.ScriptTrace) == 0 {
		t.Fatalf("expected a non-empty script trace")
	}
	var ops []string
	if err := json.Unmarshal(result.ScriptTrace, &ops); err != nil {
		t.Fatalf("expected the script result to decode as a JSON array of strings: %v", err)
	}
	// The interpreter also steps the implicit STOP past the end of the code.
	want := []string{"PUSH1", "PUSH1", "SSTORE", "STOP"}
	if len(ops) != len(want) {
		t.Fatalf("expected %d recorded opcodes, got %d: %v", len(want), len(ops), ops)
	}
	for i, name := range want {
		if ops[i] != name {
			t.Fatalf("expected op %d to be %s, got %s", i, name, ops[i])
		}
	}
}

// Boundary: an interpreter that never halts within the step budget must
// fail the whole call rather than returning a partial trace.
func TestCommandTraceCall_StepBudgetExceeded(t *testing.T) {
	loop := []byte{0x5b, 0x60, 0x00, 0x56} // JUMPDEST; PUSH1 0x00; JUMP
	from := mustAddr("0x999999999999999999999999999999999999cc")
	p := newTestProvider(map[hostchain.PubKey]*hostchain.Account{}, 1, 0)
	gas := uint64(GasLimitDefault)
	req := CallRequest{From: from, Data: loop, Gas: &gas}

	result, err := CommandTraceCall(context.Background(), p, req, 1, nil)
	if err == nil {
		t.Fatalf("expected an error from an unbounded loop, got a result: %+v", result)
	}
	if result != nil {
		t.Fatalf("expected no partial trace on step-budget exhaustion, got %+v", result)
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindStepBudget {
		t.Fatalf("expected a StepBudget error, got %v", err)
	}
}
