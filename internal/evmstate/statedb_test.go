package evmstate

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/holiman/uint256"

	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/provider"
)

func newTestStore(accounts map[hostchain.PubKey]*hostchain.Account) *Store {
	var loaderKey hostchain.PubKey
	loaderKey[0] = 0xee
	p := provider.NewMapProvider(accounts, 1, 0, loaderKey)
	return New(context.Background(), p, 1, 0)
}

// Store's own mutation methods must fire the mutation-side tracing
// hooks themselves: go-ethereum's interpreter never calls
// OnBalanceChange/OnNonceChange/OnCodeChange/OnStorageChange, a
// StateDB implementation does (the same pattern core/state.stateObject
// follows).

func TestAddBalanceFiresOnBalanceChange(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x01")

	var gotFrom, gotTo *big.Int
	var gotReason tracing.BalanceChangeReason
	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnBalanceChange: func(a common.Address, from, to *big.Int, reason tracing.BalanceChangeReason) {
			calls++
			gotFrom, gotTo, gotReason = from, to, reason
		},
	})

	s.AddBalance(addr, uint256.NewInt(100), tracing.BalanceChangeTransfer)

	if calls != 1 {
		t.Fatalf("expected OnBalanceChange to fire once, got %d", calls)
	}
	if gotFrom.Sign() != 0 {
		t.Fatalf("expected prior balance 0, got %s", gotFrom)
	}
	if gotTo.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected new balance 100, got %s", gotTo)
	}
	if gotReason != tracing.BalanceChangeTransfer {
		t.Fatalf("expected the reason to pass through unchanged, got %v", gotReason)
	}
}

func TestSubBalanceFiresOnBalanceChange(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x01")
	s.AddBalance(addr, uint256.NewInt(500), tracing.BalanceChangeTransfer)

	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnBalanceChange: func(common.Address, *big.Int, *big.Int, tracing.BalanceChangeReason) { calls++ },
	})
	s.SubBalance(addr, uint256.NewInt(200), tracing.BalanceChangeTransfer)

	if calls != 1 {
		t.Fatalf("expected OnBalanceChange to fire once, got %d", calls)
	}
	if got := s.GetBalance(addr); got.Cmp(uint256.NewInt(300)) != 0 {
		t.Fatalf("expected balance 300 after subtraction, got %s", got.Hex())
	}
}

func TestSetNonceFiresOnNonceChange(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x02")

	var gotPrev, gotNew uint64
	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnNonceChange: func(a common.Address, prev, new uint64) {
			calls++
			gotPrev, gotNew = prev, new
		},
	})

	s.SetNonce(addr, 7, tracing.NonceChangeUnspecified)

	if calls != 1 {
		t.Fatalf("expected OnNonceChange to fire once, got %d", calls)
	}
	if gotPrev != 0 || gotNew != 7 {
		t.Fatalf("expected prev=0 new=7, got prev=%d new=%d", gotPrev, gotNew)
	}
	if s.GetNonce(addr) != 7 {
		t.Fatalf("expected GetNonce to read back 7, got %d", s.GetNonce(addr))
	}
}

func TestSetCodeFiresOnCodeChange(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x03")

	var gotPrevCode, gotNewCode []byte
	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnCodeChange: func(a common.Address, prevHash common.Hash, prevCode []byte, newHash common.Hash, newCode []byte) {
			calls++
			gotPrevCode, gotNewCode = prevCode, newCode
		},
	})

	code := []byte{0x60, 0x00, 0x60, 0x00}
	s.SetCode(addr, code)

	if calls != 1 {
		t.Fatalf("expected OnCodeChange to fire once, got %d", calls)
	}
	if len(gotPrevCode) != 0 {
		t.Fatalf("expected no prior code, got %x", gotPrevCode)
	}
	if string(gotNewCode) != string(code) {
		t.Fatalf("expected the new code to be passed through, got %x", gotNewCode)
	}
	if s.GetCodeSize(addr) != len(code) {
		t.Fatalf("expected GetCodeSize to report %d, got %d", len(code), s.GetCodeSize(addr))
	}
}

func TestSetStateFiresOnStorageChange(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x04")
	key := common.HexToHash("0x01")

	var gotPrev, gotNew common.Hash
	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnStorageChange: func(a common.Address, k common.Hash, prev, new common.Hash) {
			calls++
			gotPrev, gotNew = prev, new
		},
	})

	s.SetState(addr, key, common.HexToHash("0x2a"))

	if calls != 1 {
		t.Fatalf("expected OnStorageChange to fire once, got %d", calls)
	}
	if gotPrev != (common.Hash{}) {
		t.Fatalf("expected prior storage value to be the zero hash, got %s", gotPrev)
	}
	if gotNew != common.HexToHash("0x2a") {
		t.Fatalf("expected new storage value 0x2a, got %s", gotNew)
	}
	if got := s.GetState(addr, key); got != common.HexToHash("0x2a") {
		t.Fatalf("expected GetState to read back 0x2a, got %s", got)
	}
}

func TestSelfDestructFiresOnBalanceChangeWithSelfdestructReason(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x05")
	s.AddBalance(addr, uint256.NewInt(1000), tracing.BalanceChangeTransfer)

	var gotReason tracing.BalanceChangeReason
	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnBalanceChange: func(a common.Address, from, to *big.Int, reason tracing.BalanceChangeReason) {
			calls++
			gotReason = reason
		},
	})

	s.SelfDestruct(addr)

	if calls != 1 {
		t.Fatalf("expected OnBalanceChange to fire once for the selfdestruct zeroing, got %d", calls)
	}
	if gotReason != tracing.BalanceDecreaseSelfdestruct {
		t.Fatalf("expected BalanceDecreaseSelfdestruct, got %v", gotReason)
	}
	if !s.HasSelfDestructed(addr) {
		t.Fatalf("expected HasSelfDestructed to report true")
	}
	if got := s.GetBalance(addr); !got.IsZero() {
		t.Fatalf("expected balance zeroed after selfdestruct, got %s", got.Hex())
	}
}

func TestSelfDestructOnZeroBalanceDoesNotFireHook(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x06")
	s.CreateAccount(addr)

	calls := 0
	s.SetHooks(&tracing.Hooks{
		OnBalanceChange: func(common.Address, *big.Int, *big.Int, tracing.BalanceChangeReason) { calls++ },
	})
	s.SelfDestruct(addr)

	if calls != 0 {
		t.Fatalf("expected no OnBalanceChange for a selfdestruct with nothing to transfer, got %d", calls)
	}
}

func TestNoHooksInstalledDoesNotPanic(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x07")
	s.AddBalance(addr, uint256.NewInt(1), tracing.BalanceChangeTransfer)
	s.SetNonce(addr, 1, tracing.NonceChangeUnspecified)
	s.SetCode(addr, []byte{0x00})
	s.SetState(addr, common.Hash{}, common.Hash{})
	s.SelfDestruct(addr)
}

func TestSnapshotRevertRestoresBalanceAndStorage(t *testing.T) {
	s := newTestStore(map[hostchain.PubKey]*hostchain.Account{})
	addr := common.HexToAddress("0x08")
	key := common.HexToHash("0x01")

	s.AddBalance(addr, uint256.NewInt(100), tracing.BalanceChangeTransfer)
	s.SetState(addr, key, common.HexToHash("0x01"))

	snap := s.Snapshot()
	s.AddBalance(addr, uint256.NewInt(900), tracing.BalanceChangeTransfer)
	s.SetState(addr, key, common.HexToHash("0x02"))

	s.RevertToSnapshot(snap)

	if got := s.GetBalance(addr); got.Cmp(uint256.NewInt(100)) != 0 {
		t.Fatalf("expected balance reverted to 100, got %s", got.Hex())
	}
	if got := s.GetState(addr, key); got != common.HexToHash("0x01") {
		t.Fatalf("expected storage reverted to 0x01, got %s", got)
	}
}
