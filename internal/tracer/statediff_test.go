package tracer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
)

func TestDiffPodSame(t *testing.T) {
	pod := &PodAccount{Balance: big.NewInt(5), Nonce: 1, Storage: map[common.Hash]common.Hash{}}
	if diff := DiffPod(pod, pod); diff != nil {
		t.Fatalf("expected nil diff for identical pods, got %+v", diff)
	}
}

func TestDiffPodBalanceAndStorageChange(t *testing.T) {
	key := common.HexToHash("0x01")
	old := &PodAccount{Balance: big.NewInt(5), Storage: map[common.Hash]common.Hash{key: common.HexToHash("0x0a")}}
	new := &PodAccount{Balance: big.NewInt(7), Storage: map[common.Hash]common.Hash{key: common.HexToHash("0x0b")}}
	diff := DiffPod(old, new)
	if diff == nil {
		t.Fatalf("expected a non-nil diff")
	}
	if diff.Balance == nil || diff.Balance.From.(*big.Int).Cmp(big.NewInt(5)) != 0 || diff.Balance.To.(*big.Int).Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("balance diff mismatch: %+v", diff.Balance)
	}
	if len(diff.Storage) != 1 {
		t.Fatalf("expected 1 changed storage key, got %d", len(diff.Storage))
	}
}

func TestDiffPodBornAndDied(t *testing.T) {
	pod := &PodAccount{Balance: big.NewInt(1)}
	if d := DiffPod(nil, pod); !d.Born {
		t.Fatalf("expected Born=true for a nil-old pod")
	}
	if d := DiffPod(pod, nil); !d.Died {
		t.Fatalf("expected Died=true for a nil-new pod")
	}
}

// A StateDiffTracer address touched only by a balance transfer (no
// Apply::Modify, no Apply::Delete) must still appear in the drained
// diff map — the "residual balance-only addresses" case.
func TestStateDiffTracerResidualBalanceOnlyAddress(t *testing.T) {
	tracer := NewStateDiffTracer()
	hooks := tracer.Hooks()

	addr := common.HexToAddress("0xaaaa000000000000000000000000000000aaaa")
	hooks.OnBalanceChange(addr, big.NewInt(100), big.NewInt(150), tracing.BalanceChangeTransfer)

	diffs := tracer.Drain()
	diff, ok := diffs[addr]
	if !ok {
		t.Fatalf("expected a diff entry for a balance-only-touched address")
	}
	if diff.Born || diff.Died {
		t.Fatalf("a plain transfer must not be classified Born/Died: %+v", diff)
	}
	if diff.Balance == nil {
		t.Fatalf("expected a balance diff")
	}
	if diff.Balance.From.(*big.Int).Cmp(big.NewInt(100)) != 0 || diff.Balance.To.(*big.Int).Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("balance diff mismatch: %+v", diff.Balance)
	}
}

func TestStateDiffTracerSelfdestructMarksDied(t *testing.T) {
	tracer := NewStateDiffTracer()
	hooks := tracer.Hooks()

	addr := common.HexToAddress("0xbbbb000000000000000000000000000000bbbb")
	hooks.OnBalanceChange(addr, big.NewInt(42), big.NewInt(0), tracing.BalanceDecreaseSelfdestruct)

	diffs := tracer.Drain()
	diff, ok := diffs[addr]
	if !ok {
		t.Fatalf("expected a diff entry for the selfdestructed address")
	}
	if !diff.Died {
		t.Fatalf("expected Died=true after a selfdestruct balance decrease, got %+v", diff)
	}
}

func TestStateDiffTracerCodeAppearingMarksBorn(t *testing.T) {
	tracer := NewStateDiffTracer()
	hooks := tracer.Hooks()

	addr := common.HexToAddress("0xcccc000000000000000000000000000000cccc")
	hooks.OnCodeChange(addr, common.Hash{}, nil, common.HexToHash("0xdead"), []byte{0x60, 0x00})

	diffs := tracer.Drain()
	diff, ok := diffs[addr]
	if !ok {
		t.Fatalf("expected a diff entry for the newly-coded address")
	}
	if !diff.Born {
		t.Fatalf("expected Born=true when code appears where there was none, got %+v", diff)
	}
}

func TestStateDiffTracerDrainResetsState(t *testing.T) {
	tracer := NewStateDiffTracer()
	hooks := tracer.Hooks()
	addr := common.HexToAddress("0xdddd000000000000000000000000000000dddd")
	hooks.OnBalanceChange(addr, big.NewInt(1), big.NewInt(2), tracing.BalanceChangeTransfer)
	if len(tracer.Drain()) != 1 {
		t.Fatalf("expected 1 entry on first drain")
	}
	if diffs := tracer.Drain(); len(diffs) != 0 {
		t.Fatalf("expected an empty map after drain resets the tracer, got %d entries", len(diffs))
	}
}

func TestTouchedStorageKeysUnion(t *testing.T) {
	k1 := common.HexToHash("0x01")
	k2 := common.HexToHash("0x02")
	applied := map[common.Hash]common.Hash{k1: {}}
	existing := map[common.Hash]common.Hash{k2: {}}
	keys := TouchedStorageKeys(applied, existing)
	if len(keys) != 2 {
		t.Fatalf("expected union of 2 keys, got %d", len(keys))
	}
}
