package store

import (
	"strings"
	"testing"
)

func ptrU64(v uint64) *uint64 { return &v }

func TestBuildTransactionsQueryCountOnly(t *testing.T) {
	query, args := buildTransactionsQuery(TransactionFilter{Count: 10})
	if !strings.Contains(query, "LIMIT ? OFFSET ?") {
		t.Fatalf("expected LIMIT/OFFSET clause, got %q", query)
	}
	if len(args) != 2 || args[0] != uint64(10) || args[1] != uint64(0) {
		t.Fatalf("expected (10, 0) args, got %v", args)
	}
}

// A request with offset>0 and count==0 must still page past the first
// `offset` rows rather than silently restarting from row 0 (the bug
// buildTransactionsQuery previously had: OFFSET was only emitted inside
// the Count>0 branch).
func TestBuildTransactionsQueryOffsetOnly(t *testing.T) {
	query, args := buildTransactionsQuery(TransactionFilter{Offset: 500})
	if !strings.Contains(query, "OFFSET ?") {
		t.Fatalf("expected an OFFSET clause even with Count==0, got %q", query)
	}
	if len(args) != 2 {
		t.Fatalf("expected a (limit, offset) arg pair, got %v", args)
	}
	limit, ok := args[0].(uint64)
	if !ok || limit == 0 {
		t.Fatalf("expected a non-zero sentinel limit to accompany OFFSET, got %v", args[0])
	}
	if args[1] != uint64(500) {
		t.Fatalf("expected offset 500, got %v", args[1])
	}
}

func TestBuildTransactionsQueryNeitherOffsetNorCount(t *testing.T) {
	query, args := buildTransactionsQuery(TransactionFilter{})
	if strings.Contains(query, "LIMIT") || strings.Contains(query, "OFFSET") {
		t.Fatalf("expected no LIMIT/OFFSET clause when both are zero, got %q", query)
	}
	if len(args) != 0 {
		t.Fatalf("expected no paging args, got %v", args)
	}
}

func TestBuildTransactionsQuerySlotBounds(t *testing.T) {
	query, args := buildTransactionsQuery(TransactionFilter{FromSlot: ptrU64(100), ToSlot: ptrU64(200)})
	if !strings.Contains(query, "slot >= ?") || !strings.Contains(query, "slot <= ?") {
		t.Fatalf("expected both slot bounds in query, got %q", query)
	}
	if len(args) != 2 || args[0] != uint64(100) || args[1] != uint64(200) {
		t.Fatalf("expected (100, 200) slot bound args, got %v", args)
	}
}

func TestBloomFilterSetMatchesExactAddresses(t *testing.T) {
	var a, b [20]byte
	a[0] = 0xaa
	b[0] = 0xbb
	set := newBloomFilterSet([][20]byte{a})
	if !set.maybeContains(a) {
		t.Fatalf("expected seeded address to match")
	}
	if set.maybeContains(b) {
		t.Fatalf("expected unseeded address not to match")
	}
}
