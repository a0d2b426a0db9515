package command

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/store"
)

// fakeReplayBackend satisfies replayBackend entirely out of in-memory
// maps, so CommandReplayBlock/CommandReplayTransaction can be exercised
// without a live ClickHouse connection.
type fakeReplayBackend struct {
	accounts  map[hostchain.PubKey]*hostchain.Account
	blockTime int64
	bySig     map[[32]byte]*hostchain.TxMeta[hostchain.HostMessage]
	bySlot    map[uint64][]hostchain.TxMeta[hostchain.HostMessage]
}

func (b *fakeReplayBackend) AccountsForTx(_ context.Context, _ [32]byte) ([]store.AccountRow, error) {
	return b.allRows(), nil
}

func (b *fakeReplayBackend) AccountsAtSlot(_ context.Context, keys []hostchain.PubKey, _ uint64) ([]store.AccountRow, error) {
	out := make([]store.AccountRow, 0, len(keys))
	for _, k := range keys {
		if acc, ok := b.accounts[k]; ok {
			out = append(out, store.AccountRow{Key: k, Account: *acc})
		}
	}
	return out, nil
}

func (b *fakeReplayBackend) BlockTime(_ context.Context, _ uint64) (int64, error) { return b.blockTime, nil }

func (b *fakeReplayBackend) TransactionData(_ context.Context, ethSig [32]byte) (*hostchain.TxMeta[hostchain.HostMessage], error) {
	return b.bySig[ethSig], nil
}

func (b *fakeReplayBackend) TransactionsBySlot(_ context.Context, slot uint64) ([]hostchain.TxMeta[hostchain.HostMessage], error) {
	return b.bySlot[slot], nil
}

func (b *fakeReplayBackend) Transactions(_ context.Context, _ store.TransactionFilter) ([]hostchain.TxMeta[hostchain.HostMessage], error) {
	var out []hostchain.TxMeta[hostchain.HostMessage]
	for _, metas := range b.bySlot {
		out = append(out, metas...)
	}
	return out, nil
}

func (b *fakeReplayBackend) allRows() []store.AccountRow {
	out := make([]store.AccountRow, 0, len(b.accounts))
	for k, v := range b.accounts {
		out = append(out, store.AccountRow{Key: k, Account: *v})
	}
	return out
}

var _ replayBackend = (*fakeReplayBackend)(nil)

// inlineCallInstructionData builds the data payload of a
// CallFromRawEthereumTX instruction: a one-byte discriminant, the
// caller address at offset 4, and an RLP-encoded legacy transaction at
// offset 89, matching decodeInlineCall's fixed layout for that variant.
func inlineCallInstructionData(t *testing.T, caller [20]byte, tx *types.Transaction) []byte {
	t.Helper()
	rlpTx, err := rlp.EncodeToBytes(tx)
	if err != nil {
		t.Fatalf("failed to RLP-encode the legacy transaction: %v", err)
	}
	const callerOffset, txOffset = 4, 89
	data := make([]byte, txOffset+len(rlpTx))
	data[0] = tagCallFromRawEthereumTX
	copy(data[callerOffset:callerOffset+20], caller[:])
	copy(data[txOffset:], rlpTx)
	return data
}

func legacyTransferTx(to common.Address, value int64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      100000,
		GasPrice: big.NewInt(0),
		Data:     nil,
	})
}

// Scenario: a block replay that mixes one non-EVM (unknown-program)
// host instruction with one embedded EVM transfer must surface only
// the transaction that actually produced an EVM trace.
func TestCommandReplayBlock_DropsTransactionsWithNoEvmTrace(t *testing.T) {
	loaderKey := testLoaderKey()
	from := mustAddr("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	to := mustAddr("0xcccccccccccccccccccccccccccccccccccccccc")

	accounts := map[hostchain.PubKey]*hostchain.Account{}
	seedAccount(accounts, loaderKey, from, 1_000_000, 0)

	var unknownProgramKey hostchain.PubKey
	unknownProgramKey[0] = 0x77

	nonEvmMsg := hostchain.HostMessage{
		Header:      hostchain.MessageHeader{NumRequiredSignatures: 1},
		AccountKeys: []hostchain.PubKey{unknownProgramKey},
		Instructions: []hostchain.CompiledInstruction{
			{ProgramIDIndex: 0, Data: []byte{0x00}},
		},
	}

	evmMsg := hostchain.HostMessage{
		Header:      hostchain.MessageHeader{NumRequiredSignatures: 1},
		AccountKeys: []hostchain.PubKey{loaderKey},
		Instructions: []hostchain.CompiledInstruction{
			{ProgramIDIndex: 0, Data: inlineCallInstructionData(t, from, legacyTransferTx(to, 250))},
		},
	}

	var sig1, sig2 [32]byte
	sig1[0], sig2[0] = 1, 2

	backend := &fakeReplayBackend{
		accounts:  accounts,
		blockTime: 0,
		bySlot: map[uint64][]hostchain.TxMeta[hostchain.HostMessage]{
			7: {
				{Slot: 7, From: [20]byte(from), EthSignature: sig1, Value: nonEvmMsg},
				{Slot: 7, From: [20]byte(from), EthSignature: sig2, Value: evmMsg},
			},
		},
	}

	results, err := CommandReplayBlock(context.Background(), backend, loaderKey, 7, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 traced transaction (the non-EVM one dropped), got %d", len(results))
	}
	if results[0].EthSignature != sig2 {
		t.Fatalf("expected the surviving result to be the EVM transaction")
	}
	if results[0].Value.Failed {
		t.Fatalf("expected the embedded transfer to succeed, got %q", results[0].Value.Error)
	}
}
