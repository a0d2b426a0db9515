package command

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-bexpr"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/provider"
	"github.com/chainlabs/evmtracer/internal/store"
)

// CommandReplayTransaction looks up the transaction's decoded host
// message by its Ethereum-level hash and replays it, tracing whichever
// host instruction turns out to carry the embedded EVM call.
func CommandReplayTransaction(ctx context.Context, backend replayBackend, evmLoaderKey hostchain.PubKey, ethSig [32]byte, scriptSrc *string) (*hostchain.TxMeta[TracedCall], error) {
	meta, err := backend.TransactionData(ctx, ethSig)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errs.UnknownTx(formatHash(ethSig))
	}
	return replayTransaction(ctx, backend, evmLoaderKey, *meta, scriptSrc)
}

// CommandReplayBlock replays every transaction recorded at slot, in
// ledger order, dropping any that produced no EVM trace.
func CommandReplayBlock(ctx context.Context, backend replayBackend, evmLoaderKey hostchain.PubKey, slot uint64, scriptSrc *string) ([]hostchain.TxMeta[TracedCall], error) {
	metas, err := backend.TransactionsBySlot(ctx, slot)
	if err != nil {
		return nil, err
	}
	return replayAll(ctx, backend, evmLoaderKey, metas, scriptSrc)
}

// FilterSpec is command_filter_traces's structural filter plus an
// optional raw boolean expression evaluated against each candidate
// transaction, additive over the structural filter alone.
type FilterSpec struct {
	Structural store.TransactionFilter
	Expression string
}

// txMetaView is the flattened shape a filter expression's field names
// resolve against (go-bexpr reads struct fields/tags via reflection).
type txMetaView struct {
	Slot uint64 `bexpr:"slot"`
	From string `bexpr:"from"`
	To   string `bexpr:"to"`
}

// CommandFilterTraces fetches the structurally filtered transaction
// list, optionally narrows it further with a raw boolean expression,
// and replays each surviving candidate.
func CommandFilterTraces(ctx context.Context, backend replayBackend, evmLoaderKey hostchain.PubKey, filter FilterSpec, scriptSrc *string) ([]hostchain.TxMeta[TracedCall], error) {
	metas, err := backend.Transactions(ctx, filter.Structural)
	if err != nil {
		return nil, err
	}
	if filter.Expression != "" {
		evaluator, err := bexpr.CreateEvaluator(filter.Expression)
		if err != nil {
			return nil, errs.WrapDecode(err, "command: compile filter expression")
		}
		filtered := metas[:0]
		for _, m := range metas {
			view := txMetaView{Slot: m.Slot, From: hexAddr(m.From[:])}
			if m.To != nil {
				view.To = hexAddr(m.To[:])
			}
			ok, err := evaluator.Evaluate(view)
			if err != nil {
				return nil, errs.WrapDecode(err, "command: evaluate filter expression")
			}
			if ok {
				filtered = append(filtered, m)
			}
		}
		metas = filtered
	}
	return replayAll(ctx, backend, evmLoaderKey, metas, scriptSrc)
}

func replayAll(ctx context.Context, backend replayBackend, evmLoaderKey hostchain.PubKey, metas []hostchain.TxMeta[hostchain.HostMessage], scriptSrc *string) ([]hostchain.TxMeta[TracedCall], error) {
	out := make([]hostchain.TxMeta[TracedCall], 0, len(metas))
	for _, meta := range metas {
		traced, err := replayTransaction(ctx, backend, evmLoaderKey, meta, scriptSrc)
		if err != nil {
			return nil, err
		}
		if traced == nil {
			continue
		}
		out = append(out, *traced)
	}
	return out, nil
}

// CommandTraceRaw decodes and verifies a signed Ethereum transaction
// (EIP-1559/2930/legacy), recovers its sender, and routes the call
// through CommandTraceCall exactly as command_trace_call would see it.
func CommandTraceRaw(ctx context.Context, p provider.Provider, rlpBytes []byte, slot uint64, scriptSrc *string) (*TracedCall, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rlpBytes); err != nil {
		return nil, errs.WrapDecode(err, "command: decode raw transaction")
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, errs.WrapDecode(err, "command: recover sender from raw transaction")
	}
	gas := tx.Gas()
	req := CallRequest{
		From:  from,
		To:    tx.To(),
		Data:  tx.Data(),
		Value: tx.Value(),
		Gas:   &gas,
	}
	return CommandTraceCall(ctx, p, req, slot, scriptSrc)
}

func hexAddr(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(b)*2)
	out[0], out[1] = '0', 'x'
	for i, c := range b {
		out[2+i*2] = hextable[c>>4]
		out[3+i*2] = hextable[c&0x0f]
	}
	return string(out)
}

func formatHash(h [32]byte) string {
	return hexAddr(h[:])
}
