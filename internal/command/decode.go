package command

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/hostchain"
	"github.com/chainlabs/evmtracer/internal/provider"
	"github.com/chainlabs/evmtracer/internal/replay"
	"github.com/chainlabs/evmtracer/internal/store"
)

// replayBackend is the subset of *store.Client replayTransaction and
// its callers in raw.go depend on, named locally so this package does
// not need a live ClickHouse connection to be exercised in tests.
type replayBackend interface {
	AccountsForTx(ctx context.Context, ethSig [32]byte) ([]store.AccountRow, error)
	AccountsAtSlot(ctx context.Context, keys []hostchain.PubKey, slot uint64) ([]store.AccountRow, error)
	BlockTime(ctx context.Context, slot uint64) (int64, error)
	TransactionData(ctx context.Context, ethSig [32]byte) (*hostchain.TxMeta[hostchain.HostMessage], error)
	TransactionsBySlot(ctx context.Context, slot uint64) ([]hostchain.TxMeta[hostchain.HostMessage], error)
	Transactions(ctx context.Context, filter store.TransactionFilter) ([]hostchain.TxMeta[hostchain.HostMessage], error)
}

var _ replayBackend = (*store.Client)(nil)

// Instruction tags for the evm_loader program's EvmInstruction
// discriminant. The enum's wire representation is assigned elsewhere
// in the loader program; these values follow the match arms' relative
// ordering in the traced source and are the one place a live cluster's
// exact byte layout would need reconciling against a real deployment.
const (
	tagCallFromRawEthereumTX                        = 0x1f
	tagPartialCallOrContinueFromRawEthereumTX       = 0x20
	tagExecuteTrxFromAccountDataIterativeV02        = 0x21
	tagExecuteTrxFromAccountDataIterativeOrContinue = 0x22
)

// decodedEvmTx is the normalized payload every EvmInstruction variant
// resolves to before being handed to CommandTraceCall.
type decodedEvmTx struct {
	Caller common.Address
	Tx     *types.Transaction
}

// decodeEvmInstruction routes on the loader instruction's discriminant
// byte, producing the embedded Ethereum transaction and its declared
// caller. holderData resolves the raw data of the instruction's first
// account (used only by the two iterative variants, which carry the
// Ethereum transaction in a holder account rather than inline).
func decodeEvmInstruction(data []byte, holderData func() ([]byte, error)) (*decodedEvmTx, error) {
	if len(data) == 0 {
		return nil, errs.Decode("command: empty instruction data")
	}
	switch data[0] {
	case tagCallFromRawEthereumTX:
		return decodeInlineCall(data, 4, 89)
	case tagPartialCallOrContinueFromRawEthereumTX:
		return decodeInlineCall(data, 12, 97)
	case tagExecuteTrxFromAccountDataIterativeV02, tagExecuteTrxFromAccountDataIterativeOrContinue:
		raw, err := holderData()
		if err != nil {
			return nil, err
		}
		rlpTx, err := decodeHolderTransaction(raw)
		if err != nil {
			return nil, err
		}
		return decodedTxFromRLP(rlpTx)
	default:
		return nil, errs.Decodef("command: unhandled EvmInstruction tag 0x%02x", data[0])
	}
}

// decodeInlineCall parses a 20-byte caller address and a trailing RLP
// transaction both embedded directly in the instruction data, at the
// fixed offsets the two "FromRawEthereumTX" variants use.
func decodeInlineCall(data []byte, callerOffset, txOffset int) (*decodedEvmTx, error) {
	if len(data) < callerOffset+20 || len(data) < txOffset {
		return nil, errs.Decode("command: instruction data too short for inline call")
	}
	var caller common.Address
	copy(caller[:], data[callerOffset:callerOffset+20])
	tx := new(types.Transaction)
	if err := rlp.DecodeBytes(data[txOffset:], tx); err != nil {
		return nil, errs.WrapDecode(err, "command: decode inline RLP transaction")
	}
	return &decodedEvmTx{Caller: caller, Tx: tx}, nil
}

// decodeHolderTransaction parses the holder account's layout: a
// one-byte header that must be zero, a 65-byte signature (unused here;
// the transaction itself carries its own signature), an 8-byte
// little-endian length, and the RLP transaction bytes.
func decodeHolderTransaction(data []byte) ([]byte, error) {
	const headerLen = 1
	const sigLen = 65
	const lenFieldLen = 8
	minLen := headerLen + sigLen + lenFieldLen
	if len(data) < minLen {
		return nil, errs.Decode("command: holder account too short")
	}
	if data[0] != 0 {
		return nil, errs.Decode("command: holder account header must be zero")
	}
	lenOffset := headerLen + sigLen
	length := leUint64(data[lenOffset : lenOffset+lenFieldLen])
	start := lenOffset + lenFieldLen
	end := start + int(length)
	if end > len(data) {
		return nil, errs.Decode("command: holder account declared length exceeds buffer")
	}
	return data[start:end], nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func decodedTxFromRLP(rlpTx []byte) (*decodedEvmTx, error) {
	tx := new(types.Transaction)
	if err := rlp.DecodeBytes(rlpTx, tx); err != nil {
		return nil, errs.WrapDecode(err, "command: decode holder RLP transaction")
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, errs.WrapDecode(err, "command: recover sender from holder transaction")
	}
	return &decodedEvmTx{Caller: from, Tx: tx}, nil
}

// replayTransaction re-executes every non-EVM instruction of message
// against a working snapshot seeded from the store, stopping at the
// first evm_loader instruction and tracing it.
func replayTransaction(ctx context.Context, backend replayBackend, evmLoaderKey hostchain.PubKey, meta hostchain.TxMeta[hostchain.HostMessage], scriptSrc *string) (*hostchain.TxMeta[TracedCall], error) {
	message := meta.Value

	rows, err := backend.AccountsForTx(ctx, meta.EthSignature)
	if err != nil {
		return nil, err
	}
	seed := make(map[hostchain.PubKey]*hostchain.Account, len(rows))
	for _, r := range rows {
		acc := r.Account
		seed[r.Key] = &acc
	}

	var missing []hostchain.PubKey
	for _, key := range message.AccountKeys {
		if _, ok := seed[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		extra, err := backend.AccountsAtSlot(ctx, missing, meta.Slot)
		if err != nil {
			return nil, err
		}
		for _, r := range extra {
			acc := r.Account
			seed[r.Key] = &acc
		}
	}
	seedBuiltins(seed)

	arena := replay.NewArena(seed)
	replayer := replay.New(&message, arena, evmLoaderKey)

	blockTime, err := backend.BlockTime(ctx, meta.Slot)
	if err != nil {
		return nil, err
	}

	for {
		ix, isEvm, done, nerr := replayer.Next()
		if nerr != nil {
			return nil, nerr
		}
		if done {
			return nil, nil
		}
		if !isEvm {
			continue
		}

		holderData := func() ([]byte, error) {
			if len(ix.AccountIndexes) == 0 {
				return nil, errs.Decode("command: iterative instruction has no holder account")
			}
			key := message.AccountKeys[ix.AccountIndexes[0]]
			acc, _ := arena.Get(key)
			if acc == nil {
				return nil, errs.Decode("command: holder account not found in working snapshot")
			}
			return acc.Data, nil
		}

		decoded, derr := decodeEvmInstruction(ix.Data, holderData)
		if derr != nil {
			return nil, derr
		}

		p := provider.NewMapProvider(replayer.AllAccounts(), meta.Slot, blockTime, evmLoaderKey)
		req := callRequestFromTx(decoded)
		traced, terr := CommandTraceCall(ctx, p, req, meta.Slot, scriptSrc)
		if terr != nil {
			return nil, terr
		}
		result := hostchain.Wrap(metaEnvelope(meta), *traced)
		return &result, nil
	}
}

func callRequestFromTx(d *decodedEvmTx) CallRequest {
	gas := d.Tx.Gas()
	req := CallRequest{
		From:  d.Caller,
		To:    d.Tx.To(),
		Data:  d.Tx.Data(),
		Value: d.Tx.Value(),
		Gas:   &gas,
	}
	return req
}

func metaEnvelope(meta hostchain.TxMeta[hostchain.HostMessage]) hostchain.TxMeta[struct{}] {
	empty, _ := meta.Split()
	return empty
}

// seedBuiltins adds an executable account owned by the native loader
// under every well-known builtin program key the seed does not already
// hold, so the replay's working snapshot carries an account for each
// builtin. Dispatch finds builtin handlers by program key in its own
// registry, whether or not the key was seeded.
func seedBuiltins(seed map[hostchain.PubKey]*hostchain.Account) {
	for _, key := range []hostchain.PubKey{
		replay.SystemProgramKey, replay.VoteProgramKey, replay.StakeProgramKey,
		replay.ConfigProgramKey, replay.Secp256k1ProgramKey,
		replay.BaseLoaderKey, replay.UpgradeableLoaderKey,
	} {
		if _, ok := seed[key]; !ok {
			seed[key] = &hostchain.Account{Owner: replay.NativeLoaderKey, Executable: true}
		}
	}
}
