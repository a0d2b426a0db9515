// Package hostchain models the non-EVM host ledger that embeds EVM
// transactions: its accounts, its ed25519-signed messages, and the
// metadata the snapshot store keys historical rows by.
package hostchain

// PubKeyLength is the size in bytes of a host-ledger public key.
const PubKeyLength = 32

// SignatureLength is the size in bytes of an ed25519 host signature.
const SignatureLength = 64

// PubKey identifies a host account.
type PubKey [PubKeyLength]byte

// Signature is an ed25519 host transaction signature.
type Signature [SignatureLength]byte

// SeedVersionTag is the one-byte prefix used when deriving a host account
// key from an EVM address (spec.md §3, §6).
const SeedVersionTag = 0xff

// Account is a host-ledger account as stored by the snapshot store.
// Slot records the row's recorded slot; it is not part of the account's
// logical identity but is needed to resolve "latest row <= requested
// slot" queries (spec.md §4.1).
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      PubKey
	Executable bool
	RentEpoch  uint64
	Slot       uint64
}

// Clone returns a deep copy, so that mutating the copy (host-replay, C3)
// never touches the original fetched from the store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Data != nil {
		cp.Data = make([]byte, len(a.Data))
		copy(cp.Data, a.Data)
	}
	return &cp
}

// TxMeta is the generic envelope the store returns for a transaction's
// payload, shared across a decoded HostMessage and an assembled trace.
type TxMeta[T any] struct {
	Slot          uint64
	From          [20]byte
	To            *[20]byte
	EthSignature  [32]byte
	Value         T
}

// Split returns the metadata with an empty payload alongside the payload
// itself, so callers can rebuild a TxMeta[U] around a derived value
// without re-deriving From/To/EthSignature/Slot.
func (m TxMeta[T]) Split() (TxMeta[struct{}], T) {
	empty := TxMeta[struct{}]{
		Slot:         m.Slot,
		From:         m.From,
		To:           m.To,
		EthSignature: m.EthSignature,
	}
	return empty, m.Value
}

// Wrap rebinds a new payload onto metadata produced by Split.
func Wrap[T any](m TxMeta[struct{}], value T) TxMeta[T] {
	return TxMeta[T]{
		Slot:         m.Slot,
		From:         m.From,
		To:           m.To,
		EthSignature: m.EthSignature,
		Value:        value,
	}
}
