package hostchain

import (
	"github.com/cockroachdb/errors"
	sha256simd "github.com/minio/sha256-simd"
)

// MessageHeader carries the signer/writable partitioning of AccountKeys,
// identical in shape to a Solana legacy message header.
type MessageHeader struct {
	NumRequiredSignatures       byte
	NumReadonlySignedAccounts   byte
	NumReadonlyUnsignedAccounts byte
}

// CompiledInstruction references accounts by index into the enclosing
// HostMessage's AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex byte
	AccountIndexes []byte
	Data           []byte
}

// HostMessage is a decoded host-level transaction message: an ordered set
// of account keys, a header describing which prefix is signed/writable,
// and the list of instructions to dispatch in order (spec.md §4.3).
type HostMessage struct {
	Header          MessageHeader
	AccountKeys     []PubKey
	RecentBlockhash [32]byte
	Instructions    []CompiledInstruction
}

// IsSigner reports whether the account at index i is required to sign.
func (m *HostMessage) IsSigner(i int) bool {
	return i < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether the account at index i is writable, per the
// header's readonly-signed/readonly-unsigned partition.
func (m *HostMessage) IsWritable(i int) bool {
	numSigned := int(m.Header.NumRequiredSignatures)
	numAccounts := len(m.AccountKeys)
	if i < numSigned {
		return i < numSigned-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < numAccounts-int(m.Header.NumReadonlyUnsignedAccounts)
}

// ProgramID resolves the program id referenced by a compiled instruction.
func (m *HostMessage) ProgramID(ix CompiledInstruction) (PubKey, error) {
	idx := int(ix.ProgramIDIndex)
	if idx < 0 || idx >= len(m.AccountKeys) {
		return PubKey{}, errors.Newf("hostchain: program id index %d out of range (%d keys)", idx, len(m.AccountKeys))
	}
	return m.AccountKeys[idx], nil
}

// Hash returns the SHA-256 digest of the message's wire encoding, the
// value an ed25519 signature is computed over on the host ledger.
// sha256-simd is used rather than crypto/sha256 because a block or
// filter-replay request can re-derive this digest for every transaction
// it touches.
func (m *HostMessage) Hash(wire []byte) [32]byte {
	return sha256simd.Sum256(wire)
}

// DecodeHostMessage parses the compact wire encoding of a host-level
// message: a 3-byte header, a compact-u16-prefixed account key list, a
// 32-byte recent blockhash, and a compact-u16-prefixed instruction list.
// Each instruction is a program-index byte, a compact-u16-prefixed list
// of account-index bytes, and compact-u16-length-prefixed data.
func DecodeHostMessage(data []byte) (*HostMessage, error) {
	r := &byteReader{buf: data}

	header := MessageHeader{}
	var err error
	if header.NumRequiredSignatures, err = r.readByte(); err != nil {
		return nil, errors.Wrap(err, "hostchain: decode header")
	}
	if header.NumReadonlySignedAccounts, err = r.readByte(); err != nil {
		return nil, errors.Wrap(err, "hostchain: decode header")
	}
	if header.NumReadonlyUnsignedAccounts, err = r.readByte(); err != nil {
		return nil, errors.Wrap(err, "hostchain: decode header")
	}

	numKeys, err := r.readCompactU16()
	if err != nil {
		return nil, errors.Wrap(err, "hostchain: decode account key count")
	}
	keys := make([]PubKey, numKeys)
	for i := range keys {
		raw, err := r.readN(PubKeyLength)
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode account key %d", i)
		}
		copy(keys[i][:], raw)
	}

	blockhash, err := r.readN(32)
	if err != nil {
		return nil, errors.Wrap(err, "hostchain: decode recent blockhash")
	}

	numIx, err := r.readCompactU16()
	if err != nil {
		return nil, errors.Wrap(err, "hostchain: decode instruction count")
	}
	instructions := make([]CompiledInstruction, numIx)
	for i := range instructions {
		progIdx, err := r.readByte()
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode instruction %d program index", i)
		}
		numAccts, err := r.readCompactU16()
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode instruction %d account count", i)
		}
		accts, err := r.readN(int(numAccts))
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode instruction %d accounts", i)
		}
		dataLen, err := r.readCompactU16()
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode instruction %d data length", i)
		}
		ixData, err := r.readN(int(dataLen))
		if err != nil {
			return nil, errors.Wrapf(err, "hostchain: decode instruction %d data", i)
		}
		instructions[i] = CompiledInstruction{
			ProgramIDIndex: progIdx,
			AccountIndexes: append([]byte(nil), accts...),
			Data:           append([]byte(nil), ixData...),
		}
	}

	msg := &HostMessage{
		Header:       header,
		AccountKeys:  keys,
		Instructions: instructions,
	}
	copy(msg.RecentBlockhash[:], blockhash)
	return msg, nil
}

// byteReader is a minimal cursor over a decode buffer; it never copies
// the backing array except where the caller explicitly asks (readN
// results used past the reader's lifetime are copied by the caller).
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errors.New("hostchain: unexpected end of message")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readN(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, errors.Newf("hostchain: cannot read %d bytes at offset %d (len %d)", n, r.pos, len(r.buf))
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// readCompactU16 decodes Solana's shortvec/compact-u16 varint: 7 bits per
// byte, continuation bit in the high bit, at most 3 bytes for a uint16.
func (r *byteReader) readCompactU16() (uint16, error) {
	var result uint32
	for shift := uint(0); shift < 21; shift += 7 {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return uint16(result), nil
		}
	}
	return 0, errors.New("hostchain: compact-u16 too long")
}
