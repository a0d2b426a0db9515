package hostchain

import "testing"

// encodeCompactU16 mirrors readCompactU16's shortvec encoding, built
// independently in the test so a decode bug and an encode bug can't
// silently cancel out.
func encodeCompactU16(v uint16) []byte {
	var out []byte
	x := uint32(v)
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			out = append(out, b|0x80)
			continue
		}
		out = append(out, b)
		return out
	}
}

func buildMessageWire(keys []PubKey, header MessageHeader, blockhash [32]byte, instructions []CompiledInstruction) []byte {
	var buf []byte
	buf = append(buf, header.NumRequiredSignatures, header.NumReadonlySignedAccounts, header.NumReadonlyUnsignedAccounts)
	buf = append(buf, encodeCompactU16(uint16(len(keys)))...)
	for _, k := range keys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, blockhash[:]...)
	buf = append(buf, encodeCompactU16(uint16(len(instructions)))...)
	for _, ix := range instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = append(buf, encodeCompactU16(uint16(len(ix.AccountIndexes)))...)
		buf = append(buf, ix.AccountIndexes...)
		buf = append(buf, encodeCompactU16(uint16(len(ix.Data)))...)
		buf = append(buf, ix.Data...)
	}
	return buf
}

func TestDecodeHostMessageRoundTrip(t *testing.T) {
	var k0, k1 PubKey
	k0[0] = 0x01
	k1[0] = 0x02
	var blockhash [32]byte
	blockhash[31] = 0x09

	header := MessageHeader{NumRequiredSignatures: 1, NumReadonlySignedAccounts: 0, NumReadonlyUnsignedAccounts: 1}
	instructions := []CompiledInstruction{
		{ProgramIDIndex: 1, AccountIndexes: []byte{0}, Data: []byte{0x1f, 0xaa, 0xbb}},
	}
	wire := buildMessageWire([]PubKey{k0, k1}, header, blockhash, instructions)

	msg, err := DecodeHostMessage(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Header != header {
		t.Fatalf("header mismatch: got %+v", msg.Header)
	}
	if len(msg.AccountKeys) != 2 || msg.AccountKeys[0] != k0 || msg.AccountKeys[1] != k1 {
		t.Fatalf("account keys mismatch: got %+v", msg.AccountKeys)
	}
	if msg.RecentBlockhash != blockhash {
		t.Fatalf("blockhash mismatch: got %x", msg.RecentBlockhash)
	}
	if len(msg.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(msg.Instructions))
	}
	got := msg.Instructions[0]
	if got.ProgramIDIndex != 1 || string(got.Data) != string([]byte{0x1f, 0xaa, 0xbb}) {
		t.Fatalf("instruction mismatch: got %+v", got)
	}

	if !msg.IsSigner(0) {
		t.Fatalf("expected account 0 to be a signer")
	}
	if msg.IsSigner(1) {
		t.Fatalf("expected account 1 not to be a signer")
	}
	if msg.IsWritable(1) {
		t.Fatalf("expected account 1 (readonly-unsigned) not to be writable")
	}
}

func TestDecodeHostMessageCompactU16MultiByte(t *testing.T) {
	// 300 requires two shortvec bytes (300 = 0b1_00101100).
	keys := make([]PubKey, 0)
	header := MessageHeader{}
	var blockhash [32]byte
	// A 300-byte instruction payload forces the two-byte compact-u16
	// branch on the decode side (300 needs a continuation bit).
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	wireWithIx := buildMessageWire(keys, header, blockhash, []CompiledInstruction{
		{ProgramIDIndex: 0, AccountIndexes: nil, Data: data},
	})

	msg, err := DecodeHostMessage(wireWithIx)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Instructions) != 1 || len(msg.Instructions[0].Data) != 300 {
		t.Fatalf("expected a 300-byte instruction payload, got %d", len(msg.Instructions[0].Data))
	}
	for i, b := range msg.Instructions[0].Data {
		if b != byte(i) {
			t.Fatalf("instruction data corrupted at byte %d", i)
		}
	}
}

func TestDecodeHostMessageTruncatedBufferErrors(t *testing.T) {
	if _, err := DecodeHostMessage([]byte{1, 0}); err == nil {
		t.Fatalf("expected an error decoding a truncated header")
	}
}

func TestHostMessageProgramIDOutOfRange(t *testing.T) {
	msg := &HostMessage{AccountKeys: []PubKey{{}}}
	if _, err := msg.ProgramID(CompiledInstruction{ProgramIDIndex: 5}); err == nil {
		t.Fatalf("expected out-of-range program id index to error")
	}
}
