package replay

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainlabs/evmtracer/internal/errs"
	"github.com/chainlabs/evmtracer/internal/hostchain"
)

// defaultBuiltins returns the fixed registry of host-native program
// handlers replay understands. A program not listed here is dispatched
// through the native loader or the upgradeable loader when its account
// is owned by one of them, and is otherwise skipped as a no-op by the
// dispatch loop.
func defaultBuiltins() map[hostchain.PubKey]BuiltinHandler {
	return map[hostchain.PubKey]BuiltinHandler{
		SystemProgramKey:     systemProgramHandler,
		VoteProgramKey:       stubProgramHandler,
		StakeProgramKey:      stubProgramHandler,
		ConfigProgramKey:     stubProgramHandler,
		Secp256k1ProgramKey:  secp256k1Handler,
		BaseLoaderKey:        loaderHandler,
		UpgradeableLoaderKey: loaderHandler,
	}
}

// System program instruction discriminants, matching the host ledger's
// own wire layout: a little-endian uint32 tag followed by the
// instruction's packed fields.
const (
	sysCreateAccount = uint32(0)
	sysAssign        = uint32(1)
	sysTransfer      = uint32(2)
	sysAllocate      = uint32(8)
)

// systemProgramHandler implements the account bookkeeping replay needs
// to keep the snapshot consistent across CreateAccount/Transfer/
// Allocate/Assign: enough fidelity for every later instruction in the
// same host transaction to observe correct balances and ownership.
func systemProgramHandler(ctx *InvokeContext, data []byte, accounts []KeyedAccount) error {
	if len(data) < 4 {
		return errs.Instruction("system program: instruction data too short")
	}
	tag := binary.LittleEndian.Uint32(data[:4])
	body := data[4:]

	switch tag {
	case sysCreateAccount:
		if len(accounts) < 2 || len(body) < 8+8+32 {
			return errs.Instruction("system program: create_account malformed")
		}
		lamports := binary.LittleEndian.Uint64(body[0:8])
		space := binary.LittleEndian.Uint64(body[8:16])
		var owner hostchain.PubKey
		copy(owner[:], body[16:48])

		from := ctx.Arena.At(accounts[0].Index)
		to := ctx.Arena.At(accounts[1].Index)
		if from == nil || to == nil {
			return errs.Instruction("system program: create_account missing account")
		}
		if from.Lamports < lamports {
			return errs.Instruction("system program: create_account insufficient funds")
		}
		from.Lamports -= lamports
		to.Lamports += lamports
		to.Data = make([]byte, space)
		to.Owner = owner
		return nil

	case sysAssign:
		if len(accounts) < 1 || len(body) < 32 {
			return errs.Instruction("system program: assign malformed")
		}
		acc := ctx.Arena.At(accounts[0].Index)
		if acc == nil {
			return errs.Instruction("system program: assign missing account")
		}
		copy(acc.Owner[:], body[0:32])
		return nil

	case sysTransfer:
		if len(accounts) < 2 || len(body) < 8 {
			return errs.Instruction("system program: transfer malformed")
		}
		lamports := binary.LittleEndian.Uint64(body[0:8])
		from := ctx.Arena.At(accounts[0].Index)
		to := ctx.Arena.At(accounts[1].Index)
		if from == nil || to == nil {
			return errs.Instruction("system program: transfer missing account")
		}
		if from.Lamports < lamports {
			return errs.Instruction("system program: transfer insufficient funds")
		}
		from.Lamports -= lamports
		to.Lamports += lamports
		return nil

	case sysAllocate:
		if len(accounts) < 1 || len(body) < 8 {
			return errs.Instruction("system program: allocate malformed")
		}
		space := binary.LittleEndian.Uint64(body[0:8])
		acc := ctx.Arena.At(accounts[0].Index)
		if acc == nil {
			return errs.Instruction("system program: allocate missing account")
		}
		acc.Data = make([]byte, space)
		return nil

	default:
		// Instructions replay does not need full fidelity for
		// (e.g. nonce management) are accepted as no-ops.
		return nil
	}
}

// stubProgramHandler records vote/stake/config instructions as no-op
// successes. These programs never appear on the EVM-instruction path,
// but replay must not abort when one precedes it in the same host
// transaction.
func stubProgramHandler(_ *InvokeContext, _ []byte, _ []KeyedAccount) error {
	return nil
}

// secp256k1Handler recovers the signer of a packed secp256k1 signature
// instruction and verifies it matches the embedded expected address,
// the same check the real precompile performs. Unlike a precompile
// called from EVM bytecode, this handler operates on the host
// instruction's own packed data layout (offsets to signature/message
// within the transaction, one recovery per declared signature).
func secp256k1Handler(_ *InvokeContext, data []byte, _ []KeyedAccount) error {
	if len(data) < 1 {
		return errs.Instruction("secp256k1: empty instruction data")
	}
	count := int(data[0])
	if count == 0 {
		return nil
	}
	const offsetsStructSize = 11
	need := 1 + count*offsetsStructSize
	if len(data) < need {
		return errs.Instruction("secp256k1: truncated offsets")
	}
	for i := 0; i < count; i++ {
		off := 1 + i*offsetsStructSize
		sigOffset := binary.LittleEndian.Uint16(data[off : off+2])
		ethAddrOffset := binary.LittleEndian.Uint16(data[off+3 : off+5])
		msgOffset := binary.LittleEndian.Uint16(data[off+6 : off+8])
		msgSize := binary.LittleEndian.Uint16(data[off+8 : off+10])

		sigEnd := int(sigOffset) + 65
		ethAddrEnd := int(ethAddrOffset) + 20
		msgEnd := int(msgOffset) + int(msgSize)
		if sigEnd > len(data) || ethAddrEnd > len(data) || msgEnd > len(data) {
			return errs.Instruction("secp256k1: signature, address or message out of range")
		}
		sig := data[sigOffset:sigEnd]
		msg := data[msgOffset:msgEnd]

		hash := crypto.Keccak256(msg)
		pub, err := crypto.SigToPub(hash, sig)
		if err != nil {
			return errs.Instructionf("secp256k1: recover signature %d: %w", i, err)
		}
		if recovered := crypto.PubkeyToAddress(*pub); !bytes.Equal(recovered[:], data[ethAddrOffset:ethAddrEnd]) {
			return errs.Instructionf("secp256k1: signature %d does not match the expected address", i)
		}
	}
	return nil
}

// loaderHandler accounts for program deployment bookkeeping only:
// replay never runs a deployed host-native program, it only needs to
// keep the loader's own account metadata (ownership, executable flag)
// consistent for whatever reads it later in the same transaction.
func loaderHandler(ctx *InvokeContext, _ []byte, accounts []KeyedAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	acc := ctx.Arena.At(accounts[0].Index)
	if acc != nil {
		acc.Executable = true
	}
	return nil
}
