package vcpu

import (
	"fmt"

	"github.com/quietvm/hvcore/internal/hv"
)

// gpRegsByIndex maps an x86 ModRM/REX register index (the RAX=0...RDI=7,
// R8=8...R15=15 encoding order) to this core's hv.Register enum, which is
// declared in a different order.
var gpRegsByIndex = [16]hv.Register{
	hv.RegisterRax, hv.RegisterRcx, hv.RegisterRdx, hv.RegisterRbx,
	hv.RegisterRsp, hv.RegisterRbp, hv.RegisterRsi, hv.RegisterRdi,
	hv.RegisterR8, hv.RegisterR9, hv.RegisterR10, hv.RegisterR11,
	hv.RegisterR12, hv.RegisterR13, hv.RegisterR14, hv.RegisterR15,
}

// decodedMov is the result of decoding one guest instruction that the
// EPT-violation handler matched against a MOV variant. Only the
// register-indirect and disp8/disp32/SIB addressing forms are walked for
// instruction length; the effective address itself is never recomputed
// here because the EPT violation already supplies the faulting
// guest-physical address directly.
type decodedMov struct {
	Length        int
	Size          uint8 // 1, 2, 4, or 8
	IsWrite       bool  // true: memory is the destination
	Reg           hv.Register
	HasImmediate  bool
	Immediate     uint64
}

func sizeFromRex(rexW, opSize16 bool) uint8 {
	switch {
	case rexW:
		return 8
	case opSize16:
		return 2
	default:
		return 4
	}
}

// decodeModRM parses the ModRM byte at code[pos] plus any SIB byte and
// displacement that follow it, returning mod/reg/rm and the total number
// of bytes the ModRM+SIB+disp group occupies.
func decodeModRM(code []byte, pos int) (mod, reg, rm, length int, err error) {
	if pos >= len(code) {
		return 0, 0, 0, 0, hv.DecodeError("vcpu.decode", fmt.Errorf("truncated instruction: missing ModRM byte"))
	}
	modrm := code[pos]
	mod = int(modrm >> 6)
	reg = int((modrm >> 3) & 0x7)
	rm = int(modrm & 0x7)
	length = 1

	if mod != 3 && rm == 4 {
		if pos+length >= len(code) {
			return 0, 0, 0, 0, hv.DecodeError("vcpu.decode", fmt.Errorf("truncated instruction: missing SIB byte"))
		}
		sib := code[pos+length]
		length++
		sibBase := int(sib & 0x7)
		if mod == 0 && sibBase == 5 {
			length += 4 // disp32, no base register
		}
	}
	if mod == 0 && rm == 5 {
		length += 4 // RIP-relative disp32
	}
	if mod == 1 {
		length++ // disp8
	}
	if mod == 2 {
		length += 4 // disp32
	}
	return mod, reg, rm, length, nil
}

// decodeMov decodes the MOV instruction at the start of code, per §4.F's
// "only MOV variants are supported; other opcodes fail with
// InstructionNotSupported". It recognizes the register<->memory forms
// (0x88/0x8A byte, 0x89/0x8B word/dword/qword) and the immediate-to-memory
// forms (0xC6 byte, 0xC7 word/dword/qword, with the imm32 sign-extended
// to 64 bits per the ISA when the destination is a qword).
func decodeMov(code []byte) (decodedMov, error) {
	pos := 0
	rexW, rexR := false, false
	opSize16 := false

	for pos < len(code) {
		b := code[pos]
		switch {
		case b == 0x66:
			opSize16 = true
			pos++
		case b == 0x67:
			pos++
		case b >= 0x40 && b <= 0x4f:
			rexW = b&0x08 != 0
			rexR = b&0x04 != 0
			pos++
		default:
			goto decodeOpcode
		}
	}

decodeOpcode:
	if pos >= len(code) {
		return decodedMov{}, hv.DecodeError("vcpu.decode", fmt.Errorf("truncated instruction: missing opcode"))
	}
	opcode := code[pos]
	pos++

	var result decodedMov
	var hasReg bool
	var immBytes int

	switch opcode {
	case 0x88:
		result.Size, result.IsWrite, hasReg = 1, true, true
	case 0x8A:
		result.Size, result.IsWrite, hasReg = 1, false, true
	case 0x89:
		result.Size, result.IsWrite, hasReg = sizeFromRex(rexW, opSize16), true, true
	case 0x8B:
		result.Size, result.IsWrite, hasReg = sizeFromRex(rexW, opSize16), false, true
	case 0xC6:
		result.Size, result.IsWrite, hasReg = 1, true, false
		immBytes = 1
	case 0xC7:
		result.Size, result.IsWrite, hasReg = sizeFromRex(rexW, opSize16), true, false
		if opSize16 {
			immBytes = 2
		} else {
			immBytes = 4
		}
	default:
		return decodedMov{}, hv.InstructionNotSupported("vcpu.decode",
			fmt.Errorf("opcode 0x%02x is not a supported MOV variant", opcode))
	}

	mod, regField, _, modrmLen, err := decodeModRM(code, pos)
	if err != nil {
		return decodedMov{}, err
	}
	if mod == 3 {
		return decodedMov{}, hv.InstructionNotSupported("vcpu.decode",
			fmt.Errorf("register-direct ModRM has no memory operand"))
	}
	pos += modrmLen

	if hasReg {
		idx := regField
		if rexR {
			idx += 8
		}
		result.Reg = gpRegsByIndex[idx]
	} else {
		if pos+immBytes > len(code) {
			return decodedMov{}, hv.DecodeError("vcpu.decode", fmt.Errorf("truncated instruction: missing immediate"))
		}
		var imm uint64
		for i := 0; i < immBytes; i++ {
			imm |= uint64(code[pos+i]) << (8 * i)
		}
		if immBytes == 4 && result.Size == 8 {
			imm = uint64(int64(int32(imm)))
		}
		pos += immBytes
		result.HasImmediate = true
		result.Immediate = imm
	}

	result.Length = pos
	return result, nil
}
