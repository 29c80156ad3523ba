package interpreter

import (
	"encoding/binary"
	"fmt"
)

// Opcode values.
const (
	OP_0                   = 0x00
	OP_DATA_1              = 0x01
	OP_DATA_20             = 0x14
	OP_DATA_32             = 0x20
	OP_DATA_75             = 0x4b
	OP_PUSHDATA1           = 0x4c
	OP_PUSHDATA2           = 0x4d
	OP_PUSHDATA4           = 0x4e
	OP_1NEGATE             = 0x4f
	OP_RESERVED            = 0x50
	OP_1                   = 0x51
	OP_2                   = 0x52
	OP_3                   = 0x53
	OP_4                   = 0x54
	OP_5                   = 0x55
	OP_6                   = 0x56
	OP_16                  = 0x60
	OP_NOP                 = 0x61
	OP_VER                 = 0x62
	OP_IF                  = 0x63
	OP_NOTIF               = 0x64
	OP_VERIF               = 0x65
	OP_VERNOTIF            = 0x66
	OP_ELSE                = 0x67
	OP_ENDIF               = 0x68
	OP_VERIFY              = 0x69
	OP_RETURN              = 0x6a
	OP_TOALTSTACK          = 0x6b
	OP_FROMALTSTACK        = 0x6c
	OP_2DROP               = 0x6d
	OP_2DUP                = 0x6e
	OP_3DUP                = 0x6f
	OP_2OVER               = 0x70
	OP_2ROT                = 0x71
	OP_2SWAP               = 0x72
	OP_IFDUP               = 0x73
	OP_DEPTH               = 0x74
	OP_DROP                = 0x75
	OP_DUP                 = 0x76
	OP_NIP                 = 0x77
	OP_OVER                = 0x78
	OP_PICK                = 0x79
	OP_ROLL                = 0x7a
	OP_ROT                 = 0x7b
	OP_SWAP                = 0x7c
	OP_TUCK                = 0x7d
	OP_CAT                 = 0x7e
	OP_SUBSTR              = 0x7f
	OP_LEFT                = 0x80
	OP_RIGHT               = 0x81
	OP_SIZE                = 0x82
	OP_INVERT              = 0x83
	OP_AND                 = 0x84
	OP_OR                  = 0x85
	OP_XOR                 = 0x86
	OP_EQUAL               = 0x87
	OP_EQUALVERIFY         = 0x88
	OP_RESERVED1           = 0x89
	OP_RESERVED2           = 0x8a
	OP_1ADD                = 0x8b
	OP_1SUB                = 0x8c
	OP_2MUL                = 0x8d
	OP_2DIV                = 0x8e
	OP_NEGATE              = 0x8f
	OP_ABS                 = 0x90
	OP_NOT                 = 0x91
	OP_0NOTEQUAL           = 0x92
	OP_ADD                 = 0x93
	OP_SUB                 = 0x94
	OP_MUL                 = 0x95
	OP_DIV                 = 0x96
	OP_MOD                 = 0x97
	OP_LSHIFT              = 0x98
	OP_RSHIFT              = 0x99
	OP_BOOLAND             = 0x9a
	OP_BOOLOR              = 0x9b
	OP_NUMEQUAL            = 0x9c
	OP_NUMEQUALVERIFY      = 0x9d
	OP_NUMNOTEQUAL         = 0x9e
	OP_LESSTHAN            = 0x9f
	OP_GREATERTHAN         = 0xa0
	OP_LESSTHANOREQUAL     = 0xa1
	OP_GREATERTHANOREQUAL  = 0xa2
	OP_MIN                 = 0xa3
	OP_MAX                 = 0xa4
	OP_WITHIN              = 0xa5
	OP_RIPEMD160           = 0xa6
	OP_SHA1                = 0xa7
	OP_SHA256              = 0xa8
	OP_HASH160             = 0xa9
	OP_HASH256             = 0xaa
	OP_CODESEPARATOR       = 0xab
	OP_CHECKSIG            = 0xac
	OP_CHECKSIGVERIFY      = 0xad
	OP_CHECKMULTISIG       = 0xae
	OP_CHECKMULTISIGVERIFY = 0xaf
	OP_NOP1                = 0xb0
	OP_CHECKLOCKTIMEVERIFY = 0xb1
	OP_CHECKSEQUENCEVERIFY = 0xb2
	OP_NOP4                = 0xb3
	OP_NOP10               = 0xb9
	OP_CHECKSIGADD         = 0xba
	OP_INVALIDOPCODE       = 0xff
)

// opcode describes one opcode: its name, its length including data (a
// negative length -n means an n-byte little-endian length prefix follows)
// and the handler that executes it.
type opcode struct {
	value  byte
	name   string
	length int
	opfunc func(op *opcode, data []byte, vm *Engine) error
}

var opcodeArray [256]opcode

var opcodeNames = map[byte]string{
	OP_0: "OP_0", OP_PUSHDATA1: "OP_PUSHDATA1", OP_PUSHDATA2: "OP_PUSHDATA2",
	OP_PUSHDATA4: "OP_PUSHDATA4", OP_1NEGATE: "OP_1NEGATE",
	OP_RESERVED: "OP_RESERVED", OP_NOP: "OP_NOP", OP_VER: "OP_VER",
	OP_IF: "OP_IF", OP_NOTIF: "OP_NOTIF", OP_VERIF: "OP_VERIF",
	OP_VERNOTIF: "OP_VERNOTIF", OP_ELSE: "OP_ELSE", OP_ENDIF: "OP_ENDIF",
	OP_VERIFY: "OP_VERIFY", OP_RETURN: "OP_RETURN",
	OP_TOALTSTACK: "OP_TOALTSTACK", OP_FROMALTSTACK: "OP_FROMALTSTACK",
	OP_2DROP: "OP_2DROP", OP_2DUP: "OP_2DUP", OP_3DUP: "OP_3DUP",
	OP_2OVER: "OP_2OVER", OP_2ROT: "OP_2ROT", OP_2SWAP: "OP_2SWAP",
	OP_IFDUP: "OP_IFDUP", OP_DEPTH: "OP_DEPTH", OP_DROP: "OP_DROP",
	OP_DUP: "OP_DUP", OP_NIP: "OP_NIP", OP_OVER: "OP_OVER",
	OP_PICK: "OP_PICK", OP_ROLL: "OP_ROLL", OP_ROT: "OP_ROT",
	OP_SWAP: "OP_SWAP", OP_TUCK: "OP_TUCK", OP_CAT: "OP_CAT",
	OP_SUBSTR: "OP_SUBSTR", OP_LEFT: "OP_LEFT", OP_RIGHT: "OP_RIGHT",
	OP_SIZE: "OP_SIZE", OP_INVERT: "OP_INVERT", OP_AND: "OP_AND",
	OP_OR: "OP_OR", OP_XOR: "OP_XOR", OP_EQUAL: "OP_EQUAL",
	OP_EQUALVERIFY: "OP_EQUALVERIFY", OP_RESERVED1: "OP_RESERVED1",
	OP_RESERVED2: "OP_RESERVED2", OP_1ADD: "OP_1ADD", OP_1SUB: "OP_1SUB",
	OP_2MUL: "OP_2MUL", OP_2DIV: "OP_2DIV", OP_NEGATE: "OP_NEGATE",
	OP_ABS: "OP_ABS", OP_NOT: "OP_NOT", OP_0NOTEQUAL: "OP_0NOTEQUAL",
	OP_ADD: "OP_ADD", OP_SUB: "OP_SUB", OP_MUL: "OP_MUL", OP_DIV: "OP_DIV",
	OP_MOD: "OP_MOD", OP_LSHIFT: "OP_LSHIFT", OP_RSHIFT: "OP_RSHIFT",
	OP_BOOLAND: "OP_BOOLAND", OP_BOOLOR: "OP_BOOLOR",
	OP_NUMEQUAL: "OP_NUMEQUAL", OP_NUMEQUALVERIFY: "OP_NUMEQUALVERIFY",
	OP_NUMNOTEQUAL: "OP_NUMNOTEQUAL", OP_LESSTHAN: "OP_LESSTHAN",
	OP_GREATERTHAN: "OP_GREATERTHAN", OP_LESSTHANOREQUAL: "OP_LESSTHANOREQUAL",
	OP_GREATERTHANOREQUAL: "OP_GREATERTHANOREQUAL", OP_MIN: "OP_MIN",
	OP_MAX: "OP_MAX", OP_WITHIN: "OP_WITHIN", OP_RIPEMD160: "OP_RIPEMD160",
	OP_SHA1: "OP_SHA1", OP_SHA256: "OP_SHA256", OP_HASH160: "OP_HASH160",
	OP_HASH256: "OP_HASH256", OP_CODESEPARATOR: "OP_CODESEPARATOR",
	OP_CHECKSIG: "OP_CHECKSIG", OP_CHECKSIGVERIFY: "OP_CHECKSIGVERIFY",
	OP_CHECKMULTISIG:       "OP_CHECKMULTISIG",
	OP_CHECKMULTISIGVERIFY: "OP_CHECKMULTISIGVERIFY", OP_NOP1: "OP_NOP1",
	OP_CHECKLOCKTIMEVERIFY: "OP_CHECKLOCKTIMEVERIFY",
	OP_CHECKSEQUENCEVERIFY: "OP_CHECKSEQUENCEVERIFY",
	OP_CHECKSIGADD:         "OP_CHECKSIGADD",
}

var opcodeHandlers = map[byte]func(*opcode, []byte, *Engine) error{
	OP_0: opcodePushData, OP_PUSHDATA1: opcodePushData,
	OP_PUSHDATA2: opcodePushData, OP_PUSHDATA4: opcodePushData,
	OP_1NEGATE: opcode1Negate, OP_RESERVED: opcodeReserved,
	OP_NOP: opcodeNop, OP_VER: opcodeReserved, OP_IF: opcodeIf,
	OP_NOTIF: opcodeNotIf, OP_VERIF: opcodeReserved,
	OP_VERNOTIF: opcodeReserved, OP_ELSE: opcodeElse, OP_ENDIF: opcodeEndif,
	OP_VERIFY: opcodeVerify, OP_RETURN: opcodeReturn,

	OP_TOALTSTACK: opcodeToAltStack, OP_FROMALTSTACK: opcodeFromAltStack,
	OP_2DROP: opcode2Drop, OP_2DUP: opcode2Dup, OP_3DUP: opcode3Dup,
	OP_2OVER: opcode2Over, OP_2ROT: opcode2Rot, OP_2SWAP: opcode2Swap,
	OP_IFDUP: opcodeIfDup, OP_DEPTH: opcodeDepth, OP_DROP: opcodeDrop,
	OP_DUP: opcodeDup, OP_NIP: opcodeNip, OP_OVER: opcodeOver,
	OP_PICK: opcodePick, OP_ROLL: opcodeRoll, OP_ROT: opcodeRot,
	OP_SWAP: opcodeSwap, OP_TUCK: opcodeTuck, OP_SIZE: opcodeSize,

	OP_CAT: opcodeDisabled, OP_SUBSTR: opcodeDisabled,
	OP_LEFT: opcodeDisabled, OP_RIGHT: opcodeDisabled,
	OP_INVERT: opcodeDisabled, OP_AND: opcodeDisabled,
	OP_OR: opcodeDisabled, OP_XOR: opcodeDisabled,
	OP_2MUL: opcodeDisabled, OP_2DIV: opcodeDisabled,
	OP_MUL: opcodeDisabled, OP_DIV: opcodeDisabled, OP_MOD: opcodeDisabled,
	OP_LSHIFT: opcodeDisabled, OP_RSHIFT: opcodeDisabled,

	OP_EQUAL: opcodeEqual, OP_EQUALVERIFY: opcodeEqualVerify,
	OP_RESERVED1: opcodeReserved, OP_RESERVED2: opcodeReserved,

	OP_1ADD: opcode1Add, OP_1SUB: opcode1Sub, OP_NEGATE: opcodeNegate,
	OP_ABS: opcodeAbs, OP_NOT: opcodeNot, OP_0NOTEQUAL: opcode0NotEqual,
	OP_ADD: opcodeAdd, OP_SUB: opcodeSub, OP_BOOLAND: opcodeBoolAnd,
	OP_BOOLOR: opcodeBoolOr, OP_NUMEQUAL: opcodeNumEqual,
	OP_NUMEQUALVERIFY: opcodeNumEqualVerify,
	OP_NUMNOTEQUAL:    opcodeNumNotEqual, OP_LESSTHAN: opcodeLessThan,
	OP_GREATERTHAN:        opcodeGreaterThan,
	OP_LESSTHANOREQUAL:    opcodeLessThanOrEqual,
	OP_GREATERTHANOREQUAL: opcodeGreaterThanOrEqual,
	OP_MIN:                opcodeMin, OP_MAX: opcodeMax, OP_WITHIN: opcodeWithin,

	OP_RIPEMD160: opcodeRipemd160, OP_SHA1: opcodeSha1,
	OP_SHA256: opcodeSha256, OP_HASH160: opcodeHash160,
	OP_HASH256: opcodeHash256, OP_CODESEPARATOR: opcodeCodeSeparator,
	OP_CHECKSIG: opcodeCheckSig, OP_CHECKSIGVERIFY: opcodeCheckSigVerify,
	OP_CHECKMULTISIG:       opcodeCheckMultiSig,
	OP_CHECKMULTISIGVERIFY: opcodeCheckMultiSigVerify,
	OP_CHECKSIGADD:         opcodeCheckSigAdd,

	OP_NOP1:                opcodeNop,
	OP_CHECKLOCKTIMEVERIFY: opcodeCheckLockTimeVerify,
	OP_CHECKSEQUENCEVERIFY: opcodeCheckSequenceVerify,
}

func init() {
	for i := 0; i < 256; i++ {
		b := byte(i)
		op := opcode{value: b, length: 1, opfunc: opcodeInvalid}

		switch {
		case b >= OP_DATA_1 && b <= OP_DATA_75:
			op.name = fmt.Sprintf("OP_DATA_%d", b)
			op.length = int(b) + 1
			op.opfunc = opcodePushData
		case b == OP_PUSHDATA1:
			op.length = -1
		case b == OP_PUSHDATA2:
			op.length = -2
		case b == OP_PUSHDATA4:
			op.length = -4
		case b >= OP_1 && b <= OP_16:
			op.name = fmt.Sprintf("OP_%d", b-OP_1+1)
			op.opfunc = opcodeN
		case b >= OP_NOP4 && b <= OP_NOP10:
			op.name = fmt.Sprintf("OP_NOP%d", b-OP_NOP4+4)
			op.opfunc = opcodeNop
		}

		if name, ok := opcodeNames[b]; ok {
			op.name = name
		}
		if h, ok := opcodeHandlers[b]; ok {
			op.opfunc = h
		}
		if op.name == "" {
			op.name = fmt.Sprintf("OP_UNKNOWN%d", b)
		}
		opcodeArray[i] = op
	}
}

// isDisabled reports opcodes that fail a legacy or witness v0 script even
// in an unexecuted branch.
func isDisabled(op byte) bool {
	switch op {
	case OP_CAT, OP_SUBSTR, OP_LEFT, OP_RIGHT, OP_INVERT, OP_AND, OP_OR,
		OP_XOR, OP_2MUL, OP_2DIV, OP_MUL, OP_DIV, OP_MOD, OP_LSHIFT,
		OP_RSHIFT:
		return true
	}
	return false
}

// isConditional reports the opcodes that are evaluated in unexecuted
// branches.
func isConditional(op byte) bool {
	return op >= OP_IF && op <= OP_ENDIF
}

// isOpSuccess reports the tapscript OP_SUCCESSx opcodes (BIP342).
func isOpSuccess(op byte) bool {
	return op == 80 || op == 98 || (op >= 126 && op <= 129) ||
		(op >= 131 && op <= 134) || (op >= 137 && op <= 138) ||
		(op >= 141 && op <= 142) || (op >= 149 && op <= 153) ||
		(op >= 187 && op <= 254)
}

// tokenizer walks the opcodes of a script without executing them.
type tokenizer struct {
	script []byte
	offset int
	opIdx  int
	op     *opcode
	data   []byte
	err    error
}

func newTokenizer(script []byte) tokenizer {
	return tokenizer{script: script, opIdx: -1}
}

// Next advances to the next opcode. It returns false at the end of the
// script or on a malformed push, in which case Err is set.
func (t *tokenizer) Next() bool {
	if t.err != nil || t.offset >= len(t.script) {
		return false
	}

	op := &opcodeArray[t.script[t.offset]]
	switch {
	case op.length == 1:
		t.offset++
		t.op, t.data = op, nil

	case op.length > 1:
		end := t.offset + op.length
		if end > len(t.script) {
			t.err = scriptErrorf(ErrMalformedPush,
				"opcode %s requires %d bytes, but script only has %d "+
					"remaining", op.name, op.length, len(t.script)-t.offset)
			return false
		}
		t.op, t.data = op, t.script[t.offset+1:end]
		t.offset = end

	default:
		prefix := -op.length
		start := t.offset + 1
		if start+prefix > len(t.script) {
			t.err = scriptErrorf(ErrMalformedPush,
				"opcode %s requires %d bytes, but script only has %d "+
					"remaining", op.name, prefix, len(t.script)-start)
			return false
		}
		var n int
		switch prefix {
		case 1:
			n = int(t.script[start])
		case 2:
			n = int(binary.LittleEndian.Uint16(t.script[start:]))
		case 4:
			n = int(binary.LittleEndian.Uint32(t.script[start:]))
		}
		start += prefix
		if n < 0 || n > len(t.script)-start {
			t.err = scriptErrorf(ErrMalformedPush,
				"opcode %s pushes %d bytes, but script only has %d "+
					"remaining", op.name, n, len(t.script)-start)
			return false
		}
		t.op, t.data = op, t.script[start:start+n]
		t.offset = start + n
	}
	t.opIdx++
	return true
}

func (t *tokenizer) Done() bool {
	return t.err != nil || t.offset >= len(t.script)
}

// isPushOnly reports whether script consists only of push opcodes. For
// this purpose OP_RESERVED counts as a push and malformed scripts do not.
func isPushOnly(script []byte) bool {
	t := newTokenizer(script)
	for t.Next() {
		if t.op.value > OP_16 {
			return false
		}
	}
	return t.err == nil
}

// checkMinimalPush enforces the shortest push encoding for data.
func checkMinimalPush(op byte, data []byte) error {
	n := len(data)
	switch {
	case n == 0:
		if op != OP_0 {
			return scriptErrorf(ErrMinimalData,
				"zero length data push is encoded with opcode %#x "+
					"instead of OP_0", op)
		}
	case n == 1 && data[0] >= 1 && data[0] <= 16:
		if op != OP_1+data[0]-1 {
			return scriptErrorf(ErrMinimalData,
				"data push of the value %d encoded with opcode %#x "+
					"instead of OP_%d", data[0], op, data[0])
		}
	case n == 1 && data[0] == 0x81:
		if op != OP_1NEGATE {
			return scriptErrorf(ErrMinimalData,
				"data push of the value -1 encoded with opcode %#x "+
					"instead of OP_1NEGATE", op)
		}
	case n <= 75:
		if int(op) != n {
			return scriptErrorf(ErrMinimalData,
				"data push of %d bytes encoded with opcode %#x "+
					"instead of OP_DATA_%d", n, op, n)
		}
	case n <= 255:
		if op != OP_PUSHDATA1 {
			return scriptErrorf(ErrMinimalData,
				"data push of %d bytes encoded with opcode %#x "+
					"instead of OP_PUSHDATA1", n, op)
		}
	case n <= 65535:
		if op != OP_PUSHDATA2 {
			return scriptErrorf(ErrMinimalData,
				"data push of %d bytes encoded with opcode %#x "+
					"instead of OP_PUSHDATA2", n, op)
		}
	}
	return nil
}

// canonicalPush returns the minimal push of data.
func canonicalPush(data []byte) []byte {
	n := len(data)
	var out []byte
	switch {
	case n < OP_PUSHDATA1:
		out = append(out, byte(n))
	case n <= 0xff:
		out = append(out, OP_PUSHDATA1, byte(n))
	case n <= 0xffff:
		out = append(out, OP_PUSHDATA2, 0, 0)
		binary.LittleEndian.PutUint16(out[1:], uint16(n))
	default:
		out = append(out, OP_PUSHDATA4, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(out[1:], uint32(n))
	}
	return append(out, data...)
}

// findAndDelete removes every push of sig that starts on an opcode
// boundary of script. Legacy signature hashing applies it to the script
// code. An empty sig matches OP_0.
func findAndDelete(script, sig []byte) []byte {
	needle := canonicalPush(sig)

	var result []byte
	found := false
	pc, pc2 := 0, 0
	t := newTokenizer(script)
	for {
		result = append(result, script[pc2:pc]...)
		for len(script)-pc >= len(needle) &&
			string(script[pc:pc+len(needle)]) == string(needle) {

			pc += len(needle)
			found = true
		}
		pc2 = pc

		t.offset = pc
		if !t.Next() {
			break
		}
		pc = t.offset
	}
	if !found {
		return script
	}
	return append(result, script[pc2:]...)
}

// removeCodeSeparators strips OP_CODESEPARATOR from a legacy script code.
// Bytes after a malformed push are kept as they are.
func removeCodeSeparators(script []byte) []byte {
	var result []byte
	start := 0
	t := newTokenizer(script)
	for {
		prev := t.offset
		if !t.Next() {
			break
		}
		if t.op.value == OP_CODESEPARATOR {
			result = append(result, script[start:prev]...)
			start = t.offset
		}
	}
	if start == 0 {
		return script
	}
	return append(result, script[start:]...)
}

// disasm renders a script for trace logging.
func disasm(script []byte) string {
	var out []byte
	t := newTokenizer(script)
	for t.Next() {
		if len(out) > 0 {
			out = append(out, ' ')
		}
		if t.op.value != OP_0 && t.op.value <= OP_PUSHDATA4 {
			out = append(out, fmt.Sprintf("%x", t.data)...)
			continue
		}
		out = append(out, t.op.name...)
	}
	if t.err != nil {
		out = append(out, " [error]"...)
	}
	return string(out)
}
