package interpreter

const (
	maxInt32 = 1<<31 - 1
	minInt32 = -1 << 31

	// defaultScriptNumLen is the maximum byte length of numeric operands.
	defaultScriptNumLen = 4

	// lockTimeScriptNumLen is the operand length accepted by
	// CHECKLOCKTIMEVERIFY and CHECKSEQUENCEVERIFY.
	lockTimeScriptNumLen = 5
)

// scriptNum is a script number. Numbers are encoded on the stack as
// little-endian sign-magnitude values, with the sign in the high bit of the
// last byte. Results of arithmetic may exceed the operand size limit and
// are still pushed, they just cannot be consumed as operands again.
type scriptNum int64

// checkMinimalDataEncoding fails if v is not the shortest encoding of its
// value, which includes negative zero.
func checkMinimalDataEncoding(v []byte) error {
	if len(v) == 0 {
		return nil
	}
	// The last byte may only be zero if the byte before it needs the sign
	// bit for magnitude.
	if v[len(v)-1]&0x7f == 0 {
		if len(v) == 1 || v[len(v)-2]&0x80 == 0 {
			return scriptErrorf(ErrMinimalData,
				"numeric value encoded as %x is not minimally encoded", v)
		}
	}
	return nil
}

// Bytes returns the minimal encoding of n.
func (n scriptNum) Bytes() []byte {
	if n == 0 {
		return nil
	}

	negative := n < 0
	if negative {
		n = -n
	}

	result := make([]byte, 0, 9)
	for n > 0 {
		result = append(result, byte(n&0xff))
		n >>= 8
	}

	// Keep the sign bit free for the sign.
	if result[len(result)-1]&0x80 != 0 {
		extra := byte(0x00)
		if negative {
			extra = 0x80
		}
		result = append(result, extra)
	} else if negative {
		result[len(result)-1] |= 0x80
	}
	return result
}

// Int32 clamps n to the int32 range.
func (n scriptNum) Int32() int32 {
	if n > maxInt32 {
		return maxInt32
	}
	if n < minInt32 {
		return minInt32
	}
	return int32(n)
}

// makeScriptNum decodes v, enforcing the size limit and, when asked,
// minimal encoding.
func makeScriptNum(v []byte, requireMinimal bool, scriptNumLen int) (scriptNum, error) {
	if len(v) > scriptNumLen {
		return 0, scriptErrorf(ErrNumberTooBig,
			"numeric value encoded as %x is %d bytes which exceeds the "+
				"max allowed of %d", v, len(v), scriptNumLen)
	}
	if requireMinimal {
		if err := checkMinimalDataEncoding(v); err != nil {
			return 0, err
		}
	}
	if len(v) == 0 {
		return 0, nil
	}

	var result int64
	for i, b := range v {
		result |= int64(b) << uint8(8*i)
	}
	if v[len(v)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << uint8(8*(len(v)-1)))
		return scriptNum(-result), nil
	}
	return scriptNum(result), nil
}
