package interpreter

// asBool interprets a stack element as a boolean. Any non-zero byte makes
// it true, except a lone sign bit in the last byte (negative zero).
func asBool(t []byte) bool {
	for i := range t {
		if t[i] != 0 {
			if i == len(t)-1 && t[i] == 0x80 {
				return false
			}
			return true
		}
	}
	return false
}

func fromBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return nil
}

// stack holds byte slices. Elements are indexed from the top, so 0 is the
// most recently pushed item.
type stack struct {
	stk               [][]byte
	verifyMinimalData bool
}

func (s *stack) Depth() int32 {
	return int32(len(s.stk))
}

func (s *stack) PushByteArray(so []byte) {
	s.stk = append(s.stk, so)
}

func (s *stack) PushInt(val scriptNum) {
	s.PushByteArray(val.Bytes())
}

func (s *stack) PushBool(val bool) {
	s.PushByteArray(fromBool(val))
}

func (s *stack) PopByteArray() ([]byte, error) {
	return s.nipN(0)
}

func (s *stack) PopInt() (scriptNum, error) {
	so, err := s.PopByteArray()
	if err != nil {
		return 0, err
	}
	return makeScriptNum(so, s.verifyMinimalData, defaultScriptNumLen)
}

func (s *stack) PopBool() (bool, error) {
	so, err := s.PopByteArray()
	if err != nil {
		return false, err
	}
	return asBool(so), nil
}

func (s *stack) PeekByteArray(idx int32) ([]byte, error) {
	sz := int32(len(s.stk))
	if idx < 0 || idx >= sz {
		return nil, scriptErrorf(ErrStackUnderflow,
			"index %d is invalid for stack size %d", idx, sz)
	}
	return s.stk[sz-idx-1], nil
}

func (s *stack) PeekInt(idx int32, numLen int) (scriptNum, error) {
	so, err := s.PeekByteArray(idx)
	if err != nil {
		return 0, err
	}
	return makeScriptNum(so, s.verifyMinimalData, numLen)
}

func (s *stack) PeekBool(idx int32) (bool, error) {
	so, err := s.PeekByteArray(idx)
	if err != nil {
		return false, err
	}
	return asBool(so), nil
}

// nipN removes and returns the item idx positions from the top.
func (s *stack) nipN(idx int32) ([]byte, error) {
	sz := int32(len(s.stk))
	if idx < 0 || idx > sz-1 {
		return nil, scriptErrorf(ErrStackUnderflow,
			"index %d is invalid for stack size %d", idx, sz)
	}

	so := s.stk[sz-idx-1]
	if idx == 0 {
		s.stk = s.stk[:sz-1]
	} else if idx == sz-1 {
		s.stk = s.stk[1:]
	} else {
		s1 := s.stk[sz-idx : sz]
		s.stk = s.stk[:sz-idx-1]
		s.stk = append(s.stk, s1...)
	}
	return so, nil
}

func (s *stack) NipN(idx int32) error {
	_, err := s.nipN(idx)
	return err
}

// Tuck copies the top item below the second one.
// [... x1 x2] -> [... x2 x1 x2]
func (s *stack) Tuck() error {
	so2, err := s.PopByteArray()
	if err != nil {
		return err
	}
	so1, err := s.PopByteArray()
	if err != nil {
		return err
	}
	s.PushByteArray(so2)
	s.PushByteArray(so1)
	s.PushByteArray(so2)
	return nil
}

func (s *stack) DropN(n int32) error {
	if n < 1 {
		return scriptErrorf(ErrInternal, "attempt to drop %d items", n)
	}
	for ; n > 0; n-- {
		if _, err := s.PopByteArray(); err != nil {
			return err
		}
	}
	return nil
}

// DupN duplicates the top n items.
func (s *stack) DupN(n int32) error {
	if n < 1 {
		return scriptErrorf(ErrInternal, "attempt to dup %d items", n)
	}
	for i := n; i > 0; i-- {
		so, err := s.PeekByteArray(n - 1)
		if err != nil {
			return err
		}
		s.PushByteArray(so)
	}
	return nil
}

// RotN rotates the top 3n items left by n.
func (s *stack) RotN(n int32) error {
	if n < 1 {
		return scriptErrorf(ErrInternal, "attempt to rotate %d items", n)
	}
	entry := 3*n - 1
	for i := n; i > 0; i-- {
		so, err := s.nipN(entry)
		if err != nil {
			return err
		}
		s.PushByteArray(so)
	}
	return nil
}

// SwapN swaps the top n items with the n items below them.
func (s *stack) SwapN(n int32) error {
	if n < 1 {
		return scriptErrorf(ErrInternal, "attempt to swap %d items", n)
	}
	entry := 2*n - 1
	for i := n; i > 0; i-- {
		so, err := s.nipN(entry)
		if err != nil {
			return err
		}
		s.PushByteArray(so)
	}
	return nil
}

// OverN copies n items from n items back to the top.
func (s *stack) OverN(n int32) error {
	if n < 1 {
		return scriptErrorf(ErrInternal, "attempt to perform over on %d items", n)
	}
	entry := 2*n - 1
	for ; n > 0; n-- {
		so, err := s.PeekByteArray(entry)
		if err != nil {
			return err
		}
		s.PushByteArray(so)
	}
	return nil
}

func (s *stack) PickN(n int32) error {
	so, err := s.PeekByteArray(n)
	if err != nil {
		return err
	}
	s.PushByteArray(so)
	return nil
}

func (s *stack) RollN(n int32) error {
	so, err := s.nipN(n)
	if err != nil {
		return err
	}
	s.PushByteArray(so)
	return nil
}
