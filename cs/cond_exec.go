package cs

import "github.com/vkngwrapper/core/v2/common"

// CondExecStart opens a conditionally executed block. The header word is supplied by the packet layer;
// the stream follows it with flags and a length word that is filled in by CondExecEnd. Blocks nest up
// to four deep.
func (s *Stream) CondExecStart(header uint32, flags uint32) (common.VkResult, error) {
	if s.condDepth >= condExecStackSize {
		panic("attempting to nest conditional execution blocks too deeply")
	}

	res, err := s.Reserve(condExecWords)
	if err != nil {
		return res, err
	}

	s.Emit(header)
	s.Emit(flags)
	s.condStack[s.condDepth] = condExec{
		header:      header,
		flags:       flags,
		lengthIndex: s.cur,
	}
	s.Emit(0)
	s.condDepth++

	return res, nil
}

// CondExecEnd closes the innermost conditional execution block. If nothing was emitted inside the
// block, the block's packet is removed from the stream.
func (s *Stream) CondExecEnd() {
	if s.condDepth == 0 {
		panic("attempting to end a conditional execution block that was never started")
	}

	s.condDepth--
	block := s.condStack[s.condDepth]
	s.condStack[s.condDepth] = condExec{}

	length := s.cur - block.lengthIndex - 1
	if length > 0 {
		s.words[block.lengthIndex] = uint32(length)
	} else {
		s.cur -= condExecWords
	}
}
