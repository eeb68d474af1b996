package cs

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/memutils"
)

// IndirectWords is the number of words EmitIndirect writes for a non-empty DrawState
const IndirectWords = 4

// DrawState is a sealed sub-stream, referenced from other streams by address. Size is in words.
type DrawState struct {
	IOVA uint64
	Size uint32
}

// Memory is a block of words carved from a sub-stream parent for constant data
type Memory struct {
	Words []uint32
	IOVA  uint64
}

// BeginSubStream carves an external stream of exactly words words out of this ModeSubStream stream.
// Only one sub-stream may be open at a time, and it must be closed with EndSubStream or EndDrawState.
func (s *Stream) BeginSubStream(words int) (*Stream, common.VkResult, error) {
	if s.mode != ModeSubStream {
		panic("attempting to begin a sub-stream on a stream that is not a sub-stream parent")
	}
	if words < 1 {
		panic("attempting to begin an empty sub-stream")
	}
	if s.openSub != nil {
		panic("attempting to begin a sub-stream while another is open")
	}

	res, err := s.Reserve(words)
	if err != nil {
		return nil, res, err
	}

	sub := NewExternal(s.logger, s.words[s.cur:s.reservedEnd], s.CurrentIOVA(), s.name)
	sub.Begin()
	_, _ = sub.Reserve(words)

	s.openSub = sub
	return sub, core1_0.VKSuccess, nil
}

// EndSubStream seals the open sub-stream and returns the span it wrote. The span is empty when
// nothing was emitted.
func (s *Stream) EndSubStream(sub *Stream) Entry {
	if s.mode != ModeSubStream {
		panic("attempting to end a sub-stream on a stream that is not a sub-stream parent")
	}
	if sub == nil || sub != s.openSub {
		panic("attempting to end a sub-stream that was not begun from this stream")
	}

	memutils.DebugValidate(sub)
	sub.End()

	s.cur += sub.cur
	entry := Entry{
		Buffer: s.currentBuffer(),
		Offset: uint32(s.start * 4),
		Size:   uint32((s.cur - s.start) * 4),
	}
	s.start = s.cur
	s.openSub = nil

	return entry
}

// BeginDrawState is BeginSubStream for sub-streams that will be sealed into a DrawState
func (s *Stream) BeginDrawState(words int) (*Stream, common.VkResult, error) {
	return s.BeginSubStream(words)
}

// EndDrawState seals the open sub-stream into a DrawState
func (s *Stream) EndDrawState(sub *Stream) DrawState {
	entry := s.EndSubStream(sub)
	return DrawState{
		IOVA: entry.IOVA(),
		Size: entry.Size / 4,
	}
}

// Alloc carves count blocks of size words each, aligned to size words, out of this ModeSubStream
// stream. size must be a power of two no larger than 1024.
func (s *Stream) Alloc(count int, size int) (Memory, common.VkResult, error) {
	if s.mode != ModeSubStream {
		panic("attempting to allocate constant memory from a stream that is not a sub-stream parent")
	}
	if size < 1 || size > 1024 || memutils.CheckPow2(size, "size") != nil {
		panic("attempting to allocate constant memory with an invalid block size")
	}
	if s.openSub != nil {
		panic("attempting to allocate constant memory while a sub-stream is open")
	}

	if count == 0 {
		return Memory{}, core1_0.VKSuccess, nil
	}

	res, err := s.Reserve(count*size + size - 1)
	if err != nil {
		return Memory{}, res, err
	}

	// alignment is relative to the GPU address, which is at least page aligned at index 0
	offset := memutils.AlignUp(s.cur, size)
	memory := Memory{
		Words: s.words[offset : offset+count*size],
		IOVA:  s.iova + uint64(offset)*4,
	}

	s.start = offset + count*size
	s.cur = s.start
	return memory, core1_0.VKSuccess, nil
}

// EmitIndirect writes a reference to a DrawState behind the provided packet header. Empty draw states
// are skipped entirely and false is returned. The caller must have reserved IndirectWords words.
func (s *Stream) EmitIndirect(header uint32, state DrawState) bool {
	if state.Size == 0 {
		return false
	}

	s.Emit(header)
	s.EmitQword(state.IOVA)
	s.Emit(state.Size)
	return true
}
