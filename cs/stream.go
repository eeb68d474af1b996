package cs

import (
	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/memutils"
	"golang.org/x/exp/slog"
)

// Mode fixes which operations are legal on a Stream
type Mode uint32

const (
	// ModeGrow streams own their backing buffers and allocate a new, larger buffer whenever Reserve
	// cannot be satisfied, closing the previous span as an Entry
	ModeGrow Mode = iota
	// ModeExternal streams write into memory owned by somebody else and can never grow
	ModeExternal
	// ModeSubStream streams own their backing buffers but never produce entries of their own. They
	// are carved into sub-streams and constant blocks which are referenced indirectly.
	ModeSubStream
)

var modeMapping = map[Mode]string{
	ModeGrow:      "Grow",
	ModeExternal:  "External",
	ModeSubStream: "SubStream",
}

func (m Mode) String() string {
	return modeMapping[m]
}

const (
	// MaxBufferWords is the largest buffer a growing stream will request on its own. Larger buffers are
	// only allocated when a single reservation demands it.
	MaxBufferWords = 0x0fffff

	condExecStackSize = 4
	condExecWords     = 3
)

// ErrCapacityExceeded is returned when a stream that cannot grow runs out of space
var ErrCapacityExceeded = pkgerrors.New("command stream capacity exceeded")

// Buffer is GPU-visible, host-mapped memory that a stream writes into
type Buffer interface {
	IOVA() uint64
	Words() []uint32
	Release()
}

// Allocator provides backing buffers to streams that own their memory
type Allocator interface {
	AllocStreamBuffer(words int, name string) (Buffer, common.VkResult, error)
}

// Entry is a closed span of words within a Buffer. Offset and Size are in bytes.
type Entry struct {
	Buffer Buffer
	Offset uint32
	Size   uint32
}

// IOVA returns the GPU address of the first word of the entry
func (e Entry) IOVA() uint64 {
	return e.Buffer.IOVA() + uint64(e.Offset)
}

// Words returns the host view of the words in the entry
func (e Entry) Words() []uint32 {
	words := e.Buffer.Words()
	return words[e.Offset/4 : (e.Offset+e.Size)/4]
}

type condExec struct {
	header      uint32
	flags       uint32
	lengthIndex int
}

// Stream is an append-only buffer of command words. A Stream is single-writer: it may be built on any
// goroutine, but only one at a time.
//
// All positions are word indices into the active buffer and always satisfy
// start <= cur <= reservedEnd <= end.
type Stream struct {
	logger    *slog.Logger
	allocator Allocator
	name      string
	mode      Mode

	words []uint32
	iova  uint64

	start       int
	cur         int
	reservedEnd int
	end         int

	buffers         []Buffer
	entries         []Entry
	nextBufferWords int
	growCount       int

	condStack [condExecStackSize]condExec
	condDepth int

	openSub *Stream
}

// New creates an empty stream that owns its memory. The first call to Reserve allocates a buffer of
// initialWords words, and each subsequent growth doubles the request.
func New(logger *slog.Logger, allocator Allocator, mode Mode, initialWords int, name string) *Stream {
	if mode == ModeExternal {
		panic("attempting to create an external command stream without external memory")
	}
	if initialWords < 1 {
		initialWords = 1
	}

	return &Stream{
		logger:          logger,
		allocator:       allocator,
		name:            name,
		mode:            mode,
		nextBufferWords: initialWords,
	}
}

// NewExternal creates a stream over caller-owned memory. iova is the GPU address of words[0].
func NewExternal(logger *slog.Logger, words []uint32, iova uint64, name string) *Stream {
	return &Stream{
		logger: logger,
		name:   name,
		mode:   ModeExternal,
		words:  words,
		iova:   iova,
		end:    len(words),
	}
}

func (s *Stream) Name() string { return s.name }
func (s *Stream) Mode() Mode   { return s.mode }

// IsEmpty returns true if nothing has been emitted since the last closed span
func (s *Stream) IsEmpty() bool { return s.cur == s.start }

// Size returns the number of words emitted since the last closed span
func (s *Stream) Size() int { return s.cur - s.start }

// Space returns the number of words left in the active buffer
func (s *Stream) Space() int { return s.end - s.cur }

// GrowCount returns the number of buffers this stream has allocated over its lifetime
func (s *Stream) GrowCount() int { return s.growCount }

// Entries returns the closed spans of the stream, in emission order
func (s *Stream) Entries() []Entry { return s.entries }

// CurrentIOVA returns the GPU address the next emitted word will land at
func (s *Stream) CurrentIOVA() uint64 {
	return s.iova + uint64(s.cur)*4
}

func (s *Stream) currentBuffer() Buffer {
	if len(s.buffers) == 0 {
		return nil
	}
	return s.buffers[len(s.buffers)-1]
}

func (s *Stream) setActive(buffer Buffer) {
	s.words = buffer.Words()
	s.iova = buffer.IOVA()
	s.start = 0
	s.cur = 0
	s.reservedEnd = 0
	s.end = len(s.words)
}

func (s *Stream) addBuffer(words int) (common.VkResult, error) {
	if s.mode == ModeExternal {
		panic("attempting to allocate a buffer for an external command stream")
	}
	if !s.IsEmpty() {
		panic("attempting to switch command stream buffers with an unclosed span")
	}

	buffer, res, err := s.allocator.AllocStreamBuffer(words, s.name)
	if err != nil {
		return res, errors.Wrapf(err, "failed to grow command stream %q to %d words", s.name, words)
	}

	s.buffers = append(s.buffers, buffer)
	s.growCount++
	s.setActive(buffer)

	s.logger.Debug("Stream::addBuffer", slog.String("Name", s.name), slog.Int("Words", len(s.words)), slog.Int("BufferCount", len(s.buffers)))
	return core1_0.VKSuccess, nil
}

func (s *Stream) addEntry() {
	if s.IsEmpty() {
		panic("attempting to close an empty command stream span")
	}

	s.entries = append(s.entries, Entry{
		Buffer: s.currentBuffer(),
		Offset: uint32(s.start * 4),
		Size:   uint32((s.cur - s.start) * 4),
	})
	s.start = s.cur
}

// Reserve guarantees that n words can be emitted before the next call to Reserve. Streams in ModeGrow
// and ModeSubStream move to a new buffer when the active one is too small. ModeExternal streams
// fail with ErrCapacityExceeded.
func (s *Stream) Reserve(n int) (common.VkResult, error) {
	if s.Space() < n {
		if s.mode == ModeExternal {
			return core1_0.VKErrorOutOfHostMemory, errors.Wrapf(ErrCapacityExceeded,
				"command stream %q needs %d words but has %d", s.name, n, s.Space())
		}

		if !s.IsEmpty() {
			if s.mode == ModeSubStream {
				panic("attempting to grow a sub-stream parent with an unclosed span")
			}
			s.addEntry()
		}

		reserved := n
		for i := 0; i < s.condDepth; i++ {
			// the guarded span ends with the buffer it was opened in
			lengthIndex := s.condStack[i].lengthIndex
			s.words[lengthIndex] = uint32(s.cur - lengthIndex - 1)
			reserved += condExecWords
		}

		newWords := max(s.nextBufferWords, reserved)
		res, err := s.addBuffer(newWords)
		if err != nil {
			return res, err
		}

		for i := 0; i < s.condDepth; i++ {
			s.words[s.cur] = s.condStack[i].header
			s.words[s.cur+1] = s.condStack[i].flags
			s.words[s.cur+2] = 0
			s.condStack[i].lengthIndex = s.cur + 2
			s.cur += condExecWords
		}

		grown := min(newWords*2, MaxBufferWords)
		if s.nextBufferWords < grown {
			s.nextBufferWords = grown
		}
	}

	s.reservedEnd = s.cur + n
	memutils.DebugValidate(s)
	return core1_0.VKSuccess, nil
}

// Emit writes a single word. Reserve must have been called first.
func (s *Stream) Emit(word uint32) {
	if s.cur >= s.reservedEnd {
		panic("attempting to emit past the reserved space of a command stream")
	}
	s.words[s.cur] = word
	s.cur++
}

// EmitArray writes a run of words. Reserve must have been called first.
func (s *Stream) EmitArray(words []uint32) {
	if s.cur+len(words) > s.reservedEnd {
		panic("attempting to emit past the reserved space of a command stream")
	}
	copy(s.words[s.cur:], words)
	s.cur += len(words)
}

// EmitQword writes a 64-bit value as two words, low word first
func (s *Stream) EmitQword(value uint64) {
	s.Emit(uint32(value))
	s.Emit(uint32(value >> 32))
}

// Begin must be called on an empty stream before emitting
func (s *Stream) Begin() {
	if s.mode == ModeSubStream {
		panic("attempting to begin a sub-stream parent")
	}
	if !s.IsEmpty() {
		panic("attempting to begin a command stream that is not empty")
	}
}

// End closes the trailing span of a growing stream
func (s *Stream) End() {
	if s.mode == ModeSubStream {
		panic("attempting to end a sub-stream parent")
	}
	if s.condDepth > 0 {
		panic("attempting to end a command stream with an open conditional execution block")
	}
	if s.mode == ModeGrow && !s.IsEmpty() {
		s.addEntry()
	}
}

// AddEntries appends the closed spans of another growing stream after this stream's own
func (s *Stream) AddEntries(other *Stream) {
	if s.mode != ModeGrow || other.mode != ModeGrow {
		panic("attempting to splice entries between streams that are not growing streams")
	}
	if !s.IsEmpty() {
		s.addEntry()
	}
	s.entries = append(s.entries, other.entries...)
}

// Reset discards all entries. The most recent (and largest) buffer is kept for reuse and all others
// are released.
func (s *Stream) Reset() {
	if s.openSub != nil {
		panic("attempting to reset a command stream with an open sub-stream")
	}

	s.condDepth = 0
	s.entries = s.entries[:0]

	if s.mode == ModeExternal {
		s.cur = s.start
		s.reservedEnd = s.start
		return
	}

	if len(s.buffers) == 0 {
		return
	}

	last := s.buffers[len(s.buffers)-1]
	for _, buffer := range s.buffers[:len(s.buffers)-1] {
		buffer.Release()
	}
	s.buffers = append(s.buffers[:0], last)
	s.setActive(last)
}

// Finish releases every buffer owned by the stream. The stream may be reused afterward and will
// allocate again on the next Reserve.
func (s *Stream) Finish() {
	for _, buffer := range s.buffers {
		buffer.Release()
	}

	s.buffers = nil
	s.entries = nil
	s.condDepth = 0
	s.openSub = nil

	if s.mode != ModeExternal {
		s.words = nil
		s.iova = 0
		s.start, s.cur, s.reservedEnd, s.end = 0, 0, 0, 0
	}
}

// Validate verifies the cursor window and entry list of the stream
func (s *Stream) Validate() error {
	if s.start < 0 || s.start > s.cur || s.cur > s.reservedEnd || s.reservedEnd > s.end || s.end > len(s.words) {
		return errors.Newf("command stream %q has an invalid window start=%d cur=%d reservedEnd=%d end=%d len=%d",
			s.name, s.start, s.cur, s.reservedEnd, s.end, len(s.words))
	}

	if s.mode == ModeExternal && (len(s.buffers) > 0 || len(s.entries) > 0) {
		return errors.Newf("external command stream %q owns buffers or entries", s.name)
	}

	if s.mode == ModeSubStream && len(s.entries) > 0 {
		return errors.Newf("sub-stream parent %q has direct entries", s.name)
	}

	for i, entry := range s.entries {
		if entry.Size == 0 || entry.Size%4 != 0 || entry.Offset%4 != 0 {
			return errors.Newf("command stream %q entry %d has an invalid span offset=%d size=%d", s.name, i, entry.Offset, entry.Size)
		}
	}

	if s.condDepth < 0 || s.condDepth > condExecStackSize {
		return errors.Newf("command stream %q has a conditional execution depth of %d", s.name, s.condDepth)
	}

	return nil
}
