// Package rd reads and writes capture files: a stream of tagged sections, each a little-endian
// section type and payload size followed by the payload. Decoding tools consume the same format.
package rd

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// SectionType tags a capture section
type SectionType uint32

const (
	SectionNone SectionType = iota
	SectionTest
	SectionCmd
	SectionGPUAddr
	SectionContext
	SectionCmdstream
	SectionCmdstreamAddr
	SectionParam
	SectionFlush
	SectionProgram
	SectionVertShader
	SectionFragShader
	SectionBufferContents
	SectionGPUID
	SectionChipID
)

var sectionTypeMapping = map[SectionType]string{
	SectionNone:           "None",
	SectionTest:           "Test",
	SectionCmd:            "Cmd",
	SectionGPUAddr:        "GPUAddr",
	SectionContext:        "Context",
	SectionCmdstream:      "Cmdstream",
	SectionCmdstreamAddr:  "CmdstreamAddr",
	SectionParam:          "Param",
	SectionFlush:          "Flush",
	SectionProgram:        "Program",
	SectionVertShader:     "VertShader",
	SectionFragShader:     "FragShader",
	SectionBufferContents: "BufferContents",
	SectionGPUID:          "GPUID",
	SectionChipID:         "ChipID",
}

func (t SectionType) String() string {
	return sectionTypeMapping[t]
}

const headerSize = 8

// ErrTruncated is returned when a capture ends in the middle of a section
var ErrTruncated = errors.New("capture ends in the middle of a section")

// Section is one tagged record of a capture
type Section struct {
	Type    SectionType
	Payload []byte
}

// Uint32s decodes the payload as little-endian words, dropping any trailing partial word
func (s Section) Uint32s() []uint32 {
	words := make([]uint32, len(s.Payload)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(s.Payload[i*4:])
	}
	return words
}

// Writer appends sections to a capture
type Writer struct {
	out *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriter(w)}
}

// WriteSection appends a single section
func (w *Writer) WriteSection(sectionType SectionType, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(sectionType))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))

	_, err := w.out.Write(header[:])
	if err != nil {
		return errors.Wrapf(err, "failed to write %s section", sectionType)
	}
	_, err = w.out.Write(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s section", sectionType)
	}
	return nil
}

func (w *Writer) writeWords(sectionType SectionType, words ...uint32) error {
	payload := make([]byte, len(words)*4)
	for i, word := range words {
		binary.LittleEndian.PutUint32(payload[i*4:], word)
	}
	return w.WriteSection(sectionType, payload)
}

// Cmd records the name of the capturing process
func (w *Writer) Cmd(name string) error {
	return w.WriteSection(SectionCmd, []byte(name))
}

func (w *Writer) GPUID(id uint32) error {
	return w.writeWords(SectionGPUID, id)
}

func (w *Writer) ChipID(id uint64) error {
	return w.writeWords(SectionChipID, uint32(id), uint32(id>>32))
}

// GPUAddr records a buffer object's device address range. It precedes its BufferContents section.
func (w *Writer) GPUAddr(iova uint64, size uint32) error {
	return w.writeWords(SectionGPUAddr, uint32(iova), size, uint32(iova>>32))
}

func (w *Writer) BufferContents(contents []byte) error {
	return w.WriteSection(SectionBufferContents, contents)
}

// CmdstreamAddr records a command buffer the device will execute
func (w *Writer) CmdstreamAddr(iova uint64, sizeWords uint32) error {
	return w.writeWords(SectionCmdstreamAddr, uint32(iova), sizeWords, uint32(iova>>32))
}

// Flush pushes buffered sections to the underlying writer
func (w *Writer) Flush() error {
	return w.out.Flush()
}

// Reader walks the sections of a capture
type Reader struct {
	in io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{in: bufio.NewReader(r)}
}

// Next returns the next section, or io.EOF at a clean end of the capture
func (r *Reader) Next() (Section, error) {
	var header [headerSize]byte
	_, err := io.ReadFull(r.in, header[:])
	if err == io.EOF {
		return Section{}, io.EOF
	}
	if err != nil {
		return Section{}, errors.Wrap(ErrTruncated, err.Error())
	}

	section := Section{
		Type:    SectionType(binary.LittleEndian.Uint32(header[0:])),
		Payload: make([]byte, binary.LittleEndian.Uint32(header[4:])),
	}
	_, err = io.ReadFull(r.in, section.Payload)
	if err != nil {
		return Section{}, errors.Wrapf(ErrTruncated, "%s section of %d bytes", section.Type, len(section.Payload))
	}
	return section, nil
}

// Address decodes a GPUAddr or CmdstreamAddr section into its address and size
func (s Section) Address() (uint64, uint32, error) {
	if s.Type != SectionGPUAddr && s.Type != SectionCmdstreamAddr {
		return 0, 0, errors.Newf("%s section does not hold an address", s.Type)
	}
	words := s.Uint32s()
	if len(words) < 2 {
		return 0, 0, errors.Newf("%s section has only %d words", s.Type, len(words))
	}

	iova := uint64(words[0])
	if len(words) > 2 {
		iova |= uint64(words[2]) << 32
	}
	return iova, words[1], nil
}
