package rd_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/quiver/rd"
)

func TestWriteSections(t *testing.T) {
	var buffer bytes.Buffer
	writer := rd.NewWriter(&buffer)

	require.NoError(t, writer.GPUAddr(0x1_0000_2000, 0x40))
	require.NoError(t, writer.Flush())

	require.Equal(t, []byte{
		3, 0, 0, 0, // type
		12, 0, 0, 0, // size
		0x00, 0x20, 0, 0, // low address
		0x40, 0, 0, 0, // size
		1, 0, 0, 0, // high address
	}, buffer.Bytes())
}

func TestRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	writer := rd.NewWriter(&buffer)

	require.NoError(t, writer.Cmd("quiver"))
	require.NoError(t, writer.GPUID(660))
	require.NoError(t, writer.ChipID(0x06060000_00000001))
	require.NoError(t, writer.GPUAddr(0x100000, 8))
	require.NoError(t, writer.BufferContents([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, writer.CmdstreamAddr(0x200040, 2))
	require.NoError(t, writer.Flush())

	reader := rd.NewReader(&buffer)

	var sections []rd.Section
	for {
		section, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sections = append(sections, section)
	}

	require.Len(t, sections, 6)
	require.Equal(t, rd.SectionCmd, sections[0].Type)
	require.Equal(t, "quiver", string(sections[0].Payload))
	require.Equal(t, []uint32{660}, sections[1].Uint32s())
	require.Equal(t, []uint32{1, 0x06060000}, sections[2].Uint32s())

	iova, size, err := sections[3].Address()
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), iova)
	require.Equal(t, uint32(8), size)

	require.Equal(t, rd.SectionBufferContents, sections[4].Type)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, sections[4].Payload)

	iova, size, err = sections[5].Address()
	require.NoError(t, err)
	require.Equal(t, uint64(0x200040), iova)
	require.Equal(t, uint32(2), size)

	_, _, err = sections[0].Address()
	require.Error(t, err)
}

func TestTruncated(t *testing.T) {
	var buffer bytes.Buffer
	writer := rd.NewWriter(&buffer)
	require.NoError(t, writer.BufferContents(make([]byte, 16)))
	require.NoError(t, writer.Flush())

	truncated := buffer.Bytes()[:buffer.Len()-4]
	_, err := rd.NewReader(bytes.NewReader(truncated)).Next()
	require.ErrorIs(t, err, rd.ErrTruncated)

	_, err = rd.NewReader(bytes.NewReader(truncated[:5])).Next()
	require.ErrorIs(t, err, rd.ErrTruncated)

	_, err = rd.NewReader(bytes.NewReader(nil)).Next()
	require.Equal(t, io.EOF, err)
}

func TestSectionTypeString(t *testing.T) {
	require.Equal(t, "CmdstreamAddr", rd.SectionCmdstreamAddr.String())
	require.Equal(t, "BufferContents", rd.SectionBufferContents.String())
}
