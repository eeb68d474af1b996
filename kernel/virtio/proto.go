package virtio

import (
	"encoding/binary"
)

// Command codes understood by the host side of the msm context type
const (
	cmdNop         = 1
	cmdIoctlSimple = 2
	cmdGemNew      = 3
	cmdGemSetIOVA  = 4
	cmdGemSubmit   = 7
	cmdWaitFence   = 10
)

const (
	headerSize    = 16
	rspHeaderSize = 8
)

// Shared memory starts with a header the host writes
const (
	shmemSeqno        = 0
	shmemRspMemOffset = 4
	shmemGlobalFaults = 8
	shmemHeaderSize   = 16

	minResponseSlot   = 32
	responseSlotAlign = 8
)

// Negative errno values reported by the host
const (
	hostErrnoNoMemory = -12
	hostErrnoBusy     = -16
	hostErrnoNoSpace  = -28
	hostErrnoTimedOut = -110
)

const (
	submitBORead     = 0x0001
	submitBOWrite    = 0x0002
	submitBODump     = 0x0004
	submitCmdBuf     = 0x0001
	submitNoImplicit = 0x80000000

	submitBOEntrySize  = 16
	submitCmdEntrySize = 16
)

var le = binary.LittleEndian

// request is an encoded command body waiting for a sequence number. rspSize is the number of
// response bytes the host writes, zero when the command has no reply.
type request struct {
	cmd     uint32
	body    []byte
	rspSize uint32
}

func (r *request) size() int { return headerSize + len(r.body) }

// appendTo writes the header and body. rspOff is an offset into shared memory, zero for none.
func (r *request) appendTo(buf []byte, seqno uint32, rspOff uint32) []byte {
	buf = le.AppendUint32(buf, r.cmd)
	buf = le.AppendUint32(buf, uint32(r.size()))
	buf = le.AppendUint32(buf, seqno)
	buf = le.AppendUint32(buf, rspOff)
	return append(buf, r.body...)
}

type header struct {
	cmd    uint32
	len    uint32
	seqno  uint32
	rspOff uint32
}

func decodeHeader(buf []byte) header {
	return header{
		cmd:    le.Uint32(buf[0:]),
		len:    le.Uint32(buf[4:]),
		seqno:  le.Uint32(buf[8:]),
		rspOff: le.Uint32(buf[12:]),
	}
}

func nopRequest() *request {
	return &request{cmd: cmdNop}
}

func gemNewRequest(iova uint64, size uint64, flags uint32, blobID uint32) *request {
	body := make([]byte, 0, 24)
	body = le.AppendUint64(body, iova)
	body = le.AppendUint64(body, size)
	body = le.AppendUint32(body, flags)
	body = le.AppendUint32(body, blobID)
	return &request{cmd: cmdGemNew, body: body}
}

func gemSetIOVARequest(resID uint32, iova uint64) *request {
	body := make([]byte, 0, 16)
	body = le.AppendUint32(body, resID)
	body = le.AppendUint32(body, 0)
	body = le.AppendUint64(body, iova)
	return &request{cmd: cmdGemSetIOVA, body: body, rspSize: rspHeaderSize}
}

type submitBO struct {
	flags    uint32
	resID    uint32
	presumed uint64
}

type submitCmd struct {
	submitIdx uint32
	offset    uint32
	size      uint32
}

func gemSubmitRequest(flags uint32, queueID uint32, fence uint32, bos []submitBO, cmds []submitCmd) *request {
	body := make([]byte, 0, 24+len(bos)*submitBOEntrySize+len(cmds)*submitCmdEntrySize)
	body = le.AppendUint32(body, flags)
	body = le.AppendUint32(body, queueID)
	body = le.AppendUint32(body, uint32(len(bos)))
	body = le.AppendUint32(body, uint32(len(cmds)))
	body = le.AppendUint32(body, fence)
	body = le.AppendUint32(body, 0)

	for _, b := range bos {
		body = le.AppendUint32(body, b.flags)
		body = le.AppendUint32(body, b.resID)
		body = le.AppendUint64(body, b.presumed)
	}
	for _, c := range cmds {
		body = le.AppendUint32(body, submitCmdBuf)
		body = le.AppendUint32(body, c.submitIdx)
		body = le.AppendUint32(body, c.offset)
		body = le.AppendUint32(body, c.size)
	}
	return &request{cmd: cmdGemSubmit, body: body}
}

func waitFenceRequest(queueID uint32, fence uint32) *request {
	body := make([]byte, 0, 8)
	body = le.AppendUint32(body, queueID)
	body = le.AppendUint32(body, fence)
	return &request{cmd: cmdWaitFence, body: body, rspSize: rspHeaderSize}
}

// ioctlSimpleRequest forwards a kernel ioctl whose argument is copied back in the response
func ioctlSimpleRequest(ioctlCmd uint32, payload []byte) *request {
	body := make([]byte, 0, 8+len(payload))
	body = le.AppendUint32(body, ioctlCmd)
	body = le.AppendUint32(body, 0)
	body = append(body, payload...)
	return &request{cmd: cmdIoctlSimple, body: body, rspSize: rspHeaderSize + uint32(len(payload))}
}

// response is the host's reply: a status, negative errno on failure, and the reply payload
type response struct {
	ret     int32
	payload []byte
}

func decodeResponse(buf []byte) response {
	length := le.Uint32(buf[0:])
	if length < rspHeaderSize || int(length) > len(buf) {
		length = rspHeaderSize
	}
	return response{
		ret:     int32(le.Uint32(buf[4:])),
		payload: buf[rspHeaderSize:length],
	}
}
