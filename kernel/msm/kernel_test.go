package msm

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/fence"
	"golang.org/x/sys/unix"
)

func TestStructLayout(t *testing.T) {
	require.Equal(t, uintptr(24), unsafe.Sizeof(param{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(gemNew{}))
	require.Equal(t, uintptr(24), unsafe.Sizeof(gemInfo{}))
	require.Equal(t, uintptr(32), unsafe.Sizeof(submitCmd{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(submitBO{}))
	require.Equal(t, uintptr(72), unsafe.Sizeof(gemSubmit{}))
	require.Equal(t, uintptr(32), unsafe.Sizeof(waitFence{}))
	require.Equal(t, uintptr(12), unsafe.Sizeof(submitqueue{}))
}

func TestRequestNumbers(t *testing.T) {
	require.Equal(t, uintptr(0xc0186440), ioctlGetParam)
	require.Equal(t, uintptr(0xc0106442), ioctlGEMNew)
	require.Equal(t, uintptr(0xc0186443), ioctlGEMInfo)
	require.Equal(t, uintptr(0xc0486446), ioctlGEMSubmit)
	require.Equal(t, uintptr(0x40206447), ioctlWaitFence)
	require.Equal(t, uintptr(0xc00c644a), ioctlSubmitqueueNew)
	require.Equal(t, uintptr(0x4004644b), ioctlSubmitqueueClose)
}

func TestAllocFlags(t *testing.T) {
	require.Equal(t, uint32(boWC), allocFlags(0))
	require.Equal(t, uint32(boWC|boGPUReadOnly), allocFlags(bo.AllocGPUReadOnly|bo.AllocMapped))
}

func TestBuildLists(t *testing.T) {
	request := &device.SubmitRequest{
		Queue: 3,
		BOs: []device.SubmitBO{
			{GEM: 7, IOVA: 0x1000, Flags: device.SubmitBORead | device.SubmitBODump},
			{GEM: 9, IOVA: 0x8000, Flags: device.SubmitBORead | device.SubmitBOWrite},
		},
		Cmds: []device.SubmitCmd{
			{BOIndex: 0, IOVA: 0x1040, Offset: 0x40, Size: 0x80},
		},
	}

	bos, cmds := buildLists(request)
	require.Equal(t, []submitBO{
		{flags: submitBORead | submitBODump, handle: 7, presumed: 0x1000},
		{flags: submitBORead | submitBOWrite, handle: 9, presumed: 0x8000},
	}, bos)
	require.Equal(t, []submitCmd{
		{cmdType: submitCmdBuf, submitIdx: 0, submitOffset: 0x40, size: 0x80},
	}, cmds)

	require.Equal(t, uint64(0), sliceAddress([]submitBO(nil)))
	require.NotEqual(t, uint64(0), sliceAddress(bos))
}

func TestSubmitFlags(t *testing.T) {
	request := &device.SubmitRequest{}
	require.Equal(t, uint32(pipe3D0), submitFlags(request, -1))

	request.NoImplicitSync = true
	request.WantOutFD = true
	require.Equal(t, uint32(pipe3D0|submitNoImplicit|submitFenceFDIn|submitFenceFDOut), submitFlags(request, 4))
}

func TestAbsoluteTimeout(t *testing.T) {
	now := unix.Timespec{Sec: 10, Nsec: 900_000_000}
	require.Equal(t, timespec{sec: 11, nsec: 400_000_000}, absoluteTimeout(now, 500*time.Millisecond))
	require.Equal(t, timespec{sec: 10, nsec: 900_000_000}, absoluteTimeout(now, 0))
}

func TestInFenceWithoutWaits(t *testing.T) {
	k := &Kernel{fd: -1}

	fd, _, err := k.inFence(nil)
	require.NoError(t, err)
	require.Equal(t, -1, fd)

	fd, _, err = k.inFence([]fence.Primitive{fence.Signaled{}})
	require.NoError(t, err)
	require.Equal(t, -1, fd)
}
