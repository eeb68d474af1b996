// Package ioctl encodes Linux ioctl request numbers and issues ioctls with the retry rules the GPU
// drivers expect.
package ioctl

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/sys/unix"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2

	drmType        = 'd'
	drmCommandBase = 0x40
)

func encode(dir, typ, nr, size uintptr) uintptr {
	if size >= 1<<sizeBits {
		panic("attempting to encode an ioctl argument that is too large")
	}
	return dir<<dirShift | typ<<typeShift | nr<<nrShift | size<<sizeShift
}

func IO(typ, nr uintptr) uintptr { return encode(dirNone, typ, nr, 0) }
func IOR(typ, nr, size uintptr) uintptr { return encode(dirRead, typ, nr, size) }
func IOW(typ, nr, size uintptr) uintptr { return encode(dirWrite, typ, nr, size) }
func IOWR(typ, nr, size uintptr) uintptr { return encode(dirRead|dirWrite, typ, nr, size) }
func DRMIOW(nr, size uintptr) uintptr { return IOW(drmType, nr, size) }
func DRMIOWR(nr, size uintptr) uintptr { return IOWR(drmType, nr, size) }

// DRMCommandIOW and DRMCommandIOWR encode driver specific DRM requests, which are numbered from the
// DRM command base
func DRMCommandIOW(nr, size uintptr) uintptr { return IOW(drmType, drmCommandBase+nr, size) }
func DRMCommandIOWR(nr, size uintptr) uintptr { return IOWR(drmType, drmCommandBase+nr, size) }

// Do issues an ioctl and retries while the call is interrupted or the driver asks to try again
func Do(fd int, request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		}
		return errno
	}
}

// Result maps an ioctl failure onto a result code. Errors without a specific mapping become
// fallback.
func Result(err error, fallback common.VkResult) common.VkResult {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fallback
	}

	switch errno {
	case unix.ENOMEM:
		return core1_0.VKErrorOutOfHostMemory
	case unix.ENOSPC:
		return core1_0.VKErrorOutOfDeviceMemory
	case unix.ETIMEDOUT, unix.ETIME:
		return core1_0.VKTimeout
	case unix.ENODEV:
		return core1_0.VKErrorDeviceLost
	}
	return fallback
}
