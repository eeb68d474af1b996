package ioctl

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type drmGEMClose struct {
	handle uint32
	pad    uint32
}

type drmPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

var (
	drmIoctlGEMClose        = DRMIOW(0x09, unsafe.Sizeof(drmGEMClose{}))
	drmIoctlPrimeHandleToFD = DRMIOWR(0x2d, unsafe.Sizeof(drmPrimeHandle{}))
	drmIoctlPrimeFDToHandle = DRMIOWR(0x2e, unsafe.Sizeof(drmPrimeHandle{}))
)

// OpenDevice opens a DRM render node
func OpenDevice(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "failed to open %s", path)
	}
	return fd, nil
}

// GEMClose releases a GEM handle
func GEMClose(fd int, handle uint32) error {
	args := drmGEMClose{handle: handle}
	err := Do(fd, drmIoctlGEMClose, unsafe.Pointer(&args))
	if err != nil {
		return errors.Wrapf(err, "failed to close GEM handle %d", handle)
	}
	return nil
}

// PrimeExport shares a GEM handle as a dma-buf descriptor
func PrimeExport(fd int, handle uint32) (int, error) {
	args := drmPrimeHandle{handle: handle, flags: unix.O_CLOEXEC | unix.O_RDWR}
	err := Do(fd, drmIoctlPrimeHandleToFD, unsafe.Pointer(&args))
	if err != nil {
		return -1, errors.Wrapf(err, "failed to export GEM handle %d", handle)
	}
	return int(args.fd), nil
}

// PrimeImport returns the GEM handle and size of a dma-buf descriptor. Importing the same buffer
// twice returns the same handle.
func PrimeImport(fd int, primeFD int) (uint32, uint64, error) {
	args := drmPrimeHandle{fd: int32(primeFD)}
	err := Do(fd, drmIoctlPrimeFDToHandle, unsafe.Pointer(&args))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to import descriptor %d", primeFD)
	}

	size, err := unix.Seek(primeFD, 0, unix.SEEK_END)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to size descriptor %d", primeFD)
	}
	return args.handle, uint64(size), nil
}

// Map maps size bytes of a DRM object at the fake offset the driver reported
func Map(fd int, offset uint64, size uint64) ([]byte, error) {
	mapping, err := unix.Mmap(fd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes at offset 0x%x", size, offset)
	}
	return mapping, nil
}

func Unmap(mapping []byte) error {
	return unix.Munmap(mapping)
}
