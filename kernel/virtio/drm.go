package virtio

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/quiver/kernel/internal/ioctl"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	DefaultPath       = "/dev/dri/renderD128"
	DefaultSharedSize = 0x4000
)

const (
	paramResourceBlob       = 3
	paramContextInit        = 6
	paramSupportedCapsetIDs = 7

	contextParamCapsetID = 1
	contextParamNumRings = 2

	capsetDRM     = 6
	drmContextMSM = 1

	blobMemHost3D        = 0x0002
	blobFlagUseMappable  = 0x0001
	blobFlagUseShareable = 0x0002
	sharedBlobID         = 0

	execbufFenceFDIn  = 0x01
	execbufFenceFDOut = 0x02
	execbufRingIdx    = 0x04
)

// Offsets into the drm capability set
const (
	capsetContextType   = 16
	capsetMSMPriorities = 28
	capsetMSMVAStart    = 32
	capsetMSMVASize     = 40
	capsetMSMGPUID      = 48
	capsetMSMChipID     = 64
	capsetSize          = 80
)

type virtgpuMap struct {
	offset uint64
	handle uint32
	_      uint32
}

type virtgpuExecbuffer struct {
	flags        uint32
	size         uint32
	command      uint64
	boHandles    uint64
	numBOHandles uint32
	fenceFD      int32
	ringIdx      uint32
	_            uint32
}

type virtgpuGetParam struct {
	param uint64
	value uint64
}

type virtgpuResourceInfo struct {
	boHandle  uint32
	resHandle uint32
	size      uint32
	blobMem   uint32
}

type virtgpuGetCaps struct {
	capSetID  uint32
	capSetVer uint32
	addr      uint64
	size      uint32
	_         uint32
}

type virtgpuCreateBlob struct {
	blobMem   uint32
	blobFlags uint32
	boHandle  uint32
	resHandle uint32
	size      uint64
	_         uint32
	cmdSize   uint32
	cmd       uint64
	blobID    uint64
}

type virtgpuContextInit struct {
	numParams uint32
	_         uint32
	params    uint64
}

type virtgpuContextParam struct {
	param uint64
	value uint64
}

var (
	ioctlMap          = ioctl.DRMCommandIOWR(0x01, unsafe.Sizeof(virtgpuMap{}))
	ioctlExecbuffer   = ioctl.DRMCommandIOWR(0x02, unsafe.Sizeof(virtgpuExecbuffer{}))
	ioctlGetParam     = ioctl.DRMCommandIOWR(0x03, unsafe.Sizeof(virtgpuGetParam{}))
	ioctlResourceInfo = ioctl.DRMCommandIOWR(0x05, unsafe.Sizeof(virtgpuResourceInfo{}))
	ioctlGetCaps      = ioctl.DRMCommandIOWR(0x09, unsafe.Sizeof(virtgpuGetCaps{}))
	ioctlCreateBlob   = ioctl.DRMCommandIOWR(0x0a, unsafe.Sizeof(virtgpuCreateBlob{}))
	ioctlContextInit  = ioctl.DRMCommandIOWR(0x0b, unsafe.Sizeof(virtgpuContextInit{}))
)

// DRMTransport talks to the host through a virtgpu render node
type DRMTransport struct {
	logger *slog.Logger
	fd     int
	caps   Capabilities

	sharedHandle uint32
	shared       []byte
}

var _ Transport = (*DRMTransport)(nil)

// OpenDRM opens a virtgpu render node, binds it to the msm context type and maps sharedSize bytes of
// memory shared with the host
func OpenDRM(logger *slog.Logger, path string, sharedSize uint64) (*DRMTransport, error) {
	fd, err := ioctl.OpenDevice(path)
	if err != nil {
		return nil, err
	}

	t := &DRMTransport{logger: logger, fd: fd}
	err = t.init(sharedSize)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	logger.Debug("DRMTransport::Open", slog.String("Path", path), slog.Int("GPUID", int(t.caps.GPUID)), slog.Int("Priorities", int(t.caps.Priorities)))
	return t, nil
}

func (t *DRMTransport) getParam(which uint64) (uint64, error) {
	value := new(uint64)
	args := virtgpuGetParam{param: which, value: uint64(uintptr(unsafe.Pointer(value)))}
	err := ioctl.Do(t.fd, ioctlGetParam, unsafe.Pointer(&args))
	runtime.KeepAlive(value)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query virtgpu parameter %d", which)
	}
	return *value, nil
}

func (t *DRMTransport) init(sharedSize uint64) error {
	for _, required := range []uint64{paramResourceBlob, paramContextInit} {
		supported, err := t.getParam(required)
		if err != nil {
			return err
		}
		if supported == 0 {
			return errors.Newf("virtgpu parameter %d is not supported by the host", required)
		}
	}

	capsets, err := t.getParam(paramSupportedCapsetIDs)
	if err != nil {
		return err
	}
	if capsets&(1<<capsetDRM) == 0 {
		return errors.New("the host does not expose the drm capability set")
	}

	caps := make([]byte, capsetSize)
	capArgs := virtgpuGetCaps{capSetID: capsetDRM, addr: uint64(uintptr(unsafe.Pointer(&caps[0]))), size: capsetSize}
	err = ioctl.Do(t.fd, ioctlGetCaps, unsafe.Pointer(&capArgs))
	runtime.KeepAlive(caps)
	if err != nil {
		return errors.Wrap(err, "failed to read the drm capability set")
	}

	t.caps, err = decodeCapset(caps)
	if err != nil {
		return err
	}

	params := make([]virtgpuContextParam, 2)
	params[0] = virtgpuContextParam{param: contextParamCapsetID, value: capsetDRM}
	params[1] = virtgpuContextParam{param: contextParamNumRings, value: uint64(t.caps.Priorities) + 1}
	initArgs := virtgpuContextInit{numParams: uint32(len(params)), params: uint64(uintptr(unsafe.Pointer(&params[0])))}
	err = ioctl.Do(t.fd, ioctlContextInit, unsafe.Pointer(&initArgs))
	runtime.KeepAlive(params)
	if err != nil {
		return errors.Wrap(err, "failed to initialize the virtgpu context")
	}

	t.sharedHandle, _, err = t.createBlob(sharedBlobID, sharedSize, blobFlagUseMappable, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create shared memory")
	}

	t.shared, err = t.Map(t.sharedHandle, sharedSize)
	if err != nil {
		_ = ioctl.GEMClose(t.fd, t.sharedHandle)
		return errors.Wrap(err, "failed to map shared memory")
	}
	return nil
}

func decodeCapset(caps []byte) (Capabilities, error) {
	contextType := le.Uint32(caps[capsetContextType:])
	if contextType != drmContextMSM {
		return Capabilities{}, errors.Newf("the host exposes drm context type %d, not msm", contextType)
	}

	return Capabilities{
		GPUID:      le.Uint32(caps[capsetMSMGPUID:]),
		ChipID:     le.Uint64(caps[capsetMSMChipID:]),
		VAStart:    le.Uint64(caps[capsetMSMVAStart:]),
		VASize:     le.Uint64(caps[capsetMSMVASize:]),
		Priorities: le.Uint32(caps[capsetMSMPriorities:]),
	}, nil
}

func (t *DRMTransport) Capabilities() Capabilities { return t.caps }
func (t *DRMTransport) Shared() []byte             { return t.shared }

func (t *DRMTransport) Execbuffer(payload []byte, ring uint32, inFD int, wantOutFD bool) (int, error) {
	args := virtgpuExecbuffer{
		flags:   execbufRingIdx,
		size:    uint32(len(payload)),
		fenceFD: -1,
		ringIdx: ring,
	}
	if len(payload) > 0 {
		args.command = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}
	if inFD >= 0 {
		args.flags |= execbufFenceFDIn
		args.fenceFD = int32(inFD)
	}
	if wantOutFD {
		args.flags |= execbufFenceFDOut
	}

	err := ioctl.Do(t.fd, ioctlExecbuffer, unsafe.Pointer(&args))
	runtime.KeepAlive(payload)
	if err != nil {
		return -1, errors.Wrapf(err, "failed to send %d bytes of requests on ring %d", len(payload), ring)
	}

	if !wantOutFD {
		return -1, nil
	}
	return int(args.fenceFD), nil
}

func (t *DRMTransport) createBlob(blobID uint32, size uint64, flags uint32, cmd []byte) (uint32, uint32, error) {
	args := virtgpuCreateBlob{
		blobMem:   blobMemHost3D,
		blobFlags: flags,
		size:      size,
		cmdSize:   uint32(len(cmd)),
		blobID:    uint64(blobID),
	}
	if len(cmd) > 0 {
		args.cmd = uint64(uintptr(unsafe.Pointer(&cmd[0])))
	}

	err := ioctl.Do(t.fd, ioctlCreateBlob, unsafe.Pointer(&args))
	runtime.KeepAlive(cmd)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to create blob %d of %d bytes", blobID, size)
	}
	return args.boHandle, args.resHandle, nil
}

func (t *DRMTransport) CreateBlob(blobID uint32, size uint64, cmd []byte) (uint32, uint32, error) {
	return t.createBlob(blobID, size, blobFlagUseMappable|blobFlagUseShareable, cmd)
}

func (t *DRMTransport) CloseGEM(handle uint32) error {
	return ioctl.GEMClose(t.fd, handle)
}

func (t *DRMTransport) Map(handle uint32, size uint64) ([]byte, error) {
	args := virtgpuMap{handle: handle}
	err := ioctl.Do(t.fd, ioctlMap, unsafe.Pointer(&args))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find the map offset of handle %d", handle)
	}
	return ioctl.Map(t.fd, args.offset, size)
}

func (t *DRMTransport) Unmap(mapping []byte) error {
	return ioctl.Unmap(mapping)
}

func (t *DRMTransport) Export(handle uint32) (int, error) {
	return ioctl.PrimeExport(t.fd, handle)
}

func (t *DRMTransport) Import(fd int) (uint32, uint32, uint64, error) {
	handle, size, err := ioctl.PrimeImport(t.fd, fd)
	if err != nil {
		return 0, 0, 0, err
	}

	args := virtgpuResourceInfo{boHandle: handle}
	err = ioctl.Do(t.fd, ioctlResourceInfo, unsafe.Pointer(&args))
	if err != nil {
		_ = ioctl.GEMClose(t.fd, handle)
		return 0, 0, 0, errors.Wrapf(err, "failed to find the host resource of handle %d", handle)
	}
	return handle, args.resHandle, size, nil
}

func (t *DRMTransport) Close() error {
	var err error
	if t.shared != nil {
		err = ioctl.Unmap(t.shared)
		t.shared = nil
		err = errors.CombineErrors(err, ioctl.GEMClose(t.fd, t.sharedHandle))
	}
	return errors.CombineErrors(err, unix.Close(t.fd))
}
