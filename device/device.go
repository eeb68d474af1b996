package device

import (
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/config"
	"github.com/vkngwrapper/quiver/cs"
	"github.com/vkngwrapper/quiver/fence"
	"golang.org/x/exp/slog"
)

// Device ties a kernel backend to the buffer object allocator, the sync primitive waiter and the
// submission queues. Once the device is lost every call fails with core1_0.VKErrorDeviceLost.
type Device struct {
	logger  *slog.Logger
	kernel  Kernel
	info    Info
	options config.Options

	allocator *bo.Allocator
	waiter    *fence.Waiter

	// serializes submissions across every queue
	submitMutex sync.Mutex

	queueMutex sync.Mutex
	queues     []*Queue

	dump *dumper

	lost lostState
}

// New creates a device over an opened kernel backend
func New(logger *slog.Logger, kernel Kernel, options config.Options) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	device := &Device{
		logger:  logger,
		kernel:  kernel,
		info:    kernel.Info(),
		options: options,
		waiter:  fence.NewWaiter(logger, kernel),
	}

	allocator, err := bo.New(logger, kernel, device, bo.CreateOptions{
		UserspaceIOVA:     device.info.UserspaceIOVA,
		VAStart:           device.info.VAStart,
		VASize:            device.info.VASize,
		ZombieWaitTimeout: options.EffectiveZombieWaitTimeout(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer object allocator")
	}
	device.allocator = allocator

	if options.DebugFlags()&config.DebugRD != 0 {
		device.dump = newDumper(logger, options.DumpPath, options.DebugFlags()&config.DebugRDFull != 0, device.info)
	}

	if options.DebugFlags()&config.DebugStartup != 0 {
		logger.Info("created device",
			slog.String("backend", device.info.Backend),
			slog.Int("gpuID", int(device.info.GPUID)),
			slog.Bool("userspaceIOVA", device.info.UserspaceIOVA),
			slog.String("debug", options.DebugFlags().String()),
		)
	}

	return device, nil
}

func (d *Device) Info() Info                { return d.info }
func (d *Device) Allocator() *bo.Allocator  { return d.allocator }
func (d *Device) Options() config.Options   { return d.options }
func (d *Device) debug() config.DebugFlags { return d.options.DebugFlags() }

// Lost reports whether the device has been lost
func (d *Device) Lost() bool {
	return d.lost.lost.Load()
}

// MarkLost makes the device lost for good
func (d *Device) MarkLost(reason error) {
	d.lost.mark(d.logger, reason)
}

// CheckStatus asks the kernel whether the device has faulted and marks it lost if so
func (d *Device) CheckStatus() (common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return res, err
	}

	res, err = d.kernel.DeviceStatus()
	if res == core1_0.VKErrorDeviceLost {
		d.MarkLost(err)
		return d.lost.check()
	}
	return res, err
}

// lostAware turns a device lost result from the kernel into the sticky state
func (d *Device) lostAware(res common.VkResult, err error) (common.VkResult, error) {
	if res == core1_0.VKErrorDeviceLost {
		d.MarkLost(err)
		return d.lost.check()
	}
	return res, err
}

// CreateQueue creates a submission queue. Lower priority values are scheduled first.
func (d *Device) CreateQueue(priority int) (*Queue, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	id, res, err := d.kernel.CreateQueue(priority)
	if err != nil {
		res, err = d.lostAware(res, err)
		return nil, res, errors.Wrapf(err, "failed to create queue with priority %d", priority)
	}

	queue := &Queue{
		device:   d,
		id:       id,
		priority: priority,
	}

	d.queueMutex.Lock()
	d.queues = append(d.queues, queue)
	d.queueMutex.Unlock()

	if d.debug()&config.DebugStartup != 0 {
		d.logger.Info("created queue", slog.Int("id", int(id)), slog.Int("priority", priority))
	}
	return queue, core1_0.VKSuccess, nil
}

func (d *Device) removeQueue(queue *Queue) bool {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()

	for i, q := range d.queues {
		if q == queue {
			d.queues = append(d.queues[:i], d.queues[i+1:]...)
			return true
		}
	}
	return false
}

// LastSubmitted returns the latest timeline point of every queue that has submitted work
func (d *Device) LastSubmitted() []fence.Timeline {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()

	var points []fence.Timeline
	for _, queue := range d.queues {
		if point, ok := queue.LastFence(); ok {
			points = append(points, point)
		}
	}
	return points
}

// WaitTimestamp waits for a queue timeline point directly on the kernel
func (d *Device) WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error) {
	return d.kernel.WaitTimestamp(queue, value, timeout)
}

// AllocBO creates a buffer object
func (d *Device) AllocBO(size uint64, clientIOVA uint64, flags bo.AllocFlags, name string) (*bo.BO, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	return d.allocator.Allocate(size, clientIOVA, flags, name)
}

// ImportBO imports a shared buffer object descriptor
func (d *Device) ImportBO(fd int, name string) (*bo.BO, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	return d.allocator.Import(fd, name)
}

// ExportBO returns a descriptor sharing the buffer object
func (d *Device) ExportBO(b *bo.BO) (int, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return -1, res, err
	}

	return d.allocator.Export(b)
}

// AllocStreamBuffer provides mapped, read-only command buffers to streams
func (d *Device) AllocStreamBuffer(words int, name string) (cs.Buffer, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	buffer, res, err := d.allocator.Allocate(uint64(words)*4, 0, bo.AllocGPUReadOnly|bo.AllocAllowDump|bo.AllocMapped, name)
	if err != nil {
		return nil, res, err
	}
	return buffer, res, nil
}

// NewStream creates a command stream backed by this device's buffer objects
func (d *Device) NewStream(mode cs.Mode, initialWords int, name string) *cs.Stream {
	if initialWords <= 0 {
		initialWords = d.options.StreamInitialWords
	}
	return cs.New(d.logger, d, mode, initialWords, name)
}

// NewSyncobj creates a sync object
func (d *Device) NewSyncobj(signaled bool) *fence.Syncobj {
	return fence.NewSyncobj(signaled)
}

// ExportSyncobj returns a sync file descriptor for the sync object's current state
func (d *Device) ExportSyncobj(s *fence.Syncobj) (int, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return -1, res, err
	}

	fd, res, err := s.Export(d.kernel)
	if err != nil {
		res, err = d.lostAware(res, err)
	}
	return fd, res, err
}

// Merge combines primitives into one that completes when all of them have
func (d *Device) Merge(prims []fence.Primitive) (fence.Primitive, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	merged, res, err := fence.Merge(d.kernel, prims)
	if err != nil {
		res, err = d.lostAware(res, err)
	}
	return merged, res, err
}

func (d *Device) afterWait(res common.VkResult, err error) (common.VkResult, error) {
	if res == core1_0.VKTimeout {
		// a wait that never finishes may be a hung device
		statusRes, statusErr := d.CheckStatus()
		if statusRes == core1_0.VKErrorDeviceLost {
			return statusRes, statusErr
		}
		return res, err
	}
	return d.lostAware(res, err)
}

// WaitOne waits for a single sync object
func (d *Device) WaitOne(s *fence.Syncobj, timeout time.Duration, flags fence.WaitFlags) (common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return res, err
	}

	return d.afterWait(d.waiter.WaitOne(s, timeout, flags))
}

// WaitAny waits until one of the sync objects completes and returns the indices of all that have
func (d *Device) WaitAny(set []*fence.Syncobj, timeout time.Duration) ([]int, common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return nil, res, err
	}

	completed, res, err := d.waiter.WaitAny(set, timeout)
	res, err = d.afterWait(res, err)
	return completed, res, err
}

// WaitAll waits until every sync object completes
func (d *Device) WaitAll(set []*fence.Syncobj, timeout time.Duration) (common.VkResult, error) {
	res, err := d.lost.check()
	if err != nil {
		return res, err
	}

	return d.afterWait(d.waiter.WaitAll(set, timeout))
}

// Destroy reclaims released device addresses, reports leaked buffer objects, tears down every queue
// and closes the kernel backend
func (d *Device) Destroy() error {
	// zombies are waited on through the queues, so they go first
	result := d.allocator.Destroy()

	d.queueMutex.Lock()
	queues := append([]*Queue(nil), d.queues...)
	d.queueMutex.Unlock()

	for _, queue := range queues {
		err := queue.Destroy()
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	if d.dump != nil {
		err := d.dump.Close()
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	err := d.kernel.Close()
	if err != nil {
		result = errors.CombineErrors(result, err)
	}
	return result
}
