package bo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/memutils"
	"golang.org/x/exp/slog"
)

// CreateOptions configure a new Allocator
type CreateOptions struct {
	Flags CreateFlags

	// UserspaceIOVA is set when the kernel lets userspace choose device addresses. Destroyed buffer
	// objects then become zombies until the device is done with them. Otherwise the kernel assigns
	// addresses and destroyed buffer objects are closed immediately.
	UserspaceIOVA bool
	VAStart       uint64
	VASize        uint64

	// PageSize is the granularity of buffer object sizes and device addresses. Defaults to 4096.
	PageSize uint64

	// ZombieWaitTimeout bounds how long an exact placement waits for zombies to be reached. Zero
	// uses DefaultZombieWaitTimeout, and a negative value disables waiting.
	ZombieWaitTimeout time.Duration
}

// Allocator creates, imports and destroys buffer objects and keeps them in a Registry
type Allocator struct {
	logger   *slog.Logger
	kernel   Kernel
	pageSize uint64

	registry     *Registry
	addressSpace *AddressSpace
}

// New creates an Allocator over a kernel backend. fences is only used when UserspaceIOVA is set.
func New(logger *slog.Logger, kernel Kernel, fences FenceSource, options CreateOptions) (*Allocator, error) {
	useMutex := options.Flags&CreateExternallySynchronized == 0

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	err := memutils.CheckPow2(pageSize, "PageSize")
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:   logger,
		kernel:   kernel,
		pageSize: pageSize,
		registry: NewRegistry(useMutex),
	}

	if options.UserspaceIOVA {
		if fences == nil {
			return nil, errors.New("an allocator with userspace device addresses requires a fence source")
		}

		waitTimeout := options.ZombieWaitTimeout
		if waitTimeout == 0 {
			waitTimeout = DefaultZombieWaitTimeout
		} else if waitTimeout < 0 {
			waitTimeout = 0
		}

		allocator.addressSpace, err = NewAddressSpace(logger, kernel, fences, options.VAStart, options.VASize, pageSize, waitTimeout, useMutex)
		if err != nil {
			return nil, err
		}
	}

	return allocator, nil
}

func (a *Allocator) Registry() *Registry { return a.registry }

// AddressSpace returns nil when the kernel assigns device addresses
func (a *Allocator) AddressSpace() *AddressSpace { return a.addressSpace }

// Allocate creates a buffer object with a single reference. clientIOVA is only honored for
// AllocReplayable buffer objects, which must then be placed at exactly that address.
func (a *Allocator) Allocate(size uint64, clientIOVA uint64, flags AllocFlags, name string) (*BO, common.VkResult, error) {
	if size == 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate empty buffer object %q", name)
	}
	size = memutils.AlignUp(size, a.pageSize)

	gem, res, err := a.kernel.CreateBO(size, flags)
	if err != nil {
		return nil, res, errors.Wrapf(err, "failed to create buffer object %q", name)
	}

	iova, res, err := a.assignIOVA(gem, size, clientIOVA, flags)
	if err != nil {
		a.kernel.CloseBO(gem)
		return nil, res, errors.Wrapf(err, "failed to place buffer object %q", name)
	}

	bo := &BO{
		allocator: a,
		gem:       gem,
		size:      size,
		iova:      iova,
		flags:     flags,
		name:      name,
	}
	bo.refCount.Store(1)
	bo.implicitSync.Store(flags&AllocImplicitSync != 0)

	a.registry.mutex.Lock()
	a.registry.insertLocked(bo)
	a.registry.mutex.Unlock()

	if flags&AllocMapped != 0 {
		res, err = bo.Map()
		if err != nil {
			_ = bo.Unref()
			return nil, res, err
		}
	}

	a.logger.Debug("Allocator::Allocate", slog.String("Name", name), slog.String("IOVA", hex(iova)), slog.Float64("Size", float64(size)), slog.String("Flags", flags.String()))
	return bo, core1_0.VKSuccess, nil
}

func (a *Allocator) assignIOVA(gem uint32, size uint64, clientIOVA uint64, flags AllocFlags) (uint64, common.VkResult, error) {
	if a.addressSpace == nil {
		iova, res, err := a.kernel.QueryIOVA(gem)
		if err != nil {
			return 0, res, err
		}
		if flags&AllocReplayable != 0 && clientIOVA != 0 && iova != clientIOVA {
			return 0, ResultAddressUnavailable, errors.Wrapf(ErrAddressUnavailable, "kernel placed buffer object at 0x%x instead of 0x%x", iova, clientIOVA)
		}
		return iova, core1_0.VKSuccess, nil
	}

	iova, res, err := a.addressSpace.Allocate(size, clientIOVA, flags)
	if err != nil {
		return 0, res, err
	}

	res, err = a.kernel.SetIOVA(gem, iova)
	if err != nil {
		freeErr := a.addressSpace.Free(iova, size)
		if freeErr != nil {
			a.logger.Error("failed to free device address", slog.String("IOVA", hex(iova)), slog.Any("error", freeErr))
		}
		return 0, res, err
	}

	return iova, core1_0.VKSuccess, nil
}

// Import returns a buffer object for a shared descriptor. Importing a buffer object that is already
// live adds a reference to the existing one. Importing one whose handle is still a zombie revives it
// at its old address.
func (a *Allocator) Import(fd int, name string) (*BO, common.VkResult, error) {
	// held across the import so a racing final Unref cannot close the handle under us
	a.registry.mutex.Lock()
	defer a.registry.mutex.Unlock()

	var gem uint32
	var size uint64
	res := core1_0.VKSuccess
	importBO := func() (uint32, error) {
		var err error
		gem, size, res, err = a.kernel.ImportBO(fd)
		return gem, err
	}

	var zombie Zombie
	var revived bool
	var err error
	if a.addressSpace != nil {
		zombie, revived, err = a.addressSpace.Revive(importBO)
	} else {
		_, err = importBO()
	}
	if err != nil {
		return nil, res, errors.Wrapf(err, "failed to import buffer object from descriptor %d", fd)
	}

	if handle, ok := a.registry.byGEM.Get(gem); ok {
		if existing, live := a.registry.lookupLocked(handle); live {
			existing.refCount.Add(1)
			a.logger.Debug("Allocator::Import reused", slog.String("Name", existing.name), slog.Int("References", existing.References()))
			return existing, core1_0.VKSuccess, nil
		}
	}

	var iova uint64
	if revived {
		// the kernel still maps the handle there
		iova, size = zombie.IOVA, zombie.Size
	} else {
		iova, res, err = a.assignIOVA(gem, size, 0, 0)
		if err != nil {
			a.kernel.CloseBO(gem)
			return nil, res, errors.Wrapf(err, "failed to place imported buffer object %q", name)
		}
	}

	bo := &BO{
		allocator: a,
		gem:       gem,
		size:      size,
		iova:      iova,
		flags:     AllocImplicitSync,
		name:      name,
		imported:  true,
	}
	bo.refCount.Store(1)
	bo.implicitSync.Store(true)
	a.registry.insertLocked(bo)

	a.logger.Debug("Allocator::Import", slog.String("Name", name), slog.String("IOVA", hex(iova)), slog.Float64("Size", float64(size)), slog.Bool("Revived", revived))
	return bo, core1_0.VKSuccess, nil
}

// Export returns a descriptor that shares the buffer object. From then on the kernel must order
// accesses to it across processes.
func (a *Allocator) Export(bo *BO) (int, common.VkResult, error) {
	fd, res, err := a.kernel.ExportBO(bo.gem)
	if err != nil {
		return -1, res, errors.Wrapf(err, "failed to export buffer object %q", bo.name)
	}

	a.registry.setImplicitSync(bo)
	return fd, core1_0.VKSuccess, nil
}

func (a *Allocator) unref(bo *BO) error {
	a.registry.mutex.Lock()
	count := bo.refCount.Add(-1)
	if count < 0 {
		a.registry.mutex.Unlock()
		panic("attempting to release a buffer object that has already been destroyed")
	}
	if count > 0 {
		a.registry.mutex.Unlock()
		return nil
	}
	defer a.registry.mutex.Unlock()

	// the zombie is stamped before a submission holding the registry can publish a newer fence
	a.registry.removeLocked(bo)
	return a.destroyLocked(bo)
}

func (a *Allocator) destroyLocked(bo *BO) error {
	a.logger.Debug("Allocator::destroy", slog.String("Name", bo.name), slog.String("IOVA", hex(bo.iova)))

	err := bo.unmap()
	if err != nil {
		err = errors.Wrapf(err, "failed to unmap buffer object %q", bo.name)
	}

	if a.addressSpace == nil {
		a.kernel.CloseBO(bo.gem)
		return err
	}

	a.addressSpace.Release(Zombie{
		GEM:    bo.gem,
		IOVA:   bo.iova,
		Size:   bo.size,
		Fences: a.addressSpace.fences.LastSubmitted(),
	})
	return err
}

// Destroy reclaims every zombie and reports buffer objects that were never released. It returns an
// error if any were found.
func (a *Allocator) Destroy() error {
	if a.addressSpace != nil {
		a.addressSpace.Drain(true)
		if pending := a.addressSpace.PendingZombies(); pending > 0 {
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "zombies outlived the allocator", slog.Int("Pending", pending))
		}
	}

	leaked := 0
	_ = a.registry.Visit(func(bo *BO) error {
		leaked++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BO] unfreed buffer object",
			slog.String("iova", hex(bo.iova)),
			slog.Float64("size", float64(bo.size)),
			slog.Int("references", bo.References()),
			slog.String("name", bo.name),
		)
		return nil
	})

	if leaked > 0 {
		return errors.Newf("%d buffer objects were not released before the destruction of this allocator", leaked)
	}
	return nil
}

// CalculateStatistics summarizes the live buffer objects and the device address heap
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	if a.addressSpace != nil {
		a.addressSpace.AddDetailedStatistics(stats)
		return
	}

	_ = a.registry.Visit(func(bo *BO) error {
		stats.AddAllocation(bo.size)
		return nil
	})
}

// BuildStatsString returns a json summary of the allocator. detailed adds every live buffer object and
// the address space layout.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	total := obj.Name("Total").Object()
	stats.PrintJson(&total)
	total.End()

	if a.addressSpace != nil {
		obj.Name("PendingZombies").Int(a.addressSpace.PendingZombies())
	}

	if detailed {
		bos := obj.Name("BufferObjects").Array()
		_ = a.registry.Visit(func(bo *BO) error {
			boObj := bos.Object()
			bo.printParameters(&boObj)
			boObj.End()
			return nil
		})
		bos.End()

		if a.addressSpace != nil {
			a.addressSpace.printDetailedMap(&obj)
		}
	}

	obj.End()
	return string(writer.Bytes())
}
