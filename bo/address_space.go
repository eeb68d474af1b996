package bo

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/internal/utils"
	"github.com/vkngwrapper/quiver/memutils"
	"github.com/vkngwrapper/quiver/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// DefaultZombieWaitTimeout bounds how long a blocking drain waits for the device
const DefaultZombieWaitTimeout = 3 * time.Second

// Zombie is a device address range whose buffer object has been destroyed but which the device may
// still be using. The range and the kernel handle are only released once every Fences point has been
// reached.
type Zombie struct {
	GEM    uint32
	IOVA   uint64
	Size   uint64
	Fences []fence.Timeline
}

// AddressSpace hands out device addresses from a fixed range. Released ranges wait in a queue of
// zombies, oldest first, until the device has provably finished with them.
type AddressSpace struct {
	logger      *slog.Logger
	kernel      Kernel
	fences      FenceSource
	alignment   uint64
	waitTimeout time.Duration

	mutex   sync.Locker
	base    uint64
	heap    *metadata.VMABlockMetadata
	zombies []Zombie
}

// NewAddressSpace creates an address space covering [start, start+size). A waitTimeout of zero
// disables blocking drains.
func NewAddressSpace(logger *slog.Logger, kernel Kernel, fences FenceSource, start, size, alignment uint64, waitTimeout time.Duration, useMutex bool) (*AddressSpace, error) {
	if size == 0 {
		return nil, errors.New("cannot create an empty address space")
	}
	if alignment == 0 {
		alignment = 4096
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if !memutils.IsAligned(start, alignment) || !memutils.IsAligned(size, alignment) {
		return nil, errors.Newf("address space [0x%x, 0x%x) is not aligned to 0x%x", start, start+size, alignment)
	}

	heap := metadata.NewVMABlockMetadata()
	heap.Init(size)

	return &AddressSpace{
		logger:      logger,
		kernel:      kernel,
		fences:      fences,
		alignment:   alignment,
		waitTimeout: waitTimeout,
		mutex:       utils.NewLocker(useMutex),
		base:        start,
		heap:        heap,
	}, nil
}

// Allocate places a range of size bytes. Replayable ranges come from the high end of the address
// space, or from exactly clientIOVA when it is nonzero. If an exact placement is blocked, zombies are
// waited on and the placement is tried once more.
func (s *AddressSpace) Allocate(size uint64, clientIOVA uint64, flags AllocFlags) (uint64, common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked(false)

	iova, res, err := s.placeLocked(size, clientIOVA, flags)
	if errors.Is(err, ErrAddressUnavailable) {
		// we may have released the range ourselves while the kernel still holds it
		s.logger.Debug("AddressSpace::Allocate retrying after draining", slog.String("IOVA", hex(clientIOVA)))
		s.drainLocked(true)
		iova, res, err = s.placeLocked(size, clientIOVA, flags)
	}

	return iova, res, err
}

func (s *AddressSpace) placeLocked(size uint64, clientIOVA uint64, flags AllocFlags) (uint64, common.VkResult, error) {
	if flags&AllocReplayable != 0 && clientIOVA != 0 {
		if clientIOVA < s.base || clientIOVA-s.base > s.heap.Size() || size > s.heap.Size()-(clientIOVA-s.base) {
			return 0, ResultAddressUnavailable, errors.Wrapf(ErrAddressUnavailable, "range [0x%x, 0x%x) is outside the address space", clientIOVA, clientIOVA+size)
		}
		if !memutils.IsAligned(clientIOVA, s.alignment) {
			return 0, ResultAddressUnavailable, errors.Wrapf(ErrAddressUnavailable, "address 0x%x is not aligned to 0x%x", clientIOVA, s.alignment)
		}

		success, request, err := s.heap.CreateAllocationRequestAt(clientIOVA-s.base, size)
		if err != nil {
			return 0, core1_0.VKErrorUnknown, err
		}
		if !success {
			return 0, ResultAddressUnavailable, errors.Wrapf(ErrAddressUnavailable, "address range [0x%x, 0x%x) is in use", clientIOVA, clientIOVA+size)
		}
		return s.commitLocked(request)
	}

	success, request, err := s.heap.CreateAllocationRequest(size, s.alignment, flags&AllocReplayable != 0, metadata.AllocationStrategyMinTime)
	if err != nil {
		return 0, core1_0.VKErrorUnknown, err
	}
	if !success {
		return 0, core1_0.VKErrorOutOfDeviceMemory, errors.Newf("no room for 0x%x bytes in the device address space", size)
	}
	return s.commitLocked(request)
}

func (s *AddressSpace) commitLocked(request metadata.AllocationRequest) (uint64, common.VkResult, error) {
	err := s.heap.Alloc(request, nil)
	if err != nil {
		return 0, core1_0.VKErrorUnknown, err
	}
	return s.base + request.Offset, core1_0.VKSuccess, nil
}

// Free returns a range to the address space immediately. The device must not be using it.
func (s *AddressSpace) Free(iova, size uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.freeLocked(iova, size)
}

func (s *AddressSpace) freeLocked(iova, size uint64) error {
	if iova < s.base {
		return errors.Newf("address 0x%x is outside the address space", iova)
	}
	return s.heap.FreeRange(iova-s.base, size)
}

// Release queues a zombie. Its range and kernel handle are released by a later drain.
func (s *AddressSpace) Release(zombie Zombie) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.zombies = append(s.zombies, zombie)
}

// Revive calls importBO with reclamation held off. If the imported kernel handle still belongs to a
// zombie, the zombie leaves the queue and is returned so the importer takes over its range and
// mapping. The handle is then never cleared or closed by a drain.
func (s *AddressSpace) Revive(importBO func() (uint32, error)) (Zombie, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	gem, err := importBO()
	if err != nil {
		return Zombie{}, false, err
	}

	for i, zombie := range s.zombies {
		if zombie.GEM == gem {
			s.zombies = slices.Delete(s.zombies, i, i+1)
			s.logger.Debug("AddressSpace::Revive", slog.String("IOVA", hex(zombie.IOVA)), slog.Int("GEM", int(gem)))
			return zombie, true, nil
		}
	}
	return Zombie{}, false, nil
}

// Drain reclaims zombies oldest first. When wait is false it stops at the first zombie the device
// may still be using. When wait is true it first waits for the newest zombie to be reached, which
// implies all the older ones.
func (s *AddressSpace) Drain(wait bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked(wait)
}

// PendingZombies returns the number of zombies not yet reclaimed
func (s *AddressSpace) PendingZombies() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.zombies)
}

func (s *AddressSpace) reached(zombie Zombie, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for _, point := range zombie.Fences {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = max(time.Until(deadline), 0)
		}

		res, err := s.fences.WaitTimestamp(point.Queue, point.Value, remaining)
		if res != core1_0.VKSuccess {
			if err != nil && res != core1_0.VKTimeout {
				s.logger.Error("failed to wait for zombie fence", slog.String("fence", point.String()), slog.Any("error", err))
			}
			return false
		}
	}
	return true
}

func (s *AddressSpace) drainLocked(wait bool) {
	if len(s.zombies) == 0 {
		return
	}

	if wait && s.waitTimeout > 0 {
		newest := s.zombies[len(s.zombies)-1]
		if !s.reached(newest, s.waitTimeout) {
			s.logger.LogAttrs(context.Background(), slog.LevelWarn, "AddressSpace::Drain timed out waiting for zombies",
				slog.Int("Pending", len(s.zombies)))
		}
	}

	reclaimed := 0
	for _, zombie := range s.zombies {
		if !s.reached(zombie, 0) {
			break
		}
		s.reclaimLocked(zombie)
		reclaimed++
	}

	if reclaimed > 0 {
		remaining := copy(s.zombies, s.zombies[reclaimed:])
		clear(s.zombies[remaining:])
		s.zombies = s.zombies[:remaining]
		s.logger.Debug("AddressSpace::Drain", slog.Int("Reclaimed", reclaimed), slog.Int("Pending", remaining))
	}
}

func (s *AddressSpace) reclaimLocked(zombie Zombie) {
	_, err := s.kernel.ClearIOVA(zombie.GEM)
	if err != nil {
		s.logger.Error("failed to clear zombie address", slog.String("IOVA", hex(zombie.IOVA)), slog.Any("error", err))
	}
	s.kernel.CloseBO(zombie.GEM)

	err = s.freeLocked(zombie.IOVA, zombie.Size)
	if err != nil {
		s.logger.Error("failed to free zombie range", slog.String("IOVA", hex(zombie.IOVA)), slog.Any("error", err))
	}
}

// AddDetailedStatistics adds the address space's heap to stats
func (s *AddressSpace) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.heap.AddDetailedStatistics(stats)
}

// Validate checks the heap and verifies every zombie still holds its range
func (s *AddressSpace) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.heap.Validate()
	if err != nil {
		return err
	}

	for _, zombie := range s.zombies {
		if zombie.IOVA < s.base {
			return errors.Newf("zombie at 0x%x is outside the address space", zombie.IOVA)
		}
		size, err := s.heap.AllocationSize(metadata.HandleForOffset(zombie.IOVA - s.base))
		if err != nil {
			return errors.Wrapf(err, "zombie at 0x%x does not hold its range", zombie.IOVA)
		}
		if size != zombie.Size {
			return errors.Newf("zombie at 0x%x holds 0x%x bytes but records 0x%x", zombie.IOVA, size, zombie.Size)
		}
	}

	return nil
}

func (s *AddressSpace) printDetailedMap(json *jwriter.ObjectState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	obj := json.Name("AddressSpace").Object()
	defer obj.End()

	obj.Name("Base").String(hex(s.base))
	s.heap.BlockJsonData(obj)

	regions := obj.Name("Regions").Array()

	_ = s.heap.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset uint64, size uint64, userData any, free bool) error {
		region := regions.Object()
		defer region.End()

		region.Name("IOVA").String(hex(s.base + offset))
		region.Name("Size").Float64(float64(size))
		region.Name("Free").Bool(free)
		return nil
	})
	regions.End()

	zombies := obj.Name("Zombies").Array()
	defer zombies.End()

	for _, zombie := range s.zombies {
		zombieObj := zombies.Object()
		zombieObj.Name("IOVA").String(hex(zombie.IOVA))
		zombieObj.Name("Size").Float64(float64(zombie.Size))
		zombieObj.End()
	}
}
