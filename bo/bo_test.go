package bo_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/internal/fakekernel"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fenceSource struct {
	*fakekernel.Timelines
	last []fence.Timeline
}

func (f *fenceSource) LastSubmitted() []fence.Timeline {
	return append([]fence.Timeline(nil), f.last...)
}

func newUserspaceAllocator(t *testing.T) (*bo.Allocator, *fakekernel.Kernel, *fenceSource) {
	kernel := fakekernel.New(true)
	t.Cleanup(func() { _ = kernel.Close() })

	fences := &fenceSource{Timelines: kernel.Timelines}
	allocator, err := bo.New(newLogger(), kernel, fences, bo.CreateOptions{
		UserspaceIOVA:     true,
		VAStart:           0x1000,
		VASize:            0x100000,
		ZombieWaitTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return allocator, kernel, fences
}

func requireListConsistent(t *testing.T, registry *bo.Registry, live []*bo.BO) {
	require.NoError(t, registry.Validate())
	require.Equal(t, len(live), registry.Count())

	err := registry.WithSubmitList(func(list []*bo.BO, implicitSync bool) error {
		for _, b := range live {
			require.Same(t, b, list[b.ListIndex()])
		}
		return nil
	})
	require.NoError(t, err)

	for _, b := range live {
		found, ok := registry.Lookup(b.Handle())
		require.True(t, ok)
		require.Same(t, b, found)

		found, ok = registry.LookupGEM(b.GEM())
		require.True(t, ok)
		require.Same(t, b, found)
	}
}

func TestRegistrySlotInvariant(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	allocator, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(7))
	var live []*bo.BO
	var stale []bo.Handle

	for i := 0; i < 500; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			index := rnd.Intn(len(live))
			stale = append(stale, live[index].Handle())
			require.NoError(t, live[index].Unref())
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			b, res, err := allocator.Allocate(uint64(rnd.Intn(8)+1)*0x800, 0, 0, "random")
			require.NoError(t, err)
			require.Equal(t, core1_0.VKSuccess, res)
			live = append(live, b)
		}

		requireListConsistent(t, allocator.Registry(), live)
	}

	for _, handle := range stale {
		_, ok := allocator.Registry().Lookup(handle)
		require.False(t, ok)
	}

	for _, b := range live {
		require.NoError(t, b.Unref())
	}
	requireListConsistent(t, allocator.Registry(), nil)
	require.Equal(t, 0, kernel.LiveBOs())
	require.NoError(t, allocator.Destroy())
}

func TestRegistryConcurrentAllocation(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	allocator, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	var group errgroup.Group
	for worker := 0; worker < 8; worker++ {
		group.Go(func() error {
			var owned []*bo.BO
			for i := 0; i < 50; i++ {
				b, _, err := allocator.Allocate(0x1000, 0, 0, "worker")
				if err != nil {
					return err
				}
				owned = append(owned, b)
				if i%3 == 0 {
					err = owned[0].Unref()
					if err != nil {
						return err
					}
					owned = owned[1:]
				}
			}
			for _, b := range owned {
				err := b.Unref()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, group.Wait())
	require.NoError(t, allocator.Registry().Validate())
	require.Equal(t, 0, allocator.Registry().Count())
	require.Equal(t, 0, kernel.LiveBOs())
}

func TestZombieReplayAddress(t *testing.T) {
	allocator, kernel, fences := newUserspaceAllocator(t)

	first, res, err := allocator.Allocate(4096, 0x1000, bo.AllocReplayable, "replay")
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, uint64(0x1000), first.IOVA())
	firstGEM := first.GEM()

	// work referencing the buffer object was submitted but has not completed
	fences.last = []fence.Timeline{{Queue: 1, Value: 1}}
	require.NoError(t, first.Unref())
	require.Equal(t, 1, allocator.AddressSpace().PendingZombies())
	require.NoError(t, allocator.AddressSpace().Validate())

	_, res, err = allocator.Allocate(4096, 0x1000, bo.AllocReplayable, "replay")
	require.ErrorIs(t, err, bo.ErrAddressUnavailable)
	require.Equal(t, bo.ResultAddressUnavailable, res)
	require.Equal(t, 1, allocator.AddressSpace().PendingZombies())

	other, _, err := allocator.Allocate(4096, 0, 0, "ordinary")
	require.NoError(t, err)
	require.NotEqual(t, uint64(0x1000), other.IOVA())

	kernel.Complete(1, 1)

	second, res, err := allocator.Allocate(4096, 0x1000, bo.AllocReplayable, "replay")
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, uint64(0x1000), second.IOVA())
	require.Equal(t, 0, allocator.AddressSpace().PendingZombies())
	require.Contains(t, kernel.Closed(), firstGEM)
	require.Equal(t, 1, kernel.ClearCount())

	require.NoError(t, second.Unref())
	require.NoError(t, other.Unref())
	require.NoError(t, allocator.Destroy())
}

func TestZombieBlockingDrain(t *testing.T) {
	kernel := fakekernel.New(true)
	defer kernel.Close()

	fences := &fenceSource{Timelines: kernel.Timelines}
	allocator, err := bo.New(newLogger(), kernel, fences, bo.CreateOptions{
		UserspaceIOVA:     true,
		VAStart:           0x10000,
		VASize:            0x10000,
		ZombieWaitTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	first, _, err := allocator.Allocate(0x10000, 0x10000, bo.AllocReplayable, "everything")
	require.NoError(t, err)

	fences.last = []fence.Timeline{{Queue: 1, Value: 4}}
	require.NoError(t, first.Unref())

	var group errgroup.Group
	group.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		kernel.Complete(1, 4)
		return nil
	})

	// the only way to place this is to wait for the zombie
	second, res, err := allocator.Allocate(0x10000, 0x10000, bo.AllocReplayable, "everything")
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.NoError(t, group.Wait())
	require.Equal(t, 0, allocator.AddressSpace().PendingZombies())

	require.NoError(t, second.Unref())
	fences.last = nil
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, allocator.AddressSpace().PendingZombies())
}

func TestZombieDrainOrder(t *testing.T) {
	allocator, kernel, fences := newUserspaceAllocator(t)

	for value := uint32(1); value <= 3; value++ {
		b, _, err := allocator.Allocate(0x2000, 0, 0, "ordered")
		require.NoError(t, err)

		fences.last = []fence.Timeline{{Queue: 1, Value: value}, {Queue: 2, Value: 1}}
		require.NoError(t, b.Unref())
	}
	require.Equal(t, 3, allocator.AddressSpace().PendingZombies())

	kernel.Complete(1, 2)
	allocator.AddressSpace().Drain(false)
	require.Equal(t, 3, allocator.AddressSpace().PendingZombies())

	kernel.Complete(2, 1)
	allocator.AddressSpace().Drain(false)
	require.Equal(t, 1, allocator.AddressSpace().PendingZombies())
	require.NoError(t, allocator.AddressSpace().Validate())

	kernel.Complete(1, 3)
	allocator.AddressSpace().Drain(false)
	require.Equal(t, 0, allocator.AddressSpace().PendingZombies())
	require.Equal(t, 0, kernel.LiveBOs())
}

func TestReplayableHighEnd(t *testing.T) {
	allocator, _, _ := newUserspaceAllocator(t)

	high, _, err := allocator.Allocate(0x3000, 0, bo.AllocReplayable, "high")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000+0x100000-0x3000), high.IOVA())

	low, _, err := allocator.Allocate(0x1000, 0, 0, "low")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), low.IOVA())

	_, res, err := allocator.Allocate(0x1000, 0x200000, bo.AllocReplayable, "outside")
	require.ErrorIs(t, err, bo.ErrAddressUnavailable)
	require.Equal(t, bo.ResultAddressUnavailable, res)

	_, res, err = allocator.Allocate(0x1000, 0x2800, bo.AllocReplayable, "unaligned")
	require.ErrorIs(t, err, bo.ErrAddressUnavailable)
	require.Equal(t, bo.ResultAddressUnavailable, res)

	_, res, err = allocator.Allocate(0x3000, 0x1000+0x100000-0x1000, bo.AllocReplayable, "overhanging")
	require.ErrorIs(t, err, bo.ErrAddressUnavailable)
	require.Equal(t, bo.ResultAddressUnavailable, res)

	_, res, err = allocator.Allocate(0x200000, 0, 0, "huge")
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	require.NoError(t, high.Unref())
	require.NoError(t, low.Unref())
}

func TestImportDeduplicates(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	allocator, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	original, _, err := allocator.Allocate(0x4000, 0, 0, "shared")
	require.NoError(t, err)
	require.False(t, original.ImplicitSync())

	fd, _, err := allocator.Export(original)
	require.NoError(t, err)
	require.True(t, original.ImplicitSync())

	imported, _, err := allocator.Import(fd, "imported")
	require.NoError(t, err)
	require.Same(t, original, imported)
	require.Equal(t, 2, original.References())
	require.NoError(t, allocator.Registry().Validate())

	require.NoError(t, imported.Unref())
	require.Equal(t, 1, kernel.LiveBOs())
	require.NoError(t, original.Unref())
	require.Equal(t, 0, kernel.LiveBOs())

	_, _, err = allocator.Import(fd, "gone")
	require.Error(t, err)
	require.NoError(t, allocator.Registry().Validate())
}

func TestImportRevivesZombie(t *testing.T) {
	allocator, kernel, fences := newUserspaceAllocator(t)

	original, _, err := allocator.Allocate(0x2000, 0, 0, "shared")
	require.NoError(t, err)
	gem, iova := original.GEM(), original.IOVA()

	fd, _, err := allocator.Export(original)
	require.NoError(t, err)

	fences.last = []fence.Timeline{{Queue: 1, Value: 1}}
	require.NoError(t, original.Unref())
	require.Equal(t, 1, allocator.AddressSpace().PendingZombies())

	imported, res, err := allocator.Import(fd, "imported")
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, gem, imported.GEM())
	require.Equal(t, iova, imported.IOVA())
	require.Equal(t, uint64(0x2000), imported.Size())
	require.Equal(t, 0, allocator.AddressSpace().PendingZombies())
	require.NoError(t, allocator.AddressSpace().Validate())

	// the old fence passing must not touch the handle the imported buffer object owns
	kernel.Complete(1, 1)
	allocator.AddressSpace().Drain(false)
	require.NotContains(t, kernel.Closed(), gem)
	require.Equal(t, 0, kernel.ClearCount())
	require.Equal(t, 1, imported.References())

	other, _, err := allocator.Allocate(0x2000, 0, 0, "other")
	require.NoError(t, err)
	require.NotEqual(t, iova, other.IOVA())

	fences.last = nil
	require.NoError(t, imported.Unref())
	require.NoError(t, other.Unref())
	allocator.AddressSpace().Drain(false)
	require.Contains(t, kernel.Closed(), gem)
	require.Equal(t, 0, kernel.LiveBOs())
	require.NoError(t, allocator.Destroy())
}

func TestImportedImplicitSync(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	exporter, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)
	importer, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	original, _, err := exporter.Allocate(0x1000, 0, 0, "shared")
	require.NoError(t, err)
	fd, _, err := exporter.Export(original)
	require.NoError(t, err)

	imported, _, err := importer.Import(fd, "imported")
	require.NoError(t, err)
	require.NotSame(t, original, imported)
	require.Equal(t, original.IOVA(), imported.IOVA())
	require.True(t, imported.ImplicitSync())

	err = importer.Registry().WithSubmitList(func(list []*bo.BO, implicitSync bool) error {
		require.True(t, implicitSync)
		require.Len(t, list, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, imported.Unref())
	require.NoError(t, original.Unref())
}

func TestMappedWords(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	allocator, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	b, _, err := allocator.Allocate(100, 0, bo.AllocMapped|bo.AllocGPUReadOnly, "mapped")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), b.Size())
	require.Len(t, b.Words(), 1024)

	b.Words()[3] = 0xdeadbeef
	require.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(kernel.Contents(b.GEM())[12:]))

	unmapped, _, err := allocator.Allocate(100, 0, 0, "unmapped")
	require.NoError(t, err)
	require.Nil(t, unmapped.Mapping())
	require.Panics(t, func() { unmapped.Words() })

	_, err = unmapped.Map()
	require.NoError(t, err)
	require.Len(t, unmapped.Mapping(), 4096)

	b.Release()
	unmapped.Release()
	require.Panics(t, func() { b.Release() })
}

func TestAllocateFailure(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	allocator, err := bo.New(newLogger(), kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	kernel.CreateError = io.ErrShortBuffer
	_, res, err := allocator.Allocate(0x1000, 0, 0, "fails")
	require.ErrorIs(t, err, io.ErrShortBuffer)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	_, _, err = allocator.Allocate(0, 0, 0, "empty")
	require.Error(t, err)
	require.Equal(t, 0, allocator.Registry().Count())

	_, err = bo.New(newLogger(), kernel, nil, bo.CreateOptions{UserspaceIOVA: true, VASize: 0x1000})
	require.Error(t, err)

	_, err = bo.New(newLogger(), kernel, nil, bo.CreateOptions{PageSize: 3000})
	require.Error(t, err)
}

func TestDestroyReportsLeaks(t *testing.T) {
	kernel := fakekernel.New(false)
	defer kernel.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	allocator, err := bo.New(logger, kernel, nil, bo.CreateOptions{})
	require.NoError(t, err)

	leaked, _, err := allocator.Allocate(0x1000, 0, 0, "leaky")
	require.NoError(t, err)

	require.Error(t, allocator.Destroy())
	require.Contains(t, logs.String(), "[UNRELEASED BO]")
	require.Contains(t, logs.String(), "leaky")

	require.NoError(t, leaked.Unref())
	require.NoError(t, allocator.Destroy())
}

func TestBuildStatsString(t *testing.T) {
	allocator, _, fences := newUserspaceAllocator(t)

	kept, _, err := allocator.Allocate(0x2000, 0, 0, "kept")
	require.NoError(t, err)
	dropped, _, err := allocator.Allocate(0x1000, 0, 0, "dropped")
	require.NoError(t, err)

	fences.last = []fence.Timeline{{Queue: 1, Value: 9}}
	require.NoError(t, dropped.Unref())

	stats := allocator.BuildStatsString(false)
	require.Contains(t, stats, `"Total":{`)
	require.Contains(t, stats, `"PendingZombies":1`)
	require.NotContains(t, stats, `"BufferObjects"`)

	detailed := allocator.BuildStatsString(true)
	require.Contains(t, detailed, `"BufferObjects":[{`)
	require.Contains(t, detailed, `"Name":"kept"`)
	require.Contains(t, detailed, `"Zombies":[{`)

	require.NoError(t, kept.Unref())
}
