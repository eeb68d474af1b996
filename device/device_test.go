package device_test

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/config"
	"github.com/vkngwrapper/quiver/cs"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/internal/fakekernel"
	"github.com/vkngwrapper/quiver/rd"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func newDevice(t *testing.T, autoComplete bool, debug config.DebugFlags) (*device.Device, *fakekernel.Device) {
	options := config.Defaults()
	options.ZombieWaitTimeout = time.Second
	options.DumpPath = filepath.Join(t.TempDir(), "capture.rd")
	options.SetDebugFlags(debug)

	kernel := fakekernel.NewDevice(true, 0x1000000, autoComplete)
	dev, err := device.New(slog.New(slog.NewTextHandler(io.Discard, nil)), kernel, options)
	require.NoError(t, err)
	return dev, kernel
}

func newQueue(t *testing.T, dev *device.Device) *device.Queue {
	queue, res, err := dev.CreateQueue(1)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return queue
}

func recordStream(t *testing.T, dev *device.Device, name string, words ...uint32) *cs.Stream {
	stream := dev.NewStream(cs.ModeGrow, 64, name)
	stream.Begin()
	_, err := stream.Reserve(len(words))
	require.NoError(t, err)
	stream.EmitArray(words)
	stream.End()
	require.Len(t, stream.Entries(), 1)
	return stream
}

func submitIndex(request device.SubmitRequest, gem uint32) int {
	for i, b := range request.BOs {
		if b.GEM == gem {
			return i
		}
	}
	return -1
}

func TestSubmitResolvesBufferObjects(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	queue := newQueue(t, dev)

	data, _, err := dev.AllocBO(8192, 0, 0, "data")
	require.NoError(t, err)

	stream := recordStream(t, dev, "main", 1, 2, 3, 4)
	entry := stream.Entries()[0]
	streamBO := entry.Buffer.(*bo.BO)

	signal := dev.NewSyncobj(false)
	res, err := queue.Submit(&device.Batch{
		Streams:   []*cs.Stream{stream},
		Signals:   []*fence.Syncobj{signal},
		FlushBits: 0x4,
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	submits := kernel.Submits()
	require.Len(t, submits, 1)
	request := submits[0]
	require.Equal(t, queue.ID(), request.Queue)
	require.True(t, request.NoImplicitSync)
	require.Len(t, request.BOs, 2)

	streamIndex := submitIndex(request, streamBO.GEM())
	require.GreaterOrEqual(t, streamIndex, 0)
	require.Equal(t, device.SubmitBORead|device.SubmitBODump, request.BOs[streamIndex].Flags)
	require.Equal(t, streamBO.IOVA(), request.BOs[streamIndex].IOVA)

	dataIndex := submitIndex(request, data.GEM())
	require.GreaterOrEqual(t, dataIndex, 0)
	require.Equal(t, device.SubmitBORead|device.SubmitBOWrite, request.BOs[dataIndex].Flags)

	require.Equal(t, []device.SubmitCmd{{
		BOIndex: uint32(streamIndex),
		IOVA:    entry.IOVA(),
		Offset:  0,
		Size:    16,
	}}, request.Cmds)

	require.Equal(t, fence.Timeline{Queue: queue.ID(), Value: 1}, signal.State())
	point, ok := queue.LastFence()
	require.True(t, ok)
	require.Equal(t, fence.Timeline{Queue: queue.ID(), Value: 1}, point)

	require.Equal(t, device.FlushBits(0x4), queue.TakeFlushBits())
	require.Equal(t, device.FlushBits(0), queue.TakeFlushBits())

	res, err = dev.WaitOne(signal, time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	stream.Finish()
	require.NoError(t, data.Unref())
	require.NoError(t, dev.Destroy())
	require.Equal(t, 0, kernel.Queues())
}

func TestSubmitSideChannelOrder(t *testing.T) {
	for _, trace := range []bool{false, true} {
		var debug config.DebugFlags
		if trace {
			debug = config.DebugTrace
		}

		dev, kernel := newDevice(t, true, debug)
		queue := newQueue(t, dev)

		body := recordStream(t, dev, "main", 1, 2)
		barrier := recordStream(t, dev, "barrier", 3)
		profiling := recordStream(t, dev, "profiling", 4)
		bump := recordStream(t, dev, "bump", 5)

		_, err := queue.Submit(&device.Batch{
			Streams: []*cs.Stream{body},
			SideChannel: device.SideChannel{
				CPUWritesBarrier: &barrier.Entries()[0],
				Profiling:        &profiling.Entries()[0],
				FenceBump:        &bump.Entries()[0],
			},
		})
		require.NoError(t, err)

		var iovas []uint64
		for _, cmd := range kernel.Submits()[0].Cmds {
			iovas = append(iovas, cmd.IOVA)
		}

		expected := []uint64{barrier.Entries()[0].IOVA()}
		if trace {
			expected = append(expected, profiling.Entries()[0].IOVA())
		}
		expected = append(expected, body.Entries()[0].IOVA(), bump.Entries()[0].IOVA())
		require.Equal(t, expected, iovas, "trace=%v", trace)

		for _, stream := range []*cs.Stream{body, barrier, profiling, bump} {
			stream.Finish()
		}
		require.NoError(t, dev.Destroy())
	}
}

func TestSubmitRejectsDestroyedBufferObject(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	queue := newQueue(t, dev)

	b, _, err := dev.AllocBO(4096, 0, bo.AllocMapped, "stale")
	require.NoError(t, err)
	entry := cs.Entry{Buffer: b, Offset: 0, Size: 16}
	require.NoError(t, b.Unref())

	res, err := queue.Submit(&device.Batch{SideChannel: device.SideChannel{FenceBump: &entry}})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
	require.Empty(t, kernel.Submits())
	require.False(t, dev.Lost())

	require.NoError(t, dev.Destroy())
}

func TestSubmitImplicitSync(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	queue := newQueue(t, dev)

	shared, _, err := dev.AllocBO(4096, 0, 0, "shared")
	require.NoError(t, err)

	_, err = queue.Submit(&device.Batch{})
	require.NoError(t, err)

	_, _, err = dev.ExportBO(shared)
	require.NoError(t, err)

	_, err = queue.Submit(&device.Batch{})
	require.NoError(t, err)

	submits := kernel.Submits()
	require.True(t, submits[0].NoImplicitSync)
	require.False(t, submits[1].NoImplicitSync)

	require.NoError(t, shared.Unref())
	require.NoError(t, dev.Destroy())
}

func TestSubmitWaits(t *testing.T) {
	dev, kernel := newDevice(t, false, 0)
	first := newQueue(t, dev)
	second := newQueue(t, dev)

	signal := dev.NewSyncobj(false)
	_, err := first.Submit(&device.Batch{Signals: []*fence.Syncobj{signal}})
	require.NoError(t, err)

	// earlier work on the same queue needs no wait
	_, err = first.Submit(&device.Batch{Waits: []*fence.Syncobj{signal}})
	require.NoError(t, err)

	_, err = second.Submit(&device.Batch{Waits: []*fence.Syncobj{signal, dev.NewSyncobj(true)}})
	require.NoError(t, err)

	submits := kernel.Submits()
	require.Len(t, submits, 3)
	require.Empty(t, submits[1].Waits)
	require.Equal(t, []fence.Primitive{fence.Timeline{Queue: first.ID(), Value: 1}}, submits[2].Waits)
	require.Equal(t, fence.Timeline{Queue: first.ID(), Value: 1}, signal.State())

	kernel.Complete(first.ID(), 2)
	kernel.Complete(second.ID(), 1)

	// waits that are found complete at submission become signaled
	_, err = second.Submit(&device.Batch{Waits: []*fence.Syncobj{signal}})
	require.NoError(t, err)
	require.Equal(t, fence.Signaled{}, signal.State())

	kernel.Complete(second.ID(), 2)
	require.NoError(t, dev.Destroy())
}

func TestSubmitWaitsForUnsubmittedSyncobj(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	producer := newQueue(t, dev)
	consumer := newQueue(t, dev)

	pending := dev.NewSyncobj(false)

	var group errgroup.Group
	group.Go(func() error {
		_, err := consumer.Submit(&device.Batch{Waits: []*fence.Syncobj{pending}})
		return err
	})

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, kernel.Submits())

	_, err := producer.Submit(&device.Batch{Signals: []*fence.Syncobj{pending}})
	require.NoError(t, err)
	require.NoError(t, group.Wait())

	submits := kernel.Submits()
	require.Len(t, submits, 2)
	require.Equal(t, producer.ID(), submits[0].Queue)
	require.Equal(t, consumer.ID(), submits[1].Queue)
	require.Equal(t, []fence.Primitive{fence.Timeline{Queue: producer.ID(), Value: 1}}, submits[1].Waits)

	require.NoError(t, dev.Destroy())
}

func TestSubmitFenceFD(t *testing.T) {
	dev, kernel := newDevice(t, false, 0)
	queue := newQueue(t, dev)

	withFD := dev.NewSyncobj(false)
	plain := dev.NewSyncobj(false)
	_, err := queue.Submit(&device.Batch{
		Signals:     []*fence.Syncobj{withFD, plain},
		WantFenceFD: true,
	})
	require.NoError(t, err)

	require.IsType(t, fence.FileHandle{}, withFD.State())
	require.Equal(t, fence.Timeline{Queue: queue.ID(), Value: 1}, plain.State())

	res, err := dev.WaitOne(withFD, 0, 0)
	require.ErrorIs(t, err, fence.ErrTimeout)
	require.Equal(t, core1_0.VKTimeout, res)

	kernel.Complete(queue.ID(), 1)

	res, err = dev.WaitOne(withFD, time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, fence.Signaled{}, withFD.State())

	completed, _, err := dev.WaitAny([]*fence.Syncobj{plain, withFD}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []int{1}, completed)

	completed, _, err = dev.WaitAny([]*fence.Syncobj{plain}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []int{0}, completed)
	require.Equal(t, fence.Signaled{}, plain.State())

	withFD.Destroy()
	require.NoError(t, dev.Destroy())
}

func TestConcurrentSubmissions(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	queues := []*device.Queue{newQueue(t, dev), newQueue(t, dev)}

	var mutex sync.Mutex
	values := make(map[fence.QueueID][]uint32)

	var group errgroup.Group
	for i := 0; i < 8; i++ {
		queue := queues[i%len(queues)]
		group.Go(func() error {
			for j := 0; j < 10; j++ {
				signal := dev.NewSyncobj(false)
				_, err := queue.Submit(&device.Batch{Signals: []*fence.Syncobj{signal}})
				if err != nil {
					return err
				}

				point, ok := signal.State().(fence.Timeline)
				if !ok {
					return errors.Newf("signal is %s after submission", signal.State())
				}

				mutex.Lock()
				values[point.Queue] = append(values[point.Queue], point.Value)
				mutex.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Len(t, kernel.Submits(), 80)

	for _, queue := range queues {
		got := values[queue.ID()]
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, 40)
		for i, value := range got {
			require.Equal(t, uint32(i+1), value)
		}
	}

	require.NoError(t, dev.Destroy())
}

func TestReplayAddressWaitsForZombie(t *testing.T) {
	dev, kernel := newDevice(t, false, 0)
	queue := newQueue(t, dev)

	first, _, err := dev.AllocBO(4096, 0x100000, bo.AllocReplayable, "replay")
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), first.IOVA())

	_, err = queue.Submit(&device.Batch{})
	require.NoError(t, err)
	require.NoError(t, first.Unref())
	require.Equal(t, 1, dev.Allocator().AddressSpace().PendingZombies())

	go func() {
		time.Sleep(20 * time.Millisecond)
		kernel.Complete(queue.ID(), 1)
	}()

	second, res, err := dev.AllocBO(4096, 0x100000, bo.AllocReplayable, "replay")
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, uint64(0x100000), second.IOVA())
	require.Equal(t, 0, dev.Allocator().AddressSpace().PendingZombies())

	require.NoError(t, second.Unref())
	require.NoError(t, dev.Destroy())
}

// unrefKernel runs afterSubmit once, right after the first submission is accepted
type unrefKernel struct {
	*fakekernel.Device
	afterSubmit func()
}

func (k *unrefKernel) Submit(request *device.SubmitRequest) (device.SubmitResult, common.VkResult, error) {
	result, res, err := k.Device.Submit(request)
	if k.afterSubmit != nil {
		k.afterSubmit()
		k.afterSubmit = nil
	}
	return result, res, err
}

func TestUnrefDuringSubmissionKeepsRange(t *testing.T) {
	options := config.Defaults()
	options.ZombieWaitTimeout = time.Second
	kernel := &unrefKernel{Device: fakekernel.NewDevice(true, 0x1000000, false)}
	dev, err := device.New(slog.New(slog.NewTextHandler(io.Discard, nil)), kernel, options)
	require.NoError(t, err)
	queue := newQueue(t, dev)

	victim, _, err := dev.AllocBO(0x1000, 0, 0, "victim")
	require.NoError(t, err)
	gem, iova := victim.GEM(), victim.IOVA()

	var unrefs errgroup.Group
	kernel.afterSubmit = func() {
		unrefs.Go(victim.Unref)
		// long enough for the final Unref to block on the registry
		time.Sleep(20 * time.Millisecond)
	}

	_, err = queue.Submit(&device.Batch{})
	require.NoError(t, err)
	require.NoError(t, unrefs.Wait())

	space := dev.Allocator().AddressSpace()
	space.Drain(false)
	require.Equal(t, 1, space.PendingZombies())
	require.NotContains(t, kernel.Closed(), gem)

	other, _, err := dev.AllocBO(0x1000, 0, 0, "other")
	require.NoError(t, err)
	require.NotEqual(t, iova, other.IOVA())

	kernel.Complete(queue.ID(), 1)
	space.Drain(false)
	require.Equal(t, 0, space.PendingZombies())
	require.Contains(t, kernel.Closed(), gem)

	require.NoError(t, other.Unref())
	require.NoError(t, dev.Destroy())
}

func TestWaitIdle(t *testing.T) {
	dev, kernel := newDevice(t, false, 0)
	queue := newQueue(t, dev)

	res, err := queue.WaitIdle()
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	_, err = queue.Submit(&device.Batch{})
	require.NoError(t, err)

	var group errgroup.Group
	group.Go(func() error {
		_, err := queue.WaitIdle()
		return err
	})

	time.Sleep(10 * time.Millisecond)
	kernel.Complete(queue.ID(), 1)
	require.NoError(t, group.Wait())

	require.NoError(t, dev.Destroy())
}

func TestSubmitDeviceLost(t *testing.T) {
	dev, kernel := newDevice(t, true, 0)
	queue := newQueue(t, dev)

	kernel.SubmitResult = core1_0.VKErrorDeviceLost
	res, err := queue.Submit(&device.Batch{})
	require.ErrorIs(t, err, device.ErrDeviceLost)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.True(t, dev.Lost())

	res, err = queue.Submit(&device.Batch{})
	require.ErrorIs(t, err, device.ErrDeviceLost)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)

	_, res, err = dev.AllocBO(4096, 0, 0, "late")
	require.ErrorIs(t, err, device.ErrDeviceLost)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)

	res, err = dev.WaitOne(dev.NewSyncobj(true), 0, 0)
	require.ErrorIs(t, err, device.ErrDeviceLost)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)

	require.Empty(t, kernel.Submits())
	require.NoError(t, dev.Destroy())
}

func TestHungWaitReportsLost(t *testing.T) {
	dev, kernel := newDevice(t, false, 0)
	queue := newQueue(t, dev)

	signal := dev.NewSyncobj(false)
	_, err := queue.Submit(&device.Batch{Signals: []*fence.Syncobj{signal}})
	require.NoError(t, err)

	res, err := dev.WaitOne(signal, 10*time.Millisecond, 0)
	require.ErrorIs(t, err, fence.ErrTimeout)
	require.Equal(t, core1_0.VKTimeout, res)
	require.False(t, dev.Lost())

	kernel.Fault(errors.New("hang detected"))

	res, err = dev.WaitOne(signal, 10*time.Millisecond, 0)
	require.ErrorIs(t, err, device.ErrDeviceLost)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.True(t, dev.Lost())

	kernel.Complete(queue.ID(), 1)
	require.NoError(t, dev.Destroy())
}

func TestDestroyReportsLeaks(t *testing.T) {
	dev, _ := newDevice(t, true, 0)

	_, _, err := dev.AllocBO(4096, 0, 0, "leaked")
	require.NoError(t, err)
	require.Error(t, dev.Destroy())
}

func TestCaptureSubmissions(t *testing.T) {
	dev, _ := newDevice(t, true, config.DebugRD)
	queue := newQueue(t, dev)

	scratch, _, err := dev.AllocBO(4096, 0, bo.AllocMapped, "scratch")
	require.NoError(t, err)

	stream := recordStream(t, dev, "main", 0xdeadbeef, 0xcafef00d)
	entry := stream.Entries()[0]

	_, err = queue.Submit(&device.Batch{Streams: []*cs.Stream{stream}})
	require.NoError(t, err)

	stream.Finish()
	require.NoError(t, scratch.Unref())
	require.NoError(t, dev.Destroy())

	file, err := os.Open(dev.Options().DumpPath)
	require.NoError(t, err)
	defer file.Close()

	var sections []rd.Section
	reader := rd.NewReader(file)
	for {
		section, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sections = append(sections, section)
	}

	var types []rd.SectionType
	for _, section := range sections {
		types = append(types, section.Type)
	}
	// the scratch buffer is not dumpable, so only its address is recorded
	require.Equal(t, []rd.SectionType{
		rd.SectionCmd,
		rd.SectionGPUID,
		rd.SectionChipID,
		rd.SectionGPUAddr,
		rd.SectionGPUAddr,
		rd.SectionBufferContents,
		rd.SectionCmdstreamAddr,
	}, types)

	require.Equal(t, []uint32{660}, sections[1].Uint32s())

	iova, words, err := sections[6].Address()
	require.NoError(t, err)
	require.Equal(t, entry.IOVA(), iova)
	require.Equal(t, uint32(2), words)

	contents := sections[5].Uint32s()
	require.Equal(t, []uint32{0xdeadbeef, 0xcafef00d}, contents[:2])
}
