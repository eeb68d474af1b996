package fakekernel

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/fence"
)

// Device wraps Kernel with queues and submission so it can back a device.Device. Every submission is
// recorded. With AutoComplete set, submissions complete as soon as they are accepted.
type Device struct {
	*Kernel

	info         device.Info
	autoComplete bool

	nextQueue fence.QueueID
	queues    map[fence.QueueID]uint32
	submits   []device.SubmitRequest
	statusErr error

	// SubmitResult replaces the result of the next submission when set
	SubmitResult common.VkResult
}

// NewDevice creates a fake backend. With userIOVA set, the device address range is
// [0x1000, 0x1000+vaSize).
func NewDevice(userIOVA bool, vaSize uint64, autoComplete bool) *Device {
	info := device.Info{
		Backend:       "fake",
		GPUID:         660,
		ChipID:        0x06060001,
		UserspaceIOVA: userIOVA,
	}
	if userIOVA {
		info.VAStart = 0x1000
		info.VASize = vaSize
	}

	return &Device{
		Kernel:       New(userIOVA),
		info:         info,
		autoComplete: autoComplete,
		nextQueue:    1,
		queues:       make(map[fence.QueueID]uint32),
	}
}

func (d *Device) Info() device.Info { return d.info }

func (d *Device) CreateQueue(priority int) (fence.QueueID, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if priority < 0 || priority > 3 {
		return 0, core1_0.VKErrorInitializationFailed, errors.Newf("unsupported queue priority %d", priority)
	}

	id := d.nextQueue
	d.nextQueue++
	d.queues[id] = 0
	return id, core1_0.VKSuccess, nil
}

func (d *Device) DestroyQueue(queue fence.QueueID) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.queues[queue]; !ok {
		return errors.Newf("unknown queue %d", queue)
	}
	delete(d.queues, queue)
	return nil
}

func (d *Device) Submit(request *device.SubmitRequest) (device.SubmitResult, common.VkResult, error) {
	d.mutex.Lock()

	if d.SubmitResult != core1_0.VKSuccess {
		res := d.SubmitResult
		d.SubmitResult = core1_0.VKSuccess
		if res == core1_0.VKErrorDeviceLost {
			d.statusErr = errors.New("gpu fault")
		}
		d.mutex.Unlock()
		return device.SubmitResult{OutFD: -1}, res, errors.Newf("submission rejected with %v", res)
	}

	value, ok := d.queues[request.Queue]
	if !ok {
		d.mutex.Unlock()
		return device.SubmitResult{OutFD: -1}, core1_0.VKErrorUnknown, errors.Newf("unknown queue %d", request.Queue)
	}

	for _, cmd := range request.Cmds {
		if int(cmd.BOIndex) >= len(request.BOs) {
			d.mutex.Unlock()
			return device.SubmitResult{OutFD: -1}, core1_0.VKErrorUnknown, errors.Newf("command index %d out of range", cmd.BOIndex)
		}
	}

	value++
	d.queues[request.Queue] = value

	recorded := *request
	recorded.Cmds = append([]device.SubmitCmd(nil), request.Cmds...)
	recorded.BOs = append([]device.SubmitBO(nil), request.BOs...)
	recorded.Waits = append([]fence.Primitive(nil), request.Waits...)
	d.submits = append(d.submits, recorded)
	d.mutex.Unlock()

	result := device.SubmitResult{Fence: value, OutFD: -1}
	if request.WantOutFD {
		fd, res, err := d.TimestampToFD(request.Queue, value)
		if err != nil {
			return device.SubmitResult{OutFD: -1}, res, err
		}
		result.OutFD = fd
	}

	if d.autoComplete {
		d.Complete(request.Queue, value)
	}

	return result, core1_0.VKSuccess, nil
}

func (d *Device) DeviceStatus() (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.statusErr != nil {
		return core1_0.VKErrorDeviceLost, d.statusErr
	}
	return core1_0.VKSuccess, nil
}

// Fault makes DeviceStatus report a lost device
func (d *Device) Fault(reason error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.statusErr = reason
}

// Submits returns a copy of every accepted submission, in order
func (d *Device) Submits() []device.SubmitRequest {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]device.SubmitRequest(nil), d.submits...)
}

// Queues returns the number of live queues
func (d *Device) Queues() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.queues)
}
