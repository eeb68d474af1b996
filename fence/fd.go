package fence

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/sys/unix"
)

func pollTimeout(timeout time.Duration) int {
	if timeout == Infinite {
		return -1
	}
	if timeout <= 0 {
		return 0
	}
	// round up so short waits do not degrade to polling
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// pollFDs waits for any of the descriptors to become readable and returns the indices that are
func pollFDs(fds []int, timeout time.Duration) ([]int, common.VkResult, error) {
	pollFds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	deadline := time.Now().Add(timeout)
	for {
		n, err := unix.Poll(pollFds, pollTimeout(timeout))
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if timeout != Infinite {
				timeout = time.Until(deadline)
				if timeout < 0 {
					timeout = 0
				}
			}
			continue
		}
		if err != nil {
			return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "failed to poll fence descriptors")
		}
		if n == 0 {
			return nil, core1_0.VKTimeout, ErrTimeout
		}
		break
	}

	var ready []int
	for i, pollFd := range pollFds {
		if pollFd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return nil, core1_0.VKErrorUnknown, errors.Newf("fence descriptor %d is invalid", pollFd.Fd)
		}
		if pollFd.Revents&unix.POLLIN != 0 {
			ready = append(ready, i)
		}
	}

	if len(ready) == 0 {
		return nil, core1_0.VKTimeout, ErrTimeout
	}
	return ready, core1_0.VKSuccess, nil
}

func waitFD(fd int, timeout time.Duration) (common.VkResult, error) {
	_, res, err := pollFDs([]int{fd}, timeout)
	return res, err
}

func dupFD(fd int) (int, common.VkResult, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, errors.Wrapf(err, "failed to duplicate fence descriptor %d", fd)
	}
	return dup, core1_0.VKSuccess, nil
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
