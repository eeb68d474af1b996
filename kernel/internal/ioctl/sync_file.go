package ioctl

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type syncMergeData struct {
	name  [32]byte
	fd2   int32
	fence int32
	flags uint32
	pad   uint32
}

var syncIocMerge = IOWR('>', 3, unsafe.Sizeof(syncMergeData{}))

// MergeSyncFiles returns a new sync file that signals once both a and b have. a and b stay open.
func MergeSyncFiles(a, b int) (int, common.VkResult, error) {
	data := syncMergeData{fd2: int32(b)}
	copy(data.name[:], "quiver merge")

	err := Do(a, syncIocMerge, unsafe.Pointer(&data))
	if err != nil {
		return -1, Result(err, core1_0.VKErrorOutOfHostMemory), errors.Wrapf(err, "failed to merge sync files %d and %d", a, b)
	}
	return int(data.fence), core1_0.VKSuccess, nil
}
