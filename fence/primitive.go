package fence

import (
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// QueueID identifies the kernel queue (or context) a timeline counter belongs to
type QueueID uint32

// Kind identifies the variant of a Primitive
type Kind uint32

const (
	KindUnsignaled Kind = iota
	KindSignaled
	KindTimeline
	KindFileHandle
)

var kindMapping = map[Kind]string{
	KindUnsignaled: "Unsignaled",
	KindSignaled:   "Signaled",
	KindTimeline:   "Timeline",
	KindFileHandle: "FileHandle",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// Infinite is the timeout that never expires
const Infinite time.Duration = math.MaxInt64

// ErrTimeout is returned alongside core1_0.VKTimeout when a wait gives up
var ErrTimeout = pkgerrors.New("timed out waiting for fence")

// errStateChanged means a sync object was reset or resubmitted while a wait was being set up
var errStateChanged = pkgerrors.New("sync object changed state")

// Primitive is a point in a device's completion order. It is one of Unsignaled, Signaled, Timeline
// or FileHandle and no other implementations exist.
type Primitive interface {
	Kind() Kind
	String() string

	isPrimitive()
}

// Unsignaled is a primitive no work has been submitted against yet
type Unsignaled struct{}

// Signaled is a primitive that is known to be complete
type Signaled struct{}

// Timeline is complete once the queue's counter reaches Value
type Timeline struct {
	Queue QueueID
	Value uint32
}

// FileHandle is complete once the descriptor polls readable
type FileHandle struct {
	FD int
}

func (Unsignaled) Kind() Kind { return KindUnsignaled }
func (Signaled) Kind() Kind   { return KindSignaled }
func (Timeline) Kind() Kind   { return KindTimeline }
func (FileHandle) Kind() Kind { return KindFileHandle }

func (Unsignaled) String() string   { return "unsignaled" }
func (Signaled) String() string     { return "signaled" }
func (t Timeline) String() string   { return fmt.Sprintf("ts:%d:%d", t.Queue, t.Value) }
func (f FileHandle) String() string { return fmt.Sprintf("fd:%d", f.FD) }

func (Unsignaled) isPrimitive() {}
func (Signaled) isPrimitive()   {}
func (Timeline) isPrimitive()   {}
func (FileHandle) isPrimitive() {}

// TimestampAfter reports whether a is later than b on a 32-bit counter that may wrap
func TimestampAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// TimestampReached reports whether a counter at current has reached target
func TimestampReached(current, target uint32) bool {
	return int32(current-target) >= 0
}

// Backend is the kernel-specific half of fence handling
type Backend interface {
	// WaitTimestamp blocks until the queue's counter reaches value or the timeout passes. A timeout
	// of zero polls. It returns core1_0.VKTimeout if the counter was not reached.
	WaitTimestamp(queue QueueID, value uint32, timeout time.Duration) (common.VkResult, error)
	// TimestampToFD returns a new pollable descriptor that becomes readable when the queue's counter
	// reaches value. The caller owns the descriptor.
	TimestampToFD(queue QueueID, value uint32) (int, common.VkResult, error)
	// MergeFD returns a new descriptor that becomes readable once both a and b are readable. a and
	// b remain owned by the caller.
	MergeFD(a, b int) (int, common.VkResult, error)
}
