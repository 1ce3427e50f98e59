package framegraph

import (
	"context"
	"time"
)

// Opaque native objects. Their concrete types belong to the Device that
// created them; the graph only stores and hands them back.
type (
	Image     interface{}
	Buffer    interface{}
	ImageView interface{}
	Semaphore interface{}
	Fence     interface{}
)

// Device is the backend contract the graph drives. Implementations live in
// backend/native (gogpu/wgpu HAL) and backend/trace (CPU recording).
//
// A Device is used from one goroutine at a time.
type Device interface {
	CreateImage(info ImageAllocInfo) (Image, error)
	DestroyImage(img Image)
	CreateBuffer(info BufferAllocInfo) (Buffer, error)
	DestroyBuffer(buf Buffer)
	CreateImageView(img Image, info ImageViewInfo) (ImageView, error)
	DestroyImageView(view ImageView)

	// MapBuffer maps a host-visible buffer range for CPU access.
	MapBuffer(buf Buffer, offset, size uint64) ([]byte, error)
	UnmapBuffer(buf Buffer) error

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(sem Semaphore)

	// BeginCommands opens a command buffer on queue q.
	BeginCommands(q Queue, label string) (CommandBuffer, error)

	// Submit submits one batch to queue q. It returns a non-nil Fence
	// only when info.Fence is set.
	Submit(ctx context.Context, q Queue, info SubmitInfo) (Fence, error)

	// Wait blocks until the fence is signaled or ctx is done.
	Wait(ctx context.Context, f Fence) error
	DestroyFence(f Fence)
}

// ClearMethod selects how a synthetic clear pass writes an image.
type ClearMethod uint8

const (
	// ClearAttachment clears through a render pass load operation.
	ClearAttachment ClearMethod = iota
	// ClearStorage clears with a compute dispatch writing a storage image.
	ClearStorage
)

func (m ClearMethod) String() string {
	if m == ClearStorage {
		return "storage"
	}
	return "attachment"
}

// CommandBuffer records the commands of one pass.
type CommandBuffer interface {
	// Barrier records image and buffer barriers.
	Barrier(barriers []Barrier)

	// ClearImage clears r of img, which is in the state implied by method.
	ClearImage(img Image, desc ImageDesc, r Subrange, method ClearMethod, value ClearValue) error

	// ClearBuffer fills [offset, offset+size) of buf with word.
	ClearBuffer(buf Buffer, offset, size uint64, word uint32) error

	// End finishes recording. The buffer is then consumed by Submit.
	End() error

	// Discard releases a buffer that will not be submitted.
	Discard()
}

// Ownership marks barriers that transfer a non-concurrent resource between
// queues.
type Ownership uint8

const (
	OwnershipNone Ownership = iota
	// OwnershipRelease is recorded on the producing queue.
	OwnershipRelease
	// OwnershipAcquire is recorded on the consuming queue.
	OwnershipAcquire
)

func (o Ownership) String() string {
	switch o {
	case OwnershipRelease:
		return "release"
	case OwnershipAcquire:
		return "acquire"
	default:
		return "none"
	}
}

// Barrier is one execution/memory dependency on an image subrange or a
// buffer. Exactly one of Image and Buffer is set when a Device sees it.
type Barrier struct {
	Image  Image
	Buffer Buffer
	Range  Subrange

	From, To             State
	SrcStage, DstStage   Stage
	SrcAccess, DstAccess Access
	OldLayout, NewLayout Layout
	SrcQueue, DstQueue   Queue
	Ownership            Ownership
}

// SemaphoreWait gates a batch on a semaphore at the given stages.
type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     Stage
}

// SubmitInfo describes one batch.
type SubmitInfo struct {
	Label          string
	CommandBuffers []CommandBuffer
	Waits          []SemaphoreWait
	Signals        []Semaphore
	Fence          bool
}

// Profiler is implemented by devices that can write GPU timestamps.
type Profiler interface {
	NewTimer(capacity uint32) (Timer, error)
}

// Timer is a set of timestamp slots.
type Timer interface {
	// Timestamp records a write of the current GPU time into slot index.
	Timestamp(cb CommandBuffer, index uint32) error

	// Read returns the first count slots as offsets from an arbitrary
	// epoch. Called after every batch writing them has completed.
	Read(ctx context.Context, count uint32) ([]time.Duration, error)

	Destroy()
}
