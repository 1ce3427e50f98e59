package framegraph

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// Queue selects one of the hardware command queues a pass runs on.
type Queue uint8

const (
	QueueGraphics Queue = iota
	QueueCompute
	QueueTransfer

	numQueues = 3
)

func (q Queue) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("Queue(%d)", uint8(q))
	}
}

// ParseQueue returns the queue named by s ("graphics", "compute", "transfer").
func ParseQueue(s string) (Queue, error) {
	for q := Queue(0); q < numQueues; q++ {
		if strings.EqualFold(s, q.String()) {
			return q, nil
		}
	}
	return 0, fmt.Errorf("framegraph: unknown queue %q", s)
}

// queueMask is a set of queues.
type queueMask uint8

const (
	onGraphics queueMask = 1 << QueueGraphics
	onCompute  queueMask = 1 << QueueCompute
	onTransfer queueMask = 1 << QueueTransfer

	onShader = onGraphics | onCompute
	onAny    = onGraphics | onCompute | onTransfer
)

func (m queueMask) has(q Queue) bool { return m&(1<<q) != 0 }

// Layout is the memory layout an image subresource must be in for a state.
// Buffers have no layout.
type Layout uint8

const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutDepthReadOnly
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

var layoutNames = [...]string{
	"undefined", "general", "color_attachment", "depth_attachment",
	"depth_read_only", "shader_read_only", "transfer_src", "transfer_dst", "present",
}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// Access is a set of memory access kinds.
type Access uint32

const (
	AccessColorAttachmentRead Access = 1 << iota
	AccessColorAttachmentWrite
	AccessDepthStencilRead
	AccessDepthStencilWrite
	AccessShaderRead
	AccessShaderWrite
	AccessUniformRead
	AccessVertexRead
	AccessIndexRead
	AccessIndirectRead
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite

	AccessNone Access = 0
)

// Stage is a set of pipeline stages.
type Stage uint32

const (
	StageTopOfPipe Stage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageHost
	StageBottomOfPipe

	StageNone Stage = 0
)

var stageNames = [...]string{
	"top", "draw_indirect", "vertex_input", "vertex", "fragment", "early_tests",
	"late_tests", "color_output", "compute", "transfer", "host", "bottom",
}

func (s Stage) String() string {
	if s == StageNone {
		return "none"
	}
	var parts []string
	for i, name := range stageNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// State is a named way in which a pass uses a subresource. Each state maps
// to a fixed layout, access mask, stage mask, and allocation capability
// through [State.Info].
type State uint8

const (
	StateUndefined State = iota
	StateColorAttachmentWrite
	StateColorAttachmentReadWrite
	StateDepthAttachmentWrite
	StateDepthAttachmentRead
	StateSampledGraphics
	StateSampledCompute
	StateStorageReadGraphics
	StateStorageWriteGraphics
	StateStorageReadCompute
	StateStorageWriteCompute
	StateStorageReadWriteCompute
	StateUniformGraphics
	StateUniformCompute
	StateVertexBuffer
	StateIndexBuffer
	StateIndirectBuffer
	StateTransferSrc
	StateTransferDst
	StateHostRead
	StateHostWrite
	StatePresent

	// States used by the synthetic clear passes.
	stateClearColor
	stateClearDepth
	stateClearStorage

	numStates
)

// resourceKind restricts a state to images, buffers, or both.
type resourceKind uint8

const (
	kindImage resourceKind = 1 << iota
	kindBuffer

	kindAny = kindImage | kindBuffer
)

// StateInfo is the static description of a State.
type StateInfo struct {
	Name   string
	Layout Layout
	Access Access
	Stage  Stage
	Write  bool

	// TextureUsage and BufferUsage are the capabilities an allocation must
	// carry to be used in this state.
	TextureUsage gputypes.TextureUsage
	BufferUsage  gputypes.BufferUsage

	kinds  resourceKind
	queues queueMask
	depth  int8 // 1 requires a depth/stencil format, -1 forbids one
}

const (
	graphicsShaders = StageVertexShader | StageFragmentShader
	depthTests      = StageEarlyFragmentTests | StageLateFragmentTests
)

var stateTable = [numStates]StateInfo{
	StateUndefined: {Name: "undefined", Stage: StageTopOfPipe, kinds: kindAny, queues: onAny},

	StateColorAttachmentWrite: {
		Name: "color_attachment_write", Layout: LayoutColorAttachment,
		Access: AccessColorAttachmentWrite, Stage: StageColorAttachmentOutput, Write: true,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: -1,
	},
	StateColorAttachmentReadWrite: {
		Name: "color_attachment_read_write", Layout: LayoutColorAttachment,
		Access: AccessColorAttachmentRead | AccessColorAttachmentWrite, Stage: StageColorAttachmentOutput, Write: true,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: -1,
	},
	StateDepthAttachmentWrite: {
		Name: "depth_attachment_write", Layout: LayoutDepthAttachment,
		Access: AccessDepthStencilRead | AccessDepthStencilWrite, Stage: depthTests, Write: true,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: 1,
	},
	StateDepthAttachmentRead: {
		Name: "depth_attachment_read", Layout: LayoutDepthReadOnly,
		Access: AccessDepthStencilRead, Stage: depthTests,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: 1,
	},
	StateSampledGraphics: {
		Name: "sampled_graphics", Layout: LayoutShaderReadOnly,
		Access: AccessShaderRead, Stage: graphicsShaders,
		TextureUsage: gputypes.TextureUsageTextureBinding,
		kinds:        kindImage, queues: onGraphics,
	},
	StateSampledCompute: {
		Name: "sampled_compute", Layout: LayoutShaderReadOnly,
		Access: AccessShaderRead, Stage: StageComputeShader,
		TextureUsage: gputypes.TextureUsageTextureBinding,
		kinds:        kindImage, queues: onShader,
	},
	StateStorageReadGraphics: {
		Name: "storage_read_graphics", Layout: LayoutGeneral,
		Access: AccessShaderRead, Stage: graphicsShaders,
		TextureUsage: gputypes.TextureUsageStorageBinding, BufferUsage: gputypes.BufferUsageStorage,
		kinds: kindAny, queues: onGraphics, depth: -1,
	},
	StateStorageWriteGraphics: {
		Name: "storage_write_graphics", Layout: LayoutGeneral,
		Access: AccessShaderWrite, Stage: StageFragmentShader, Write: true,
		TextureUsage: gputypes.TextureUsageStorageBinding, BufferUsage: gputypes.BufferUsageStorage,
		kinds: kindAny, queues: onGraphics, depth: -1,
	},
	StateStorageReadCompute: {
		Name: "storage_read_compute", Layout: LayoutGeneral,
		Access: AccessShaderRead, Stage: StageComputeShader,
		TextureUsage: gputypes.TextureUsageStorageBinding, BufferUsage: gputypes.BufferUsageStorage,
		kinds: kindAny, queues: onShader, depth: -1,
	},
	StateStorageWriteCompute: {
		Name: "storage_write_compute", Layout: LayoutGeneral,
		Access: AccessShaderWrite, Stage: StageComputeShader, Write: true,
		TextureUsage: gputypes.TextureUsageStorageBinding, BufferUsage: gputypes.BufferUsageStorage,
		kinds: kindAny, queues: onShader, depth: -1,
	},
	StateStorageReadWriteCompute: {
		Name: "storage_read_write_compute", Layout: LayoutGeneral,
		Access: AccessShaderRead | AccessShaderWrite, Stage: StageComputeShader, Write: true,
		TextureUsage: gputypes.TextureUsageStorageBinding, BufferUsage: gputypes.BufferUsageStorage,
		kinds: kindAny, queues: onShader, depth: -1,
	},
	StateUniformGraphics: {
		Name: "uniform_graphics", Access: AccessUniformRead, Stage: graphicsShaders,
		BufferUsage: gputypes.BufferUsageUniform, kinds: kindBuffer, queues: onGraphics,
	},
	StateUniformCompute: {
		Name: "uniform_compute", Access: AccessUniformRead, Stage: StageComputeShader,
		BufferUsage: gputypes.BufferUsageUniform, kinds: kindBuffer, queues: onShader,
	},
	StateVertexBuffer: {
		Name: "vertex_buffer", Access: AccessVertexRead, Stage: StageVertexInput,
		BufferUsage: gputypes.BufferUsageVertex, kinds: kindBuffer, queues: onGraphics,
	},
	StateIndexBuffer: {
		Name: "index_buffer", Access: AccessIndexRead, Stage: StageVertexInput,
		BufferUsage: gputypes.BufferUsageIndex, kinds: kindBuffer, queues: onGraphics,
	},
	StateIndirectBuffer: {
		Name: "indirect_buffer", Access: AccessIndirectRead, Stage: StageDrawIndirect,
		BufferUsage: gputypes.BufferUsageIndirect, kinds: kindBuffer, queues: onShader,
	},
	StateTransferSrc: {
		Name: "transfer_src", Layout: LayoutTransferSrc, Access: AccessTransferRead, Stage: StageTransfer,
		TextureUsage: gputypes.TextureUsageCopySrc, BufferUsage: gputypes.BufferUsageCopySrc,
		kinds: kindAny, queues: onAny,
	},
	StateTransferDst: {
		Name: "transfer_dst", Layout: LayoutTransferDst, Access: AccessTransferWrite, Stage: StageTransfer, Write: true,
		TextureUsage: gputypes.TextureUsageCopyDst, BufferUsage: gputypes.BufferUsageCopyDst,
		kinds: kindAny, queues: onAny,
	},
	StateHostRead: {
		Name: "host_read", Access: AccessHostRead, Stage: StageHost,
		BufferUsage: gputypes.BufferUsageMapRead, kinds: kindBuffer, queues: onAny,
	},
	StateHostWrite: {
		Name: "host_write", Access: AccessHostWrite, Stage: StageHost, Write: true,
		BufferUsage: gputypes.BufferUsageMapWrite, kinds: kindBuffer, queues: onAny,
	},
	StatePresent: {
		Name: "present", Layout: LayoutPresent, Stage: StageBottomOfPipe,
		kinds: kindImage, queues: onGraphics, depth: -1,
	},

	stateClearColor: {
		Name: "clear_color", Layout: LayoutColorAttachment,
		Access: AccessColorAttachmentWrite, Stage: StageColorAttachmentOutput, Write: true,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: -1,
	},
	stateClearDepth: {
		Name: "clear_depth", Layout: LayoutDepthAttachment,
		Access: AccessDepthStencilWrite, Stage: depthTests, Write: true,
		TextureUsage: gputypes.TextureUsageRenderAttachment,
		kinds:        kindImage, queues: onGraphics, depth: 1,
	},
	stateClearStorage: {
		Name: "clear_storage", Layout: LayoutGeneral,
		Access: AccessShaderWrite, Stage: StageComputeShader, Write: true,
		TextureUsage: gputypes.TextureUsageStorageBinding,
		kinds:        kindImage, queues: onShader, depth: -1,
	},
}

// Info returns the static description of s.
func (s State) Info() StateInfo {
	if s >= numStates {
		return StateInfo{Name: fmt.Sprintf("State(%d)", uint8(s))}
	}
	return stateTable[s]
}

func (s State) String() string { return s.Info().Name }

// IsWrite reports whether a pass in state s may modify the subresource.
func (s State) IsWrite() bool { return s.Info().Write }

// public reports whether callers may declare s.
func (s State) public() bool { return s > StateUndefined && s <= StatePresent }

// ParseState returns the public state whose name is s, e.g.
// "storage_write_compute".
func ParseState(s string) (State, error) {
	for st := StateUndefined + 1; st <= StatePresent; st++ {
		if strings.EqualFold(s, stateTable[st].Name) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("framegraph: unknown state %q", s)
}

// checkImageState reports whether s can be used with an image of format f.
func checkImageState(s State, f gputypes.TextureFormat) error {
	info := s.Info()
	if info.kinds&kindImage == 0 {
		return fmt.Errorf("%w: %s on image", ErrInvalidState, info.Name)
	}
	switch {
	case info.depth > 0 && !f.IsDepthStencil():
		return fmt.Errorf("%w: %s needs a depth format, got %s", ErrInvalidState, info.Name, f)
	case info.depth < 0 && f.IsDepthStencil():
		return fmt.Errorf("%w: %s on depth format %s", ErrInvalidState, info.Name, f)
	}
	return nil
}

func checkBufferState(s State) error {
	if s.Info().kinds&kindBuffer == 0 {
		return fmt.Errorf("%w: %s on buffer", ErrInvalidState, s)
	}
	return nil
}
