package native

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

// texelFormat is the WGSL storage format and channel type of a texture format.
type texelFormat struct {
	wgsl    string
	channel string // f32, u32 or i32
}

var storageFormats = map[gputypes.TextureFormat]texelFormat{
	gputypes.TextureFormatRGBA8Unorm:  {"rgba8unorm", "f32"},
	gputypes.TextureFormatRGBA8Snorm:  {"rgba8snorm", "f32"},
	gputypes.TextureFormatRGBA16Float: {"rgba16float", "f32"},
	gputypes.TextureFormatRGBA32Float: {"rgba32float", "f32"},
	gputypes.TextureFormatR32Float:    {"r32float", "f32"},
	gputypes.TextureFormatRG32Float:   {"rg32float", "f32"},
	gputypes.TextureFormatR32Uint:     {"r32uint", "u32"},
	gputypes.TextureFormatRGBA32Uint:  {"rgba32uint", "u32"},
	gputypes.TextureFormatR32Sint:     {"r32sint", "i32"},
	gputypes.TextureFormatRGBA32Sint:  {"rgba32sint", "i32"},
}

const clearShader2D = `@group(0) @binding(0) var dst: texture_storage_2d<%[1]s, write>;
@group(0) @binding(1) var<uniform> value: vec4<%[2]s>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let size = textureDimensions(dst);
    if (id.x >= size.x || id.y >= size.y) {
        return;
    }
    textureStore(dst, vec2<i32>(id.xy), value);
}
`

const clearShader3D = `@group(0) @binding(0) var dst: texture_storage_3d<%[1]s, write>;
@group(0) @binding(1) var<uniform> value: vec4<%[2]s>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let size = textureDimensions(dst);
    if (id.x >= size.x || id.y >= size.y || id.z >= size.z) {
        return;
    }
    textureStore(dst, vec3<i32>(id), value);
}
`

// clearKey identifies a storage clear pipeline.
type clearKey struct {
	format gputypes.TextureFormat
	dim    gputypes.TextureViewDimension
}

// clearPipeline is a compiled storage clear shader and its layouts.
type clearPipeline struct {
	module   hal.ShaderModule
	bgl      hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

func (p *clearPipeline) destroy(device hal.Device) {
	if p.pipeline != nil {
		device.DestroyComputePipeline(p.pipeline)
	}
	if p.layout != nil {
		device.DestroyPipelineLayout(p.layout)
	}
	if p.bgl != nil {
		device.DestroyBindGroupLayout(p.bgl)
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
	}
}

// clearPipelines caches storage clear pipelines per format and dimension.
//
// Thread Safety:
// clearPipelines is safe for concurrent use. It uses RWMutex with
// double-check locking for efficient reads and safe writes.
type clearPipelines struct {
	mu    sync.RWMutex
	cache map[clearKey]*clearPipeline

	hits   uint64
	misses uint64
}

func newClearPipelines() *clearPipelines {
	return &clearPipelines{cache: make(map[clearKey]*clearPipeline)}
}

// get returns a cached pipeline or compiles a new one.
func (c *clearPipelines) get(device hal.Device, key clearKey) (*clearPipeline, error) {
	// Fast path: read lock
	c.mu.RLock()
	if p, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)
		return p, nil
	}
	c.mu.RUnlock()

	// Slow path: write lock with double-check
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[key]; ok {
		atomic.AddUint64(&c.hits, 1)
		return p, nil
	}

	p, err := createClearPipeline(device, key)
	if err != nil {
		return nil, err
	}
	c.cache[key] = p
	atomic.AddUint64(&c.misses, 1)
	slogger().Debug("native: clear pipeline created", "format", key.format, "dimension", key.dim)
	return p, nil
}

// stats returns cache hits and misses.
func (c *clearPipelines) stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

func (c *clearPipelines) destroyAll(device hal.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.cache {
		p.destroy(device)
	}
	c.cache = make(map[clearKey]*clearPipeline)
}

// clearShaderSource returns the WGSL of the storage clear for key.
func clearShaderSource(key clearKey) (string, error) {
	tf, ok := storageFormats[key.format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, key.format)
	}
	src := clearShader2D
	if key.dim == gputypes.TextureViewDimension3D {
		src = clearShader3D
	}
	return fmt.Sprintf(src, tf.wgsl, tf.channel), nil
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("native: compile clear shader: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

func createClearPipeline(device hal.Device, key clearKey) (*clearPipeline, error) {
	src, err := clearShaderSource(key)
	if err != nil {
		return nil, err
	}
	spirv, err := compileSPIRV(src)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("clear_storage_%s", storageFormats[key.format].wgsl)

	p := &clearPipeline{}
	p.module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("native: create shader module %s: %w", name, err)
	}

	p.bgl, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: name + "_bgl",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				StorageTexture: &gputypes.StorageTextureBindingLayout{
					Access:        gputypes.StorageTextureAccessWriteOnly,
					Format:        key.format,
					ViewDimension: key.dim,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("native: create bind group layout %s: %w", name, err)
	}

	p.layout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgl},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("native: create pipeline layout %s: %w", name, err)
	}

	p.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("native: create compute pipeline %s: %w", name, err)
	}
	return p, nil
}

// clearValueBytes encodes value as the uniform of a clear shader for channel.
func clearValueBytes(channel string, c gputypes.Color) []byte {
	out := make([]byte, 16)
	for i, v := range [4]float64{c.R, c.G, c.B, c.A} {
		var w uint32
		switch channel {
		case "u32":
			w = uint32(max(v, 0))
		case "i32":
			w = uint32(int32(v))
		default:
			w = math.Float32bits(float32(v))
		}
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// clearStorage dispatches the clear shader over one level (3D) or one
// level and layer of im.
func (c *commandBuffer) clearStorage(im *image, desc framegraph.ImageDesc, sub framegraph.Subrange, value framegraph.ClearValue) error {
	d := c.dev
	dim := gputypes.TextureViewDimension2D
	depth := uint32(1)
	if desc.Dimension == gputypes.TextureDimension3D {
		dim = gputypes.TextureViewDimension3D
		depth = max(desc.Depth>>sub.BaseLevel, 1)
	}
	key := clearKey{format: desc.Format, dim: dim}
	p, err := d.clears.get(d.device, key)
	if err != nil {
		return err
	}

	label := fmt.Sprintf("%s_clear_%d_%d", desc.Label, sub.BaseLevel, sub.BaseLayer)
	view, err := d.createView(im.tex, label, desc.Format, dim, sub)
	if err != nil {
		return err
	}
	c.release = append(c.release, func() { d.device.DestroyTextureView(view) })

	uniform, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label + "_value",
		Size:  16,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("native: create clear value buffer: %w", err)
	}
	c.release = append(c.release, func() { d.device.DestroyBuffer(uniform) })
	if err := c.q.q.WriteBuffer(uniform, 0, clearValueBytes(storageFormats[desc.Format].channel, value.Color)); err != nil {
		return fmt.Errorf("native: write clear value: %w", err)
	}

	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label + "_bg",
		Layout: p.bgl,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Offset: 0, Size: 16}},
		},
	})
	if err != nil {
		return fmt.Errorf("native: create clear bind group: %w", err)
	}
	c.release = append(c.release, func() { d.device.DestroyBindGroup(bg) })

	w := max(desc.Width>>sub.BaseLevel, 1)
	h := max(desc.Height>>sub.BaseLevel, 1)
	pass := c.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch((w+7)/8, (h+7)/8, depth)
	pass.End()
	return nil
}
