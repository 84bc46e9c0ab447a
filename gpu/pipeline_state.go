package gpu

import (
	"hash/fnv"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// MaxVertexAttributes bounds the attribute array in VertexLayout so that
// PipelineState stays a comparable value type.
const MaxVertexAttributes = 8

// ShaderStage identifies one compiled shader module by name. SPIRVHash
// changes when the module is recompiled, so two states referencing different
// builds of the same shader never compare equal.
type ShaderStage struct {
	Name      string
	SPIRVHash uint64
}

// VertexAttribute describes one vertex input attribute.
type VertexAttribute struct {
	Location int
	Format   core1_0.Format
	Offset   int
}

// VertexLayout describes the vertex input binding for a pipeline.
type VertexLayout struct {
	Stride         int
	AttributeCount int
	Attributes     [MaxVertexAttributes]VertexAttribute
}

// BlendMode selects the color blend attachment state for a pipeline.
type BlendMode int32

const (
	BlendNone BlendMode = iota
	BlendAlpha
	BlendAdditive
)

var blendModeNames = map[BlendMode]string{
	BlendNone:     "None",
	BlendAlpha:    "Alpha",
	BlendAdditive: "Additive",
}

func (m BlendMode) String() string {
	return blendModeNames[m]
}

// PipelineState is the structural key a graphics pipeline is built from. It
// is a pure value type: two states with equal configuration compare equal
// and deterministically hit the same pipeline cache entry.
type PipelineState struct {
	Vertex   ShaderStage
	Fragment ShaderStage

	Layout VertexLayout

	Blend      BlendMode
	DepthTest  bool
	DepthWrite bool
	CullBack   bool

	ColorFormat core1_0.Format
	DepthFormat core1_0.Format
}

// SortKey produces a deterministic ordering key so that draws can be grouped
// by pipeline with a stable sort. Equal states always produce equal keys.
func (s PipelineState) SortKey() uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.Vertex.Name))
	h.Write([]byte{0})
	h.Write([]byte(s.Fragment.Name))

	var packed [8]byte
	mix := uint64(s.Blend)<<32 | uint64(s.Layout.Stride)<<16 | uint64(s.ColorFormat)&0xffff
	if s.DepthTest {
		mix |= 1 << 40
	}
	if s.DepthWrite {
		mix |= 1 << 41
	}
	if s.CullBack {
		mix |= 1 << 42
	}
	for i := 0; i < 8; i++ {
		packed[i] = byte(mix >> (8 * i))
	}
	h.Write(packed[:])

	return h.Sum64()
}
