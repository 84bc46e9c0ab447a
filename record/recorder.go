// Package record turns an unordered list of draws into a command stream.
// Draws are grouped by pipeline with a stable sort, bindless handles are
// resolved at record time, and every pipeline object used by the frame is
// retained on the frame context until its fence confirms completion.
package record

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/bindless"
	"github.com/vkngwrapper/foundry/frames"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/pipeline"
)

// PushConstantSize is the byte size of the per-draw push constant block: a
// 4x4 model matrix, a material slot index, and padding to a 16-byte multiple.
const PushConstantSize = 80

// FallbackMaterialIndex is the bindless slot substituted when a draw's
// material handle resolves stale. Slot 0 is reserved for the engine's
// default material at startup.
const FallbackMaterialIndex = 0

// Draw is one indexed draw call, fully described by value. Resource
// references are bindless handles, not pointers - a Draw can outlive the
// resources it names and still record safely.
type Draw struct {
	State gpu.PipelineState

	VertexBuffer Handle
	IndexBuffer  Handle
	Material     Handle

	Transform mgl32.Mat4

	IndexCount   int
	FirstIndex   int
	VertexOffset int
}

// Handle aliases the bindless handle type so callers building draw lists
// only import this package.
type Handle = bindless.Handle

// Statistics counts what one Record call emitted.
type Statistics struct {
	// DrawsRecorded is the number of draw calls that reached the command buffer
	DrawsRecorded int
	// DrawsSkipped is the number of draws dropped for stale geometry handles
	DrawsSkipped int
	// PipelineBinds is the number of pipeline bind commands emitted
	PipelineBinds int
	// StaleMaterials is the number of draws recorded with the fallback material
	StaleMaterials int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddStatistics accumulates other into this Statistics object.
func (s *Statistics) AddStatistics(other *Statistics) {
	s.DrawsRecorded += other.DrawsRecorded
	s.DrawsSkipped += other.DrawsSkipped
	s.PipelineBinds += other.PipelineBinds
	s.StaleMaterials += other.StaleMaterials
}

// CreateOptions configures a new Recorder.
type CreateOptions struct {
	// Logger will be used to log recording activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Recorder records sorted draw lists into frame command buffers.
type Recorder struct {
	logger *slog.Logger
	heap   *bindless.Heap
	cache  *pipeline.Cache
	table  gpu.DescriptorTable
}

// CreateRecorder builds a Recorder over the provided heap, cache, and
// descriptor table. The table may be nil when the device has no bindless
// descriptor surface (the dummy test device, for one).
func CreateRecorder(heap *bindless.Heap, cache *pipeline.Cache, table gpu.DescriptorTable, options CreateOptions) *Recorder {
	if heap == nil {
		panic("attempted to create a recorder with a nil bindless heap")
	}
	if cache == nil {
		panic("attempted to create a recorder with a nil pipeline cache")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Recorder{
		logger: options.Logger,
		heap:   heap,
		cache:  cache,
		table:  table,
	}
}

// Record sorts draws by pipeline sort key and emits them into the context's
// command buffer. The sort is stable: draws sharing a pipeline keep their
// submission order, so equal inputs always produce the same command stream.
//
// A draw whose vertex or index handle is stale is skipped with a warning. A
// stale material handle downgrades to FallbackMaterialIndex rather than
// dropping the draw.
func (r *Recorder) Record(ctx *frames.FrameContext, draws []Draw, stats *Statistics) (common.VkResult, error) {
	if stats != nil {
		stats.Clear()
	}
	if len(draws) == 0 {
		return core1_0.VKSuccess, nil
	}

	sorted := make([]Draw, len(draws))
	copy(sorted, draws)
	slices.SortStableFunc(sorted, func(a, b Draw) bool {
		return a.State.SortKey() < b.State.SortKey()
	})

	cmd := ctx.CommandBuffer
	if r.table != nil {
		cmd.BindDescriptorTable(r.table)
	}

	var boundObject *pipeline.Object
	var pushData [PushConstantSize]byte

	for i := range sorted {
		draw := &sorted[i]

		vertexView, err := r.heap.Resolve(draw.VertexBuffer)
		if err != nil {
			r.skipDraw(stats, "vertex buffer", err)
			continue
		}
		indexView, err := r.heap.Resolve(draw.IndexBuffer)
		if err != nil {
			r.skipDraw(stats, "index buffer", err)
			continue
		}

		materialIndex := uint32(FallbackMaterialIndex)
		_, err = r.heap.Resolve(draw.Material)
		if err == nil {
			materialIndex = draw.Material.Index
		} else {
			r.logger.Warn("stale material handle, using fallback",
				slog.Int("Index", int(draw.Material.Index)),
				slog.Int("Generation", int(draw.Material.Generation)),
			)
			if stats != nil {
				stats.StaleMaterials++
			}
		}

		if boundObject == nil || boundObject.State() != draw.State {
			object, res, err := r.cache.GetOrBuild(draw.State)
			if err != nil {
				return res, err
			}
			ctx.RetainPipeline(object)
			cmd.BindPipeline(object.Pipeline())
			boundObject = object
			if stats != nil {
				stats.PipelineBinds++
			}
		}

		encodePushConstants(&pushData, draw.Transform, materialIndex)
		cmd.PushConstants(0, pushData[:])

		cmd.BindVertexBuffer(vertexView.Buffer.Buffer(), vertexView.Buffer.Offset())
		cmd.BindIndexBuffer(indexView.Buffer.Buffer(), indexView.Buffer.Offset())
		cmd.DrawIndexed(draw.IndexCount, 1, draw.FirstIndex, draw.VertexOffset)

		if stats != nil {
			stats.DrawsRecorded++
		}
	}

	return core1_0.VKSuccess, nil
}

func (r *Recorder) skipDraw(stats *Statistics, what string, err error) {
	r.logger.Warn("skipping draw with stale handle",
		slog.String("Resource", what),
		slog.Any("error", err),
	)
	if stats != nil {
		stats.DrawsSkipped++
	}
}

// encodePushConstants lays the push constant block out as the shaders expect:
// the model matrix column-major, then the material index, then 12 bytes of
// padding.
func encodePushConstants(out *[PushConstantSize]byte, model mgl32.Mat4, materialIndex uint32) {
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(model[i]))
	}
	binary.LittleEndian.PutUint32(out[64:], materialIndex)
	for i := 68; i < PushConstantSize; i += 4 {
		binary.LittleEndian.PutUint32(out[i:], 0)
	}
}
