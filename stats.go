package foundry

import (
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/record"
)

// Counters accumulates per-frame recording statistics over the engine's
// lifetime.
type Counters struct {
	FramesSubmitted uint64
	DrawsRecorded   int
	DrawsSkipped    int
	PipelineBinds   int
	StaleMaterials  int
}

func (c *Counters) addRecordStats(stats *record.Statistics) {
	c.DrawsRecorded += stats.DrawsRecorded
	c.DrawsSkipped += stats.DrawsSkipped
	c.PipelineBinds += stats.PipelineBinds
	c.StaleMaterials += stats.StaleMaterials
}

// Statistics is a point-in-time snapshot of the engine's resource and frame
// state, the data surface behind the debug overlay.
type Statistics struct {
	Counters Counters

	Memory allocator.Statistics

	HeapOccupancy   int
	HeapCapacity    int
	HeapRetirements int

	PipelinesCached int
	PipelineBuilds  int

	FrameCounter  uint64
	LastFrameTime time.Duration
	ResizeCount   int
}

// CalculateStatistics fills stats with the engine's current state.
func (e *Engine) CalculateStatistics(stats *Statistics) {
	stats.Counters = e.counters
	e.alloc.CalculateStatistics(&stats.Memory)

	stats.HeapOccupancy = e.heap.Occupancy()
	stats.HeapCapacity = e.heap.Capacity()
	stats.HeapRetirements = e.heap.RetirementQueueLength()

	stats.PipelinesCached = e.cache.Len()
	stats.PipelineBuilds = e.cache.BuildCount()

	stats.FrameCounter = e.ring.FrameCounter()
	stats.LastFrameTime = e.ring.LastFrameTime()
	stats.ResizeCount = e.presenter.ResizeCount()
}

// BuildStatsString renders the statistics snapshot as a JSON document.
func (e *Engine) BuildStatsString() string {
	var stats Statistics
	e.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	frameObj := obj.Name("Frames").Object()
	frameObj.Name("Submitted").Int(int(stats.Counters.FramesSubmitted))
	frameObj.Name("Counter").Int(int(stats.FrameCounter))
	frameObj.Name("LastCPUMicros").Int(int(stats.LastFrameTime.Microseconds()))
	frameObj.Name("Resizes").Int(stats.ResizeCount)
	frameObj.End()

	drawObj := obj.Name("Draws").Object()
	drawObj.Name("Recorded").Int(stats.Counters.DrawsRecorded)
	drawObj.Name("Skipped").Int(stats.Counters.DrawsSkipped)
	drawObj.Name("PipelineBinds").Int(stats.Counters.PipelineBinds)
	drawObj.Name("StaleMaterials").Int(stats.Counters.StaleMaterials)
	drawObj.End()

	memoryObj := obj.Name("Memory").Object()
	memoryObj.Name("BlockCount").Int(stats.Memory.BlockCount)
	memoryObj.Name("BlockBytes").Int(stats.Memory.BlockBytes)
	memoryObj.Name("AllocationCount").Int(stats.Memory.AllocationCount)
	memoryObj.Name("AllocationBytes").Int(stats.Memory.AllocationBytes)
	memoryObj.Name("ImageCount").Int(stats.Memory.ImageCount)
	memoryObj.Name("ImageBytes").Int(stats.Memory.ImageBytes)
	memoryObj.End()

	heapObj := obj.Name("Heap").Object()
	heapObj.Name("Occupancy").Int(stats.HeapOccupancy)
	heapObj.Name("Capacity").Int(stats.HeapCapacity)
	heapObj.Name("PendingRetirements").Int(stats.HeapRetirements)
	heapObj.End()

	pipelineObj := obj.Name("Pipelines").Object()
	pipelineObj.Name("Cached").Int(stats.PipelinesCached)
	pipelineObj.Name("Builds").Int(stats.PipelineBuilds)
	pipelineObj.End()

	obj.End()
	return string(writer.Bytes())
}
