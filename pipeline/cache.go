// Package pipeline builds and memoizes graphics pipeline objects keyed by
// their structural state. Building is expensive and happens once per
// distinct key, never in the per-draw hot path. Objects are
// reference-counted so that a shader hot-reload can replace a cache entry
// while frames still recording with the old object finish with it safely.
package pipeline

import (
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/internal/utils"
)

// Object is one built pipeline. It is shared read-only across frames; the
// device pipeline is destroyed when the last reference is released.
type Object struct {
	state    gpu.PipelineState
	pipeline gpu.Pipeline
	refs     int64
}

func (o *Object) State() gpu.PipelineState { return o.state }

func (o *Object) Pipeline() gpu.Pipeline { return o.pipeline }

// Retain adds a reference. Frames retain each object they record with and
// release it once their fence confirms completion.
func (o *Object) Retain() {
	if atomic.AddInt64(&o.refs, 1) < 2 {
		panic("retained a pipeline object that was already released")
	}
}

// Release drops a reference, destroying the device pipeline at zero.
func (o *Object) Release() {
	refs := atomic.AddInt64(&o.refs, -1)
	if refs < 0 {
		panic("released a pipeline object more times than it was retained")
	}
	if refs == 0 {
		o.pipeline.Destroy()
	}
}

// CreateOptions configures a new Cache.
type CreateOptions struct {
	// InitialCapacity sizes the key table. Defaults to 64.
	InitialCapacity int
	// SharedAccess must be set when the cache will be used from more than
	// one goroutine
	SharedAccess bool
	// Logger will be used to log cache activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Cache memoizes pipeline objects by structural key.
type Cache struct {
	logger *slog.Logger
	device gpu.Device

	mutex      utils.OptionalRWMutex
	entries    *swiss.Map[gpu.PipelineState, *Object]
	buildCount int
}

// CreateCache builds an empty Cache for the provided device.
func CreateCache(device gpu.Device, options CreateOptions) *Cache {
	if device == nil {
		panic("attempted to create a pipeline cache with a nil device")
	}
	if options.InitialCapacity == 0 {
		options.InitialCapacity = 64
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Cache{
		logger:  options.Logger,
		device:  device,
		mutex:   utils.OptionalRWMutex{UseMutex: options.SharedAccess},
		entries: swiss.NewMap[gpu.PipelineState, *Object](uint32(options.InitialCapacity)),
	}
}

// GetOrBuild returns the cached object for structurally-equal state, building
// it on first use. The returned object is owned by the cache; callers that
// outlive the current call must Retain it.
func (c *Cache) GetOrBuild(state gpu.PipelineState) (*Object, common.VkResult, error) {
	c.mutex.RLock()
	object, ok := c.entries.Get(state)
	c.mutex.RUnlock()
	if ok {
		return object, core1_0.VKSuccess, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Another recorder may have built it between the two locks
	object, ok = c.entries.Get(state)
	if ok {
		return object, core1_0.VKSuccess, nil
	}

	return c.buildLocked(state)
}

func (c *Cache) buildLocked(state gpu.PipelineState) (*Object, common.VkResult, error) {
	c.logger.Debug("Cache::build",
		slog.String("Vertex", state.Vertex.Name),
		slog.String("Fragment", state.Fragment.Name),
	)

	devicePipeline, res, err := c.device.CreateGraphicsPipeline(state)
	if err != nil {
		return nil, res, err
	}

	object := &Object{
		state:    state,
		pipeline: devicePipeline,
		refs:     1,
	}
	c.entries.Put(state, object)
	c.buildCount++

	return object, core1_0.VKSuccess, nil
}

// Prewarm builds every provided state up front, at load time rather than
// mid-frame.
func (c *Cache) Prewarm(states []gpu.PipelineState) (common.VkResult, error) {
	for _, state := range states {
		_, res, err := c.GetOrBuild(state)
		if err != nil {
			return res, err
		}
	}
	return core1_0.VKSuccess, nil
}

// Rebuild replaces the cache entry for state with a freshly-built object.
// This is the shader hot-reload path: the old object stays alive until every
// frame recorded with it has released it. Returns false when the state was
// never cached.
func (c *Cache) Rebuild(state gpu.PipelineState) (bool, common.VkResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	oldObject, ok := c.entries.Get(state)
	if !ok {
		return false, core1_0.VKSuccess, nil
	}

	_, res, err := c.buildLocked(state)
	if err != nil {
		return false, res, err
	}

	oldObject.Release()
	return true, core1_0.VKSuccess, nil
}

// InvalidateAll drops every cache entry, forcing rebuilds on next use. Live
// frames finish with their retained objects. Returns the number of entries
// dropped.
func (c *Cache) InvalidateAll() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dropped := 0
	c.entries.Iter(func(state gpu.PipelineState, object *Object) bool {
		object.Release()
		dropped++
		return false
	})
	c.entries = swiss.NewMap[gpu.PipelineState, *Object](64)

	c.logger.Debug("Cache::InvalidateAll", slog.Int("Dropped", dropped))
	return dropped
}

// Len reports the number of cached objects.
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.entries.Count()
}

// BuildCount reports how many pipeline builds the cache has ever performed.
func (c *Cache) BuildCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.buildCount
}

// Destroy releases the cache's references. Objects still retained by
// in-flight frames survive until those frames release them.
func (c *Cache) Destroy() {
	c.InvalidateAll()
}
