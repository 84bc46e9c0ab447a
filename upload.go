package foundry

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/bindless"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/record"
)

const defaultUploadTimeout = 30 * time.Second

// UploadBuffer allocates a buffer of the provided class, fills it with data,
// and registers it in the bindless heap. Host-visible classes are written
// directly; device-local classes go through a synchronous staging copy.
func (e *Engine) UploadBuffer(data []byte, class gpu.UsageClass) (*allocator.GpuBuffer, record.Handle, error) {
	if len(data) == 0 {
		panic("attempted to upload an empty buffer")
	}

	target, _, err := e.alloc.Allocate(len(data), class)
	if err != nil {
		return nil, record.Handle{}, err
	}

	if class == gpu.UsageUniform || class == gpu.UsageStaging {
		err = target.Write(0, data)
	} else {
		err = e.stagedCopy(data, target)
	}
	if err != nil {
		e.alloc.Free(target)
		return nil, record.Handle{}, err
	}

	handle, _, err := e.heap.Register(bindless.View{Buffer: target})
	if err != nil {
		e.alloc.Free(target)
		return nil, record.Handle{}, err
	}
	return target, handle, nil
}

// UploadImage allocates an image, fills it from pixel data through a staging
// buffer, and registers it in the bindless heap.
func (e *Engine) UploadImage(pixels []byte, info gpu.ImageInfo) (*allocator.GpuImage, record.Handle, error) {
	if len(pixels) == 0 {
		panic("attempted to upload an empty image")
	}

	image, _, err := e.alloc.AllocateImage(info)
	if err != nil {
		return nil, record.Handle{}, err
	}

	staging, _, err := e.alloc.Allocate(len(pixels), gpu.UsageStaging)
	if err != nil {
		e.alloc.FreeImage(image)
		return nil, record.Handle{}, err
	}

	err = staging.Write(0, pixels)
	if err == nil {
		err = e.oneShot(func(cmd gpu.CommandBuffer) {
			cmd.CopyBufferToImage(staging.Buffer(), staging.Offset(), image.Image())
		})
	}
	e.alloc.Free(staging)
	if err != nil {
		e.alloc.FreeImage(image)
		return nil, record.Handle{}, err
	}

	handle, _, err := e.heap.Register(bindless.View{Image: image})
	if err != nil {
		e.alloc.FreeImage(image)
		return nil, record.Handle{}, err
	}
	return image, handle, nil
}

func (e *Engine) stagedCopy(data []byte, target *allocator.GpuBuffer) error {
	staging, _, err := e.alloc.Allocate(len(data), gpu.UsageStaging)
	if err != nil {
		return err
	}
	defer e.alloc.Free(staging)

	err = staging.Write(0, data)
	if err != nil {
		return err
	}

	return e.oneShot(func(cmd gpu.CommandBuffer) {
		cmd.CopyBuffer(staging.Buffer(), target.Buffer(), staging.Offset(), target.Offset(), len(data))
	})
}

// oneShot records and synchronously executes the engine's shared transfer
// command buffer. Uploads happen at load time, so blocking the caller here
// is fine; the buffer is created on first use and reset for each upload.
func (e *Engine) oneShot(build func(cmd gpu.CommandBuffer)) error {
	if e.uploadCmd == nil {
		cmd, _, err := e.device.CreateCommandBuffer()
		if err != nil {
			return errors.Wrap(err, "creating upload command buffer")
		}
		e.uploadCmd = cmd
	}

	cmd := e.uploadCmd
	err := cmd.Reset()
	if err != nil {
		return errors.Wrap(err, "resetting upload command buffer")
	}

	_, err = cmd.Begin()
	if err != nil {
		return err
	}
	build(cmd)
	_, err = cmd.End()
	if err != nil {
		return err
	}

	fence, _, err := e.device.CreateFence(false)
	if err != nil {
		return errors.Wrap(err, "creating upload fence")
	}
	defer fence.Destroy()

	_, err = e.device.GraphicsQueue().Submit(gpu.SubmitInfo{
		CommandBuffer: cmd,
		SignalFence:   fence,
	})
	if err != nil {
		return errors.Wrap(err, "submitting upload")
	}

	timeout := e.fenceTimeout
	if timeout == 0 {
		timeout = defaultUploadTimeout
	}
	res, err := fence.Wait(timeout)
	if err != nil {
		return err
	}
	if res == core1_0.VKTimeout {
		return errors.Wrap(errors.New("upload fence wait exceeded its timeout"), "uploading")
	}
	return nil
}
