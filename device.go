package imgdag

import "github.com/gogpu/gpucontext"

// DeviceHandle is the opaque per-graph GPU device handle passed through to
// operators (§1 Non-goals: "GPU residency management beyond an opaque
// per-graph device handle passed through to operators"). The kernel never
// creates or dereferences one; it only carries whatever the host
// application supplied at LoadGraph time and hands it to the operator
// registry's dispatch functions, which interpret it.
//
// DeviceHandle is an alias for gpucontext.DeviceProvider, mirroring the
// teacher's render.DeviceHandle: gg receives a device from its host, it
// does not create one, and neither does this package.
type DeviceHandle = gpucontext.DeviceProvider

// NullDeviceHandle is a zero-value DeviceHandle for graphs that declare no
// GPU device: every accessor returns nil, so operators that type-assert
// for GPU capabilities cleanly fall back to CPU execution.
type NullDeviceHandle struct{}

func (NullDeviceHandle) Device() gpucontext.Device   { return nil }
func (NullDeviceHandle) Queue() gpucontext.Queue     { return nil }
func (NullDeviceHandle) Adapter() gpucontext.Adapter { return nil }
