package nodecache

import "github.com/gogpu/imgdag"

// DiskReloadDType is the in-memory dtype a disk-loaded image is always
// upconverted to, regardless of the precision it was written at (§6.2
// "reconstruct a NodeOutput by upscaling u8/u16 back to f32").
const DiskReloadDType = imgdag.F32
