package graphmodel

import (
	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
)

// NodeOutput is the result of executing a node: an image buffer (which
// may be empty/nil for purely data-producing nodes) plus a named map of
// non-image outputs such as dimensions, statistics, or pass-through
// metadata (§3 NodeOutput).
type NodeOutput struct {
	Image *buffer.Buffer
	Data  map[string]imgdag.Value
}

// NewNodeOutput wraps img (which may be nil) with an initialized Data map.
func NewNodeOutput(img *buffer.Buffer) *NodeOutput {
	return &NodeOutput{Image: img, Data: make(map[string]imgdag.Value)}
}

// Size returns the image's (width, height), or the zero Size if there is
// no image.
func (o *NodeOutput) Size() imgdag.Size {
	if o == nil || o.Image == nil {
		return imgdag.Size{}
	}
	return o.Image.Size()
}

// Clone returns a deep copy: the image buffer is cloned (fresh backing
// array, refcount 1) and the data map is deep-cloned.
func (o *NodeOutput) Clone() *NodeOutput {
	if o == nil {
		return nil
	}
	var img *buffer.Buffer
	if o.Image != nil {
		img = o.Image.Clone()
	}
	return &NodeOutput{
		Image: img,
		Data:  imgdag.CloneParameters(o.Data),
	}
}
