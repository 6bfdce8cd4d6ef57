package subbuf

// BufferAlignment names a use a sub-buffer can be bound for. Each use has its own offset alignment,
// which is queried from the driver once when the allocator is created.
type BufferAlignment int

const (
	// AlignUniformBuffer aligns sub-buffers so they can be bound as uniform buffer ranges
	AlignUniformBuffer BufferAlignment = iota
	// AlignTextureBuffer aligns sub-buffers so they can back texture buffer views
	AlignTextureBuffer
	// AlignShaderStorageBuffer aligns sub-buffers so they can be bound as shader storage buffer ranges
	AlignShaderStorageBuffer

	alignmentCategoryCount int = iota
)

var bufferAlignmentMapping = map[BufferAlignment]string{
	AlignUniformBuffer:       "AlignUniformBuffer",
	AlignTextureBuffer:       "AlignTextureBuffer",
	AlignShaderStorageBuffer: "AlignShaderStorageBuffer",
}

func (a BufferAlignment) String() string {
	str, ok := bufferAlignmentMapping[a]
	if !ok {
		return "unknown"
	}
	return str
}
