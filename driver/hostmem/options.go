package hostmem

import "github.com/vkngwrapper/subbuf/driver"

const (
	defaultUniformBufferAlignment       uint = 256
	defaultTextureBufferAlignment       uint = 16
	defaultShaderStorageBufferAlignment uint = 16
)

// Options configures a host-memory Driver. The zero value is usable.
type Options struct {
	// Limits are the alignments reported through Driver.AlignmentLimits. Fields left at 0 default to
	// 256 bytes for uniform buffers and 16 bytes for texture and shader storage buffers, which is what
	// most desktop devices report.
	Limits driver.AlignmentLimits
	// MaxBufferCount is the number of buffer objects that may be live at once. 0 means unlimited.
	MaxBufferCount int
	// MaxTotalBytes is the number of bytes that may be held by live buffer objects at once. 0 means
	// unlimited.
	MaxTotalBytes int
}

func (o Options) limits() driver.AlignmentLimits {
	limits := o.Limits
	if limits.UniformBuffer == 0 {
		limits.UniformBuffer = defaultUniformBufferAlignment
	}
	if limits.TextureBuffer == 0 {
		limits.TextureBuffer = defaultTextureBufferAlignment
	}
	if limits.ShaderStorageBuffer == 0 {
		limits.ShaderStorageBuffer = defaultShaderStorageBufferAlignment
	}
	return limits
}
