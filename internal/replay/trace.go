package replay

import (
	"io"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/subbuf"
	"gopkg.in/yaml.v3"
)

// OpKind is the type of a single step in a trace
type OpKind string

const (
	OpAlloc   OpKind = "alloc"
	OpGrow    OpKind = "grow"
	OpRelease OpKind = "release"
	OpFlush   OpKind = "flush"
)

var categoryNames = map[string]subbuf.BufferAlignment{
	"uniform":        subbuf.AlignUniformBuffer,
	"texture":        subbuf.AlignTextureBuffer,
	"shader_storage": subbuf.AlignShaderStorageBuffer,
}

// Alignment is either one of the device's alignment categories or an explicit byte alignment. In a
// trace it is written as a category name (uniform, texture, shader_storage) or as a number.
type Alignment struct {
	Category    subbuf.BufferAlignment
	HasCategory bool
	Bytes       uint
}

func (a *Alignment) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: alignment must be a category name or a number", value.Line)
	}

	category, ok := categoryNames[value.Value]
	if ok {
		*a = Alignment{Category: category, HasCategory: true}
		return nil
	}

	alignment, err := strconv.ParseUint(value.Value, 10, 32)
	if err != nil {
		return errors.Newf("line %d: unknown alignment %q", value.Line, value.Value)
	}

	*a = Alignment{Bytes: uint(alignment)}
	return nil
}

func (a Alignment) resolve(allocator *subbuf.BufferAllocator) uint {
	if a.HasCategory {
		return allocator.Alignment(a.Category)
	}
	return a.Bytes
}

func (a Alignment) String() string {
	if a.HasCategory {
		return a.Category.String()
	}
	return strconv.FormatUint(uint64(a.Bytes), 10)
}

// Op is one step of a trace. ID names the sub-buffer that alloc creates and that grow and release
// refer to. Size is the requested size for alloc and the new size for grow.
type Op struct {
	Op    OpKind            `yaml:"op"`
	ID    string            `yaml:"id"`
	Size  datasize.ByteSize `yaml:"size"`
	Align Alignment         `yaml:"align"`
}

// AlignmentLimits overrides the alignments reported by the host-memory driver. Zero fields keep the
// driver's defaults.
type AlignmentLimits struct {
	UniformBuffer       uint `yaml:"uniform"`
	TextureBuffer       uint `yaml:"texture"`
	ShaderStorageBuffer uint `yaml:"shader_storage"`
}

// Trace is a recorded sequence of sub-buffer requests together with the allocator settings to replay
// it with
type Trace struct {
	ChunkCapacity   datasize.ByteSize `yaml:"chunk_capacity"`
	MinBufferCount  int               `yaml:"min_buffer_count"`
	MaxBufferCount  int               `yaml:"max_buffer_count"`
	MaxTotalBytes   datasize.ByteSize `yaml:"max_total_bytes"`
	AlignmentLimits AlignmentLimits   `yaml:"alignment_limits"`
	Ops             []Op              `yaml:"ops"`
}

// Parse decodes a YAML trace and checks that every op is well formed. Unknown fields are rejected.
func Parse(r io.Reader) (*Trace, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var trace Trace
	err := decoder.Decode(&trace)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to decode trace")
	}

	err = trace.Validate()
	if err != nil {
		return nil, err
	}

	return &trace, nil
}

// Validate checks the settings and the shape of every op. It does not check that ids refer to live
// sub-buffers, which is only known while replaying.
func (t *Trace) Validate() error {
	if t.MinBufferCount < -1 {
		return errors.Newf("min_buffer_count must be -1 or greater, but was %d", t.MinBufferCount)
	}
	if t.MaxBufferCount < 0 {
		return errors.Newf("max_buffer_count must not be negative, but was %d", t.MaxBufferCount)
	}

	for index, op := range t.Ops {
		switch op.Op {
		case OpAlloc, OpGrow:
			if op.ID == "" {
				return errors.Newf("op %d (%s) is missing an id", index, op.Op)
			}
			if op.Size == 0 {
				return errors.Newf("op %d (%s %s) is missing a size", index, op.Op, op.ID)
			}
		case OpRelease:
			if op.ID == "" {
				return errors.Newf("op %d (%s) is missing an id", index, op.Op)
			}
		case OpFlush:
		default:
			return errors.Newf("op %d has unknown type %q", index, op.Op)
		}
	}

	return nil
}
