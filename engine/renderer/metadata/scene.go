package metadata

import (
	"encoding/binary"
	"math"
)

/** @brief Size in bytes of one packed GpuInstance. */
const GpuInstanceSize = 16*4 + 2*4

/** @brief Size in bytes of one packed IndirectDrawRecord. */
const IndirectDrawRecordSize = 6 * 4

/**
 * @brief Per-instance data read by shaders through the instance buffer.
 */
type GpuInstance struct {
	/** @brief Column-major object to world transform. */
	Transform [16]float32
	/** @brief Bindless index of the vertex buffer. */
	VertexBufferIndex uint32
	/** @brief Bindless index of the index buffer. */
	IndexBufferIndex uint32
}

/** @brief Non-indexed draw arguments as consumed by an indirect draw. */
type DrawArgs struct {
	VertexCountPerInstance uint32
	InstanceCount          uint32
	StartVertexLocation    uint32
	StartInstanceLocation  uint32
}

/**
 * @brief One record of the indirect draw argument buffer.
 */
type IndirectDrawRecord struct {
	/** @brief Bindless index of the instance buffer. */
	InstanceBufferIndex uint32
	/** @brief Which instance of the instance buffer this draw reads. */
	InstanceID uint32
	Args       DrawArgs
}

/**
 * @brief A loaded scene. Buffers are registered in a bindless registry.
 */
type Scene struct {
	Name      string
	Instances []GpuInstance
	Records   []IndirectDrawRecord
	/** @brief Every vertex and index buffer owned by the scene. */
	Geometry       []*Resource
	InstanceBuffer *Resource
	IndirectArgs   *Resource
}

func (s *Scene) DrawCount() uint32 {
	return uint32(len(s.Records))
}

// Resources lists everything the scene owns, instance and argument buffers last.
func (s *Scene) Resources() []*Resource {
	out := append([]*Resource(nil), s.Geometry...)
	if s.InstanceBuffer != nil {
		out = append(out, s.InstanceBuffer)
	}
	if s.IndirectArgs != nil {
		out = append(out, s.IndirectArgs)
	}
	return out
}

// PackInstances lays out instances the way shaders read them (little endian, tightly packed).
func PackInstances(instances []GpuInstance) []byte {
	out := make([]byte, 0, len(instances)*GpuInstanceSize)
	for _, inst := range instances {
		for _, f := range inst.Transform {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
		out = binary.LittleEndian.AppendUint32(out, inst.VertexBufferIndex)
		out = binary.LittleEndian.AppendUint32(out, inst.IndexBufferIndex)
	}
	return out
}

// PackIndirectRecords lays out records in indirect argument buffer order.
func PackIndirectRecords(records []IndirectDrawRecord) []byte {
	out := make([]byte, 0, len(records)*IndirectDrawRecordSize)
	for _, r := range records {
		out = binary.LittleEndian.AppendUint32(out, r.InstanceBufferIndex)
		out = binary.LittleEndian.AppendUint32(out, r.InstanceID)
		out = binary.LittleEndian.AppendUint32(out, r.Args.VertexCountPerInstance)
		out = binary.LittleEndian.AppendUint32(out, r.Args.InstanceCount)
		out = binary.LittleEndian.AppendUint32(out, r.Args.StartVertexLocation)
		out = binary.LittleEndian.AppendUint32(out, r.Args.StartInstanceLocation)
	}
	return out
}

/** @brief Returns bindless slots. Implemented by the bindless registry. */
type Unregisterer interface {
	Unregister(res *Resource) error
}

// Release unregisters every scene buffer from u and destroys it. Buffers that
// are not registered are destroyed as well; the first unregister error is returned.
func (s *Scene) Release(u Unregisterer) error {
	var first error
	for _, res := range s.Resources() {
		if res.Binding() != nil {
			if err := u.Unregister(res); err != nil && first == nil {
				first = err
			}
		}
		res.Release()
	}
	return first
}
