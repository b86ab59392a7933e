package loader

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
)

// accessorReader gives element access to a glTF accessor regardless of its
// component type, stride or normalization.
type accessorReader struct {
	data   []byte
	offset int
	stride int
	size   int
	count  int
	comps  int
	ctype  gltf.ComponentType
	norm   bool
	// empty accessors have no buffer view and read as zeros.
	empty bool
}

func componentSize(t gltf.ComponentType) int {
	switch t {
	case gltf.ComponentByte, gltf.ComponentUbyte:
		return 1
	case gltf.ComponentShort, gltf.ComponentUshort:
		return 2
	case gltf.ComponentUint, gltf.ComponentFloat:
		return 4
	default:
		return 0
	}
}

func componentCount(t gltf.AccessorType) int {
	switch t {
	case gltf.AccessorScalar:
		return 1
	case gltf.AccessorVec2:
		return 2
	case gltf.AccessorVec3:
		return 3
	case gltf.AccessorVec4:
		return 4
	case gltf.AccessorMat4:
		return 16
	default:
		return 0
	}
}

func newAccessorReader(doc *gltf.Document, idx int) (*accessorReader, error) {
	if idx < 0 || idx >= len(doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", idx)
	}
	accessor := doc.Accessors[idx]

	r := &accessorReader{
		count: int(accessor.Count),
		comps: componentCount(accessor.Type),
		size:  componentSize(accessor.ComponentType),
		ctype: accessor.ComponentType,
		norm:  accessor.Normalized,
	}
	if r.comps == 0 || r.size == 0 {
		return nil, fmt.Errorf("accessor %d: unsupported layout", idx)
	}
	if accessor.BufferView == nil {
		r.empty = true
		return r, nil
	}

	bvIdx := int(*accessor.BufferView)
	if bvIdx < 0 || bvIdx >= len(doc.BufferViews) {
		return nil, fmt.Errorf("accessor %d: buffer view %d out of range", idx, bvIdx)
	}
	bufferView := doc.BufferViews[bvIdx]
	bufIdx := int(bufferView.Buffer)
	if bufIdx < 0 || bufIdx >= len(doc.Buffers) {
		return nil, fmt.Errorf("buffer view %d: buffer %d out of range", bvIdx, bufIdx)
	}
	data, err := bufferData(doc.Buffers[bufIdx])
	if err != nil {
		return nil, err
	}

	r.data = data
	r.offset = int(bufferView.ByteOffset) + int(accessor.ByteOffset)
	r.stride = int(bufferView.ByteStride)
	if r.stride == 0 {
		r.stride = r.size * r.comps
	}

	if r.count > 0 {
		end := r.offset + (r.count-1)*r.stride + r.size*r.comps
		viewEnd := int(bufferView.ByteOffset) + int(bufferView.ByteLength)
		if end > len(data) || end > viewEnd {
			return nil, fmt.Errorf("accessor %d: reads past end of buffer", idx)
		}
	}
	return r, nil
}

func (r *accessorReader) float(i, c int) float32 {
	if r.empty {
		return 0
	}
	p := r.offset + i*r.stride + c*r.size
	switch r.ctype {
	case gltf.ComponentFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(r.data[p:]))
	case gltf.ComponentUbyte:
		v := float32(r.data[p])
		if r.norm {
			return v / 255
		}
		return v
	case gltf.ComponentByte:
		v := float32(int8(r.data[p]))
		if r.norm {
			return max(v/127, -1)
		}
		return v
	case gltf.ComponentUshort:
		v := float32(binary.LittleEndian.Uint16(r.data[p:]))
		if r.norm {
			return v / 65535
		}
		return v
	case gltf.ComponentShort:
		v := float32(int16(binary.LittleEndian.Uint16(r.data[p:])))
		if r.norm {
			return max(v/32767, -1)
		}
		return v
	case gltf.ComponentUint:
		return float32(binary.LittleEndian.Uint32(r.data[p:]))
	}
	return 0
}

func (r *accessorReader) uint(i, c int) uint32 {
	if r.empty {
		return 0
	}
	p := r.offset + i*r.stride + c*r.size
	switch r.ctype {
	case gltf.ComponentUbyte, gltf.ComponentByte:
		return uint32(r.data[p])
	case gltf.ComponentUshort, gltf.ComponentShort:
		return uint32(binary.LittleEndian.Uint16(r.data[p:]))
	case gltf.ComponentUint:
		return binary.LittleEndian.Uint32(r.data[p:])
	case gltf.ComponentFloat:
		return uint32(math.Float32frombits(binary.LittleEndian.Uint32(r.data[p:])))
	}
	return 0
}

func readAccessorVec3(doc *gltf.Document, idx int) ([]mgl32.Vec3, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 3 {
		return nil, fmt.Errorf("accessor %d: want VEC3", idx)
	}
	result := make([]mgl32.Vec3, r.count)
	for i := range result {
		result[i] = mgl32.Vec3{r.float(i, 0), r.float(i, 1), r.float(i, 2)}
	}
	return result, nil
}

func readAccessorVec2(doc *gltf.Document, idx int) ([]mgl32.Vec2, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 2 {
		return nil, fmt.Errorf("accessor %d: want VEC2", idx)
	}
	result := make([]mgl32.Vec2, r.count)
	for i := range result {
		result[i] = mgl32.Vec2{r.float(i, 0), r.float(i, 1)}
	}
	return result, nil
}

func readAccessorVec4(doc *gltf.Document, idx int) ([][4]float32, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 4 {
		return nil, fmt.Errorf("accessor %d: want VEC4", idx)
	}
	result := make([][4]float32, r.count)
	for i := range result {
		for c := 0; c < 4; c++ {
			result[i][c] = r.float(i, c)
		}
	}
	return result, nil
}

func readAccessorJoints(doc *gltf.Document, idx int) ([][4]uint16, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 4 {
		return nil, fmt.Errorf("accessor %d: want VEC4", idx)
	}
	result := make([][4]uint16, r.count)
	for i := range result {
		for c := 0; c < 4; c++ {
			result[i][c] = uint16(r.uint(i, c))
		}
	}
	return result, nil
}

func readAccessorMat4(doc *gltf.Document, idx int) ([]mgl32.Mat4, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 16 {
		return nil, fmt.Errorf("accessor %d: want MAT4", idx)
	}
	result := make([]mgl32.Mat4, r.count)
	for i := range result {
		for c := 0; c < 16; c++ {
			result[i][c] = r.float(i, c)
		}
	}
	return result, nil
}

func readAccessorIndices(doc *gltf.Document, idx int) ([]uint32, error) {
	r, err := newAccessorReader(doc, idx)
	if err != nil {
		return nil, err
	}
	if r.comps != 1 {
		return nil, fmt.Errorf("accessor %d: want SCALAR", idx)
	}
	result := make([]uint32, r.count)
	for i := range result {
		result[i] = r.uint(i, 0)
	}
	return result, nil
}

// bufferData returns the bytes of a buffer. Only self-contained assets are
// supported: GLB binary chunks and base64 data URIs.
func bufferData(buffer *gltf.Buffer) ([]byte, error) {
	if len(buffer.Data) > 0 {
		return buffer.Data, nil
	}
	if strings.HasPrefix(buffer.URI, "data:") {
		data, err := fetchDataURI(buffer.URI)
		if err != nil {
			return nil, fmt.Errorf("decode buffer: %w", err)
		}
		buffer.Data = data
		return data, nil
	}
	if buffer.URI == "" {
		return nil, fmt.Errorf("buffer has no URI and no embedded data")
	}
	return nil, fmt.Errorf("external buffer %q is not supported", buffer.URI)
}
