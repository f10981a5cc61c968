package tensor

import "fmt"

// Tensor is a dense row-major float32 buffer with a shape. The reshard
// engines treat it as opaque storage addressed by shape and flat offsets;
// no arithmetic is ever performed on the elements.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps data in a tensor of the given shape. The slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := numElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Scalar returns a rank-0 tensor holding a single value.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float32{v}}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int {
	return numElements(t.Shape)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view over the same data with a new shape. The element
// count must match.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			t.Shape, len(t.Data), shape, numElements(shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// Flatten returns a 1-D view over the same data.
func (t *Tensor) Flatten() *Tensor {
	return &Tensor{Shape: []int{len(t.Data)}, Data: t.Data}
}

// Equal reports whether two tensors have identical shape and bit-identical
// elements.
func (t *Tensor) Equal(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// strides returns row-major strides for a shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// SliceDim copies out the sub-tensor covering [start, end) along dim. All
// other dimensions are taken whole.
func (t *Tensor) SliceDim(dim, start, end int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("slice dim %d out of range for shape %v", dim, t.Shape)
	}
	if start < 0 || end > t.Shape[dim] || start >= end {
		return nil, fmt.Errorf("slice [%d:%d) out of range for dim %d of shape %v", start, end, dim, t.Shape)
	}
	outShape := append([]int(nil), t.Shape...)
	outShape[dim] = end - start
	out := New(outShape...)

	st := strides(t.Shape)
	// Number of contiguous runs before dim, and the run length from dim down.
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	run := (end - start) * st[dim]
	srcBlock := t.Shape[dim] * st[dim]
	for i := 0; i < outer; i++ {
		srcOff := i*srcBlock + start*st[dim]
		copy(out.Data[i*run:(i+1)*run], t.Data[srcOff:srcOff+run])
	}
	return out, nil
}

// SetSliceDim copies src into the [start, start+src.Shape[dim]) region of t
// along dim. The shapes must agree on every other dimension.
func (t *Tensor) SetSliceDim(dim, start int, src *Tensor) error {
	if dim < 0 || dim >= len(t.Shape) {
		return fmt.Errorf("slice dim %d out of range for shape %v", dim, t.Shape)
	}
	if len(src.Shape) != len(t.Shape) {
		return fmt.Errorf("rank mismatch: dst %v vs src %v", t.Shape, src.Shape)
	}
	for i := range t.Shape {
		if i == dim {
			continue
		}
		if t.Shape[i] != src.Shape[i] {
			return fmt.Errorf("shape mismatch on dim %d: dst %v vs src %v", i, t.Shape, src.Shape)
		}
	}
	end := start + src.Shape[dim]
	if start < 0 || end > t.Shape[dim] {
		return fmt.Errorf("slice [%d:%d) out of range for dim %d of shape %v", start, end, dim, t.Shape)
	}

	st := strides(t.Shape)
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	run := src.Shape[dim] * st[dim]
	dstBlock := t.Shape[dim] * st[dim]
	for i := 0; i < outer; i++ {
		dstOff := i*dstBlock + start*st[dim]
		copy(t.Data[dstOff:dstOff+run], src.Data[i*run:(i+1)*run])
	}
	return nil
}
