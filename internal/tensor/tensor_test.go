package tensor

import "testing"

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestFromData(t *testing.T) {
	if _, err := FromData(seq(6), 2, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := FromData(seq(5), 2, 3); err == nil {
		t.Fatal("expected error for mismatched data length")
	}
}

func TestReshape(t *testing.T) {
	a, _ := FromData(seq(12), 3, 4)
	b, err := a.Reshape(12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Rank() != 1 || b.Shape[0] != 12 {
		t.Errorf("expected shape [12], got %v", b.Shape)
	}
	// Reshape is a view: writes through.
	b.Data[0] = 99
	if a.Data[0] != 99 {
		t.Error("expected reshape to share data")
	}
	if _, err := a.Reshape(5, 5); err == nil {
		t.Error("expected error reshaping 12 elements to 25")
	}
}

func TestSliceDim(t *testing.T) {
	a, _ := FromData(seq(12), 3, 4)

	rows, err := a.SliceDim(0, 1, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{4, 5, 6, 7, 8, 9, 10, 11}
	for i, v := range want {
		if rows.Data[i] != v {
			t.Fatalf("row slice element %d: expected %v, got %v", i, v, rows.Data[i])
		}
	}

	cols, err := a.SliceDim(1, 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []float32{2, 3, 6, 7, 10, 11}
	for i, v := range want {
		if cols.Data[i] != v {
			t.Fatalf("col slice element %d: expected %v, got %v", i, v, cols.Data[i])
		}
	}

	if _, err := a.SliceDim(2, 0, 1); err == nil {
		t.Error("expected error for out-of-range dim")
	}
	if _, err := a.SliceDim(0, 2, 5); err == nil {
		t.Error("expected error for out-of-range slice")
	}
}

func TestSetSliceDimRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		dim   int
		start int
		end   int
	}{
		{"rows", []int{6, 4}, 0, 2, 5},
		{"cols", []int{6, 4}, 1, 1, 3},
		{"middle of 3d", []int{2, 6, 3}, 1, 2, 4},
		{"flat", []int{10}, 0, 3, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig, _ := FromData(seq(numElements(tt.shape)), tt.shape...)
			part, err := orig.SliceDim(tt.dim, tt.start, tt.end)
			if err != nil {
				t.Fatalf("slice: %v", err)
			}
			rebuilt := New(tt.shape...)
			for _, r := range [][2]int{{0, tt.start}, {tt.start, tt.end}, {tt.end, tt.shape[tt.dim]}} {
				if r[0] == r[1] {
					continue
				}
				p, err := orig.SliceDim(tt.dim, r[0], r[1])
				if err != nil {
					t.Fatalf("slice [%d:%d): %v", r[0], r[1], err)
				}
				if err := rebuilt.SetSliceDim(tt.dim, r[0], p); err != nil {
					t.Fatalf("set slice [%d:%d): %v", r[0], r[1], err)
				}
			}
			if !rebuilt.Equal(orig) {
				t.Error("slice then set-slice did not reproduce the original")
			}
			_ = part
		})
	}
}

func TestSetSliceDimShapeMismatch(t *testing.T) {
	dst := New(4, 4)
	src := New(2, 3)
	if err := dst.SetSliceDim(0, 0, src); err == nil {
		t.Error("expected error for mismatched non-slice dimension")
	}
}

func TestEqual(t *testing.T) {
	a, _ := FromData(seq(4), 2, 2)
	b, _ := FromData(seq(4), 2, 2)
	c, _ := FromData(seq(4), 4)
	if !a.Equal(b) {
		t.Error("expected equal tensors")
	}
	if a.Equal(c) {
		t.Error("expected shape difference to be detected")
	}
	b.Data[3] = -1
	if a.Equal(b) {
		t.Error("expected data difference to be detected")
	}
}
