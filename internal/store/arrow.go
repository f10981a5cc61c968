package store

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-caisson/internal/tensor"
)

// Shard files are Arrow IPC files with one row per tensor. State rows carry
// the parameter index, its storage name and the state-tensor name; gradient
// accumulator rows carry the parameter name only.
const (
	rowKindState = "state"
	rowKindGrad  = "gradient_accumulator"
)

var shardSchema = arrow.NewSchema([]arrow.Field{
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "param_index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "param_name", Type: arrow.BinaryTypes.String},
	{Name: "state_name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

func appendTensorRow(b *array.RecordBuilder, kind string, paramIndex int, paramName, stateName string, t *tensor.Tensor) {
	b.Field(0).(*array.StringBuilder).Append(kind)
	b.Field(1).(*array.Int64Builder).Append(int64(paramIndex))
	b.Field(2).(*array.StringBuilder).Append(paramName)
	b.Field(3).(*array.StringBuilder).Append(stateName)

	shapeList := b.Field(4).(*array.ListBuilder)
	shapeList.Append(true)
	shapeVals := shapeList.ValueBuilder().(*array.Int64Builder)
	for _, d := range t.Shape {
		shapeVals.Append(int64(d))
	}

	dataList := b.Field(5).(*array.ListBuilder)
	dataList.Append(true)
	dataList.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data, nil)
}

// writeShardFile serializes a ShardState to path and returns the byte size
// of the written file. Rows are emitted in sorted order so the output is
// deterministic for a given state.
func writeShardFile(path string, st *ShardState) (int64, error) {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, shardSchema)
	defer b.Release()

	indices := make([]int, 0, len(st.State))
	for idx := range st.State {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		ps := st.State[idx]
		keys := make([]StateKey, 0, len(ps))
		for k := range ps {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			appendTensorRow(b, rowKindState, idx, st.Names[idx], k.String(), ps[k])
		}
	}

	gradNames := make([]string, 0, len(st.GradAccumulator))
	for name := range st.GradAccumulator {
		gradNames = append(gradNames, name)
	}
	sort.Strings(gradNames)
	for _, name := range gradNames {
		appendTensorRow(b, rowKindGrad, -1, name, "", st.GradAccumulator[name])
	}

	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(shardSchema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readShardFile decodes a shard file. State names are validated against the
// closed StateKey set at this boundary; an unknown name is an error, not a
// passthrough.
func readShardFile(path string) (*ShardState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open arrow file: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	st := NewShardState()
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read arrow record: %w", err)
		}
		if err := decodeRecord(rec, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func decodeRecord(rec arrow.Record, st *ShardState) error {
	kinds := rec.Column(0).(*array.String)
	paramIndices := rec.Column(1).(*array.Int64)
	paramNames := rec.Column(2).(*array.String)
	stateNames := rec.Column(3).(*array.String)
	shapes := rec.Column(4).(*array.List)
	shapeVals := shapes.ListValues().(*array.Int64)
	datas := rec.Column(5).(*array.List)
	dataVals := datas.ListValues().(*array.Float32)

	for i := 0; i < int(rec.NumRows()); i++ {
		shapeStart, shapeEnd := shapes.ValueOffsets(i)
		shape := make([]int, 0, shapeEnd-shapeStart)
		numel := 1
		for j := shapeStart; j < shapeEnd; j++ {
			d := int(shapeVals.Value(int(j)))
			shape = append(shape, d)
			numel *= d
		}

		dataStart, dataEnd := datas.ValueOffsets(i)
		if int(dataEnd-dataStart) != numel {
			return fmt.Errorf("tensor row %d: shape %v declares %d elements but row holds %d",
				i, shape, numel, dataEnd-dataStart)
		}
		data := make([]float32, numel)
		copy(data, dataVals.Float32Values()[dataStart:dataEnd])
		t, err := tensor.FromData(data, shape...)
		if err != nil {
			return err
		}

		switch kinds.Value(i) {
		case rowKindState:
			key, err := ParseStateKey(stateNames.Value(i))
			if err != nil {
				return fmt.Errorf("tensor row %d: %w", i, err)
			}
			idx := int(paramIndices.Value(i))
			if st.State[idx] == nil {
				st.State[idx] = make(ParamState)
			}
			st.State[idx][key] = t
			st.Names[idx] = paramNames.Value(i)
		case rowKindGrad:
			st.GradAccumulator[paramNames.Value(i)] = t
		default:
			return fmt.Errorf("tensor row %d: unknown row kind %q", i, kinds.Value(i))
		}
	}
	return nil
}
