package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Schema metadata keys describing the encoded array.
const (
	MetaFormat      = "quiver.format"
	MetaScaleFormat = "quiver.scale_format"
	MetaBlockSize   = "quiver.block_size"
	MetaAxis        = "quiver.axis"
	MetaShape       = "quiver.shape"
	MetaDType       = "quiver.dtype"
	MetaGlobalScale = "quiver.global_scale"
)

// Column names. Each row of the batch is one row of the reduction view.
const (
	ColCodes  = "codes"
	ColScales = "scales"
)

// RecordBatchBuilder creates Arrow RecordBatches from quantized arrays.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch lays sa out as one row per reduction-view row: the packed
// codes of the row and its natural-layout block scale codes, both as fixed
// size binaries. The schema metadata carries everything else.
func (b *RecordBatchBuilder) BuildRecordBatch(sa *codec.ScaledArray) (arrow.RecordBatch, error) {
	if sa == nil {
		return nil, nil
	}
	p, err := sa.Parts()
	if err != nil {
		return nil, err
	}

	rows, cols := sa.Rows(), sa.Cols()
	epu := sa.Format().Traits().ElementsPerUnit
	if cols%epu != 0 {
		return nil, fmt.Errorf("client: row of %d %s codes does not fill whole bytes", cols, sa.Format())
	}
	rowBytes := cols / epu
	nb := cols / sa.BlockSize()

	keys := []string{MetaFormat, MetaScaleFormat, MetaBlockSize, MetaAxis, MetaShape, MetaDType}
	vals := []string{p.Format.String(), p.ScaleFormat.String(), strconv.Itoa(p.BlockSize),
		strconv.Itoa(p.Axis), joinInts(p.Shape), p.DType.String()}
	if p.HasGlobalScale {
		keys = append(keys, MetaGlobalScale)
		vals = append(vals, strconv.FormatFloat(float64(p.GlobalScale), 'g', -1, 32))
	}
	md := arrow.NewMetadata(keys, vals)

	codesType := &arrow.FixedSizeBinaryType{ByteWidth: rowBytes}
	scalesType := &arrow.FixedSizeBinaryType{ByteWidth: nb}
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColCodes, Type: codesType},
			{Name: ColScales, Type: scalesType},
		},
		&md,
	)

	codesBuilder := array.NewFixedSizeBinaryBuilder(b.mem, codesType)
	defer codesBuilder.Release()
	scalesBuilder := array.NewFixedSizeBinaryBuilder(b.mem, scalesType)
	defer scalesBuilder.Release()

	for r := 0; r < rows; r++ {
		codesBuilder.Append(p.Packed[r*rowBytes : (r+1)*rowBytes])
		scalesBuilder.Append(p.Scales[r*nb : (r+1)*nb])
	}

	columns := []arrow.Array{codesBuilder.NewArray(), scalesBuilder.NewArray()}
	defer columns[0].Release()
	defer columns[1].Release()

	return array.NewRecordBatch(schema, columns, int64(rows)), nil
}

// ReadScaledArray rebuilds the array BuildRecordBatch encoded.
func ReadScaledArray(rec arrow.RecordBatch) (*codec.ScaledArray, error) {
	md := rec.Schema().Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("client: record is missing metadata %q", key)
		}
		return md.Values()[i], nil
	}

	var p codec.Parts
	var err error
	var s string
	if s, err = get(MetaFormat); err != nil {
		return nil, err
	}
	if p.Format, err = format.Parse(s); err != nil {
		return nil, err
	}
	if s, err = get(MetaScaleFormat); err != nil {
		return nil, err
	}
	if p.ScaleFormat, err = format.Parse(s); err != nil {
		return nil, err
	}
	if s, err = get(MetaBlockSize); err != nil {
		return nil, err
	}
	if p.BlockSize, err = strconv.Atoi(s); err != nil {
		return nil, fmt.Errorf("client: block size: %w", err)
	}
	if s, err = get(MetaAxis); err != nil {
		return nil, err
	}
	if p.Axis, err = strconv.Atoi(s); err != nil {
		return nil, fmt.Errorf("client: axis: %w", err)
	}
	if s, err = get(MetaShape); err != nil {
		return nil, err
	}
	if p.Shape, err = splitInts(s); err != nil {
		return nil, err
	}
	if s, err = get(MetaDType); err != nil {
		return nil, err
	}
	if p.DType, err = tensor.ParseDType(s); err != nil {
		return nil, err
	}
	if i := md.FindKey(MetaGlobalScale); i >= 0 {
		g, err := strconv.ParseFloat(md.Values()[i], 32)
		if err != nil {
			return nil, fmt.Errorf("client: global scale: %w", err)
		}
		p.GlobalScale, p.HasGlobalScale = float32(g), true
	}

	codes, err := binaryColumn(rec, ColCodes)
	if err != nil {
		return nil, err
	}
	scales, err := binaryColumn(rec, ColScales)
	if err != nil {
		return nil, err
	}
	for i := 0; i < codes.Len(); i++ {
		p.Packed = append(p.Packed, codes.Value(i)...)
		p.Scales = append(p.Scales, scales.Value(i)...)
	}
	return codec.FromParts(p)
}

func binaryColumn(rec arrow.RecordBatch, name string) (*array.FixedSizeBinary, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("client: record has no %q column", name)
	}
	col, ok := rec.Column(idx[0]).(*array.FixedSizeBinary)
	if !ok {
		return nil, fmt.Errorf("client: column %q is %s, want fixed_size_binary", name, rec.Column(idx[0]).DataType())
	}
	return col, nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("client: shape %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
