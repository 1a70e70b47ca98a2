package lake

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
)

// Compression selects the parquet codec.
type Compression string

const (
	Snappy Compression = "snappy"
	Zstd   Compression = "zstd"
)

func (c Compression) codec() (compress.Compression, error) {
	switch c {
	case Snappy, "":
		return compress.Codecs.Snappy, nil
	case Zstd:
		return compress.Codecs.Zstd, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unknown compression %q", c)
	}
}

var utcTimestamp = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

func arrowType(k batch.Kind) (arrow.DataType, error) {
	switch k {
	case batch.KindDate:
		return arrow.FixedWidthTypes.Date32, nil
	case batch.KindTimestamp:
		return utcTimestamp, nil
	case batch.KindInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case batch.KindFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case batch.KindString, batch.KindLowCardString:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, fmt.Errorf("unmapped kind %v", k)
	}
}

// arrowSchema maps a batch schema onto arrow fields.
func arrowSchema(s *batch.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		dt, err := arrowType(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// toArrowTable builds an arrow table from a batch. Caller releases.
func toArrowTable(b *batch.Batch) (arrow.Table, error) {
	schema, err := arrowSchema(b.Schema)
	if err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	for _, row := range b.Rows {
		for i, c := range b.Schema.Columns {
			v := row[i]
			if v == nil {
				rb.Field(i).AppendNull()
				continue
			}
			switch c.Kind {
			case batch.KindDate:
				rb.Field(i).(*array.Date32Builder).Append(arrow.Date32FromTime(v.(time.Time)))
			case batch.KindTimestamp:
				rb.Field(i).(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UTC().UnixMicro()))
			case batch.KindInt64:
				rb.Field(i).(*array.Int64Builder).Append(v.(int64))
			case batch.KindFloat64:
				rb.Field(i).(*array.Float64Builder).Append(v.(float64))
			default:
				rb.Field(i).(*array.StringBuilder).Append(v.(string))
			}
		}
	}

	rec := rb.NewRecord()
	defer rec.Release()
	return array.NewTableFromRecords(schema, []arrow.Record{rec}), nil
}

// writeParquet streams a batch to one parquet file.
func writeParquet(b *batch.Batch, path string, compression Compression, rowGroupRows int64) error {
	codec, err := compression.codec()
	if err != nil {
		return err
	}
	tbl, err := toArrowTable(b)
	if err != nil {
		return err
	}
	defer tbl.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrProps := pqarrow.DefaultWriterProps()
	// WriteTable closes an io.Closer sink when it finishes; hide Close so
	// the file stays open for the fsync before rename.
	if err := pqarrow.WriteTable(tbl, struct{ io.Writer }{f}, rowGroupRows, props, arrProps); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readParquet loads a parquet file back into a batch over the given schema.
// Used by coalesce; column order must match the written layout.
func readParquet(ctx context.Context, path string, s *batch.Schema) (*batch.Batch, error) {
	const op = "lake.read"
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, op, err)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, op, err)
	}
	defer tbl.Release()

	if int(tbl.NumCols()) != len(s.Columns) {
		return nil, errs.Newf(errs.Schema, op, "%s: %d columns, schema %s has %d",
			path, tbl.NumCols(), s.Name, len(s.Columns))
	}

	out := batch.New(s)
	out.Rows = make([][]any, tbl.NumRows())
	for r := range out.Rows {
		out.Rows[r] = make([]any, len(s.Columns))
	}

	for i, c := range s.Columns {
		col := tbl.Column(i)
		r := 0
		for _, chunk := range col.Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				if chunk.IsNull(j) {
					out.Rows[r][i] = nil
					r++
					continue
				}
				switch c.Kind {
				case batch.KindDate:
					out.Rows[r][i] = chunk.(*array.Date32).Value(j).ToTime()
				case batch.KindTimestamp:
					out.Rows[r][i] = chunk.(*array.Timestamp).Value(j).ToTime(arrow.Microsecond).UTC()
				case batch.KindInt64:
					out.Rows[r][i] = chunk.(*array.Int64).Value(j)
				case batch.KindFloat64:
					out.Rows[r][i] = chunk.(*array.Float64).Value(j)
				default:
					out.Rows[r][i] = chunk.(*array.String).Value(j)
				}
				r++
			}
		}
	}
	return out, nil
}

// ReadFile loads one parquet part into a batch over the given schema; the
// warehouse loader uses it to replay lake files.
func ReadFile(ctx context.Context, path string, s *batch.Schema) (*batch.Batch, error) {
	return readParquet(ctx, path, s)
}

// BodySchema is the dataset schema minus partition columns, i.e. the
// column layout actually stored in part files.
func BodySchema(ds dataset.Dataset) (*batch.Schema, error) {
	return bodySchemaOf(ds)
}

// parquetRowCount reads only the footer.
func parquetRowCount(path string) (int64, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return 0, err
	}
	defer rdr.Close()
	return rdr.NumRows(), nil
}
