package codec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/variosync/tsconv"
)

// The three columnar formats share one arrow representation and differ
// only in the container: parquet files, the IPC file format (feather
// v2), and the IPC stream format.
func registerColumnar(reg *tsconv.Registry, o *options) {
	pq := &columnarCodec{format: "parquet", defSeries: o.defaultSeries}
	ft := &columnarCodec{format: "feather", defSeries: o.defaultSeries}
	ar := &columnarCodec{format: "arrow", defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "parquet",
		Extensions: []string{".parquet", ".pq"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("PAR1")},
		},
		MediaType:     "application/vnd.apache.parquet",
		UniformSchema: true,
		Binary:        true,
	}, pq, pq)
	reg.Register(tsconv.Descriptor{
		Format:     "feather",
		Extensions: []string{".feather", ".ft"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("ARROW1")},
		},
		MediaType:     "application/vnd.apache.arrow.file",
		UniformSchema: true,
		Binary:        true,
	}, ft, ft)
	reg.Register(tsconv.Descriptor{
		Format:     "arrow",
		Extensions: []string{".arrow", ".arrows"},
		Magic: []tsconv.Magic{
			// IPC stream continuation marker.
			{Offset: 0, Prefix: []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		},
		MediaType:     "application/vnd.apache.arrow.stream",
		UniformSchema: true,
		Binary:        true,
	}, ar, ar)
}

type columnarCodec struct {
	format    string
	defSeries string
}

func (c *columnarCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	pool := memory.NewGoAllocator()
	var batches []arrow.Record
	release := func() {
		for _, b := range batches {
			b.Release()
		}
	}
	defer release()

	switch c.format {
	case "parquet":
		pf, err := file.NewParquetReader(bytes.NewReader(data))
		if err != nil {
			return nil, decodeErr(c.format, "opening parquet file", err)
		}
		defer pf.Close()
		fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, pool)
		if err != nil {
			return nil, decodeErr(c.format, "opening arrow reader", err)
		}
		rr, err := fr.GetRecordReader(context.Background(), nil, nil)
		if err != nil {
			return nil, decodeErr(c.format, "reading row groups", err)
		}
		defer rr.Release()
		for rr.Next() {
			rec := rr.Record()
			rec.Retain()
			batches = append(batches, rec)
		}
	case "feather":
		fr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(pool))
		if err != nil {
			return nil, decodeErr(c.format, "opening ipc file", err)
		}
		defer fr.Close()
		for i := 0; i < fr.NumRecords(); i++ {
			rec, err := fr.Record(i)
			if err != nil {
				return nil, decodeErr(c.format, "reading batch", err)
			}
			rec.Retain()
			batches = append(batches, rec)
		}
	default: // arrow stream
		sr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(pool))
		if err != nil {
			return nil, decodeErr(c.format, "opening ipc stream", err)
		}
		defer sr.Release()
		for sr.Next() {
			rec := sr.Record()
			rec.Retain()
			batches = append(batches, rec)
		}
		if err := sr.Err(); err != nil {
			return nil, decodeErr(c.format, "reading stream", err)
		}
	}

	return c.recordsFromBatches(batches)
}

func (c *columnarCodec) recordsFromBatches(batches []arrow.Record) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	for _, batch := range batches {
		schema := batch.Schema()
		for row := 0; row < int(batch.NumRows()); row++ {
			f := tsconv.NewFields()
			skipped := 0
			for col := 0; col < int(batch.NumCols()); col++ {
				name := schema.Field(col).Name
				v, valid, supported := arrowValue(batch.Column(col), row)
				if !supported {
					skipped++
					continue
				}
				if !valid {
					v = nil
				}
				switch {
				case strings.HasPrefix(name, measurePrefix):
					f.Set(strings.TrimPrefix(name, measurePrefix), v)
				default:
					f.Set(name, v)
				}
			}
			rec, sk, ok := recordFromFields(f, c.format, c.defSeries)
			res.SkippedValues += skipped + sk
			if !ok {
				res.DroppedRecords++
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

// arrowValue extracts one cell, returning (value, valid, supported).
func arrowValue(arr arrow.Array, i int) (interface{}, bool, bool) {
	if arr.IsNull(i) {
		return nil, false, true
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), true, true
	case *array.LargeString:
		return a.Value(i), true, true
	case *array.Float64:
		return a.Value(i), true, true
	case *array.Float32:
		return float64(a.Value(i)), true, true
	case *array.Int64:
		return a.Value(i), true, true
	case *array.Int32:
		return int64(a.Value(i)), true, true
	case *array.Int16:
		return int64(a.Value(i)), true, true
	case *array.Int8:
		return int64(a.Value(i)), true, true
	case *array.Boolean:
		return a.Value(i), true, true
	case *array.Timestamp:
		typ := a.DataType().(*arrow.TimestampType)
		return timestampToTime(a.Value(i), typ.Unit), true, true
	}
	return nil, false, false
}

func timestampToTime(v arrow.Timestamp, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(int64(v), 0).UTC()
	case arrow.Millisecond:
		return time.Unix(0, int64(v)*int64(time.Millisecond)).UTC()
	case arrow.Microsecond:
		return time.Unix(0, int64(v)*int64(time.Microsecond)).UTC()
	default:
		return time.Unix(0, int64(v)).UTC()
	}
}

func (c *columnarCodec) Export(records []tsconv.Record) ([]byte, error) {
	pool := memory.NewGoAllocator()
	batch, err := buildArrowBatch(pool, records)
	if err != nil {
		return nil, encodeErr(c.format, "building batch", err)
	}
	defer batch.Release()

	var buf bytes.Buffer
	switch c.format {
	case "parquet":
		w, err := pqarrow.NewFileWriter(batch.Schema(), &buf,
			parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
		if err != nil {
			return nil, encodeErr(c.format, "opening parquet writer", err)
		}
		if err := w.Write(batch); err != nil {
			w.Close()
			return nil, encodeErr(c.format, "writing batch", err)
		}
		if err := w.Close(); err != nil {
			return nil, encodeErr(c.format, "closing parquet writer", err)
		}
	case "feather":
		// ipc.NewFileWriter needs an io.WriteSeeker; bytes.Buffer
		// cannot seek, so use an in-memory seekable buffer.
		var sb seekBuffer
		w, err := ipc.NewFileWriter(&sb, ipc.WithSchema(batch.Schema()), ipc.WithAllocator(pool))
		if err != nil {
			return nil, encodeErr(c.format, "opening ipc file writer", err)
		}
		if err := w.Write(batch); err != nil {
			w.Close()
			return nil, encodeErr(c.format, "writing batch", err)
		}
		if err := w.Close(); err != nil {
			return nil, encodeErr(c.format, "closing ipc file writer", err)
		}
		return sb.buf, nil
	default: // arrow stream
		w := ipc.NewWriter(&buf, ipc.WithSchema(batch.Schema()), ipc.WithAllocator(pool))
		if err := w.Write(batch); err != nil {
			w.Close()
			return nil, encodeErr(c.format, "writing batch", err)
		}
		if err := w.Close(); err != nil {
			return nil, encodeErr(c.format, "closing ipc writer", err)
		}
	}
	return buf.Bytes(), nil
}

// seekBuffer is a minimal in-memory io.WriteSeeker for writers that
// require seeking, such as the arrow IPC file writer.
type seekBuffer struct {
	buf []byte
	pos int64
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if need := s.pos + int64(len(p)); need > int64(len(s.buf)) {
		grown := make([]byte, need)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.pos:], p)
	s.pos += int64(len(p))
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("seekBuffer: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("seekBuffer: negative position")
	}
	s.pos = abs
	return abs, nil
}

// buildArrowBatch projects the records into one record batch. Column
// types are voted from the values present, like the avro exporter.
func buildArrowBatch(pool memory.Allocator, records []tsconv.Record) (arrow.Record, error) {
	measure, meta := unionKeys(records)

	type colSpec struct {
		name string
		typ  string
		get  func(r tsconv.Record) (interface{}, bool)
	}
	var specs []colSpec
	for _, k := range measure {
		key := k
		get := func(r tsconv.Record) (interface{}, bool) { return r.Measurements.Get(key) }
		specs = append(specs, colSpec{
			name: measurePrefix + key,
			typ:  avroColumnType(records, get),
			get:  get,
		})
	}
	for _, k := range meta {
		key := k
		get := func(r tsconv.Record) (interface{}, bool) { return r.Metadata.Get(key) }
		specs = append(specs, colSpec{
			name: metaPrefix + key,
			typ:  avroColumnType(records, get),
			get:  get,
		})
	}

	fields := []arrow.Field{
		{Name: colSeries, Type: arrow.BinaryTypes.String},
		{Name: colTimestamp, Type: &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}},
	}
	for _, s := range specs {
		var dt arrow.DataType
		switch s.typ {
		case "double":
			dt = arrow.PrimitiveTypes.Float64
		case "long":
			dt = arrow.PrimitiveTypes.Int64
		case "boolean":
			dt = arrow.FixedWidthTypes.Boolean
		default:
			dt = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{Name: s.name, Type: dt, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	bldr := array.NewRecordBuilder(pool, schema)
	defer bldr.Release()

	for _, r := range records {
		bldr.Field(0).(*array.StringBuilder).Append(r.SeriesID)
		bldr.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(r.Timestamp.UnixNano()))
		for i, s := range specs {
			fb := bldr.Field(i + 2)
			v, ok := s.get(r)
			if !ok || v == nil {
				fb.AppendNull()
				continue
			}
			switch s.typ {
			case "double":
				f, ok := scalarFloat(v)
				if !ok {
					fb.AppendNull()
					continue
				}
				fb.(*array.Float64Builder).Append(f)
			case "long":
				iv, ok := v.(int64)
				if !ok {
					fb.AppendNull()
					continue
				}
				fb.(*array.Int64Builder).Append(iv)
			case "boolean":
				bv, ok := v.(bool)
				if !ok {
					fb.AppendNull()
					continue
				}
				fb.(*array.BooleanBuilder).Append(bv)
			default:
				fb.(*array.StringBuilder).Append(formatScalar(v))
			}
		}
	}
	return bldr.NewRecord(), nil
}
