package codec

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/variosync/tsconv"
)

// protobufCodec is the native binary batch format:
//
//	Batch  { repeated Record records = 1 }
//	Record { string series_id = 1; int64 unix_nanos = 2;
//	         repeated Field measurements = 3; repeated Field metadata = 4;
//	         string source_format = 5 }
//	Field  { string key = 1; double f64 = 2; int64 i64 = 3;
//	         string str = 4; bool b = 5; bool null = 6 }
//
// One of fields 2..6 is set per Field. Encoding goes through protowire
// directly; the schema is ours and has no generated bindings.
type protobufCodec struct{}

func registerBinary(reg *tsconv.Registry, o *options) {
	mc := &msgpackCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "protobuf",
		Extensions: []string{".pb", ".proto.bin"},
		MediaType:  "application/x-protobuf",
		Binary:     true,
	}, &protobufCodec{}, &protobufCodec{})
	reg.Register(tsconv.Descriptor{
		Format:     "msgpack",
		Extensions: []string{".msgpack", ".mp"},
		MediaType:  "application/msgpack",
		Binary:     true,
	}, mc, mc)
	registerAvro(reg, o)
}

func (c *protobufCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr("protobuf", "malformed tag", protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr("protobuf", "malformed field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, decodeErr("protobuf", "malformed record", protowire.ParseError(n))
		}
		b = b[n:]
		rec, skipped, ok := c.loadRecord(msg)
		res.SkippedValues += skipped
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (c *protobufCodec) loadRecord(b []byte) (tsconv.Record, int, bool) {
	series := ""
	var nanos int64
	haveNanos := false
	sourceFormat := ""
	measurements := tsconv.NewFields()
	metadata := tsconv.NewFields()
	skipped := 0

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return tsconv.Record{}, skipped, false
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return tsconv.Record{}, skipped, false
			}
			b = b[n:]
			series = s
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return tsconv.Record{}, skipped, false
			}
			b = b[n:]
			nanos = int64(v)
			haveNanos = true
		case (num == 3 || num == 4) && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return tsconv.Record{}, skipped, false
			}
			b = b[n:]
			target := measurements
			if num == 4 {
				target = metadata
			}
			if !c.loadField(msg, target) {
				skipped++
			}
		case num == 5 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return tsconv.Record{}, skipped, false
			}
			b = b[n:]
			sourceFormat = s
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return tsconv.Record{}, skipped, false
			}
			b = b[n:]
		}
	}

	if !haveNanos {
		return tsconv.Record{}, skipped, false
	}
	rec, err := tsconv.NewRecord(series, time.Unix(0, nanos).UTC(), measurements)
	if err != nil {
		return tsconv.Record{}, skipped, false
	}
	if metadata.Len() > 0 {
		rec.Metadata = metadata
	}
	rec.SourceFormat = sourceFormat
	if rec.SourceFormat == "" {
		rec.SourceFormat = "protobuf"
	}
	return rec, skipped, true
}

func (c *protobufCodec) loadField(b []byte, target *tsconv.Fields) bool {
	key := ""
	var value interface{}
	haveValue := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return false
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			key = s
		case num == 2 && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			value = math.Float64frombits(bits)
			haveValue = true
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			value = int64(v)
			haveValue = true
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			value = s
			haveValue = true
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			value = v != 0
			haveValue = true
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return false
			}
			b = b[n:]
			if v != 0 {
				value = nil
				haveValue = true
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return false
			}
			b = b[n:]
		}
	}

	if key == "" || !haveValue {
		return false
	}
	target.Set(key, value)
	return true
}

func (c *protobufCodec) Export(records []tsconv.Record) ([]byte, error) {
	var batch []byte
	for _, r := range records {
		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.BytesType)
		rec = protowire.AppendString(rec, r.SeriesID)
		rec = protowire.AppendTag(rec, 2, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(r.Timestamp.UnixNano()))
		rec = appendFieldSet(rec, 3, r.Measurements)
		rec = appendFieldSet(rec, 4, r.Metadata)
		if r.SourceFormat != "" {
			rec = protowire.AppendTag(rec, 5, protowire.BytesType)
			rec = protowire.AppendString(rec, r.SourceFormat)
		}
		batch = protowire.AppendTag(batch, 1, protowire.BytesType)
		batch = protowire.AppendBytes(batch, rec)
	}
	return batch, nil
}

func appendFieldSet(b []byte, num protowire.Number, fields *tsconv.Fields) []byte {
	for _, k := range fields.Keys() {
		v, _ := fields.Get(k)
		var f []byte
		f = protowire.AppendTag(f, 1, protowire.BytesType)
		f = protowire.AppendString(f, k)
		switch t := v.(type) {
		case nil:
			f = protowire.AppendTag(f, 6, protowire.VarintType)
			f = protowire.AppendVarint(f, 1)
		case float64:
			f = protowire.AppendTag(f, 2, protowire.Fixed64Type)
			f = protowire.AppendFixed64(f, math.Float64bits(t))
		case int64:
			f = protowire.AppendTag(f, 3, protowire.VarintType)
			f = protowire.AppendVarint(f, uint64(t))
		case string:
			f = protowire.AppendTag(f, 4, protowire.BytesType)
			f = protowire.AppendString(f, t)
		case bool:
			var bit uint64
			if t {
				bit = 1
			}
			f = protowire.AppendTag(f, 5, protowire.VarintType)
			f = protowire.AppendVarint(f, bit)
		default:
			// Non-scalar values cannot appear here; NewRecord and the
			// loaders guarantee the scalar set.
			continue
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b
}
