package codec

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/variosync/tsconv"
)

// avroCodec stores records in an Avro object container file. The
// schema is derived per export: reserved columns plus one optional
// column per measurement and metadata key, prefixed so a round trip
// can reassemble the record.
type avroCodec struct {
	defSeries string
}

const measurePrefix = "measurement_"

func registerAvro(reg *tsconv.Registry, o *options) {
	ac := &avroCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "avro",
		Extensions: []string{".avro"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("Obj\x01")},
		},
		MediaType:     "application/avro",
		UniformSchema: true,
		Binary:        true,
	}, ac, ac)
}

func (c *avroCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	r, err := goavro.NewOCFReader(bytes.NewReader(data))
	if err != nil {
		return nil, decodeErr("avro", "opening container", err)
	}
	res := &tsconv.LoadResult{}
	for r.Scan() {
		datum, err := r.Read()
		if err != nil {
			res.DroppedRecords++
			continue
		}
		m, ok := datum.(map[string]interface{})
		if !ok {
			res.DroppedRecords++
			continue
		}
		rec, skipped, ok := c.loadDatum(m)
		res.SkippedValues += skipped
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if err := r.Err(); err != nil {
		return nil, decodeErr("avro", "scanning container", err)
	}
	return res, nil
}

func (c *avroCodec) loadDatum(m map[string]interface{}) (tsconv.Record, int, bool) {
	skipped := 0
	f := tsconv.NewFields()
	for _, k := range sortedKeys(m) {
		v := unwrapUnion(m[k])
		cv, err := tsconv.CoerceScalar(v)
		if err != nil {
			skipped++
			continue
		}
		switch {
		case strings.HasPrefix(k, measurePrefix):
			f.Set(strings.TrimPrefix(k, measurePrefix), cv)
		case strings.HasPrefix(k, metaPrefix):
			f.Set(metaPrefix+strings.TrimPrefix(k, metaPrefix), cv)
		default:
			f.Set(k, cv)
		}
	}
	rec, sk, ok := recordFromFields(f, "avro", c.defSeries)
	return rec, skipped + sk, ok
}

// unwrapUnion unpacks goavro's {"type": value} union representation.
func unwrapUnion(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}

func (c *avroCodec) Export(records []tsconv.Record) ([]byte, error) {
	measure, meta := unionKeys(records)
	schema, colTypes, err := buildAvroSchema(records, measure, meta)
	if err != nil {
		return nil, encodeErr("avro", "building schema", err)
	}

	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      &buf,
		Schema: schema,
	})
	if err != nil {
		return nil, encodeErr("avro", "opening container", err)
	}

	data := make([]interface{}, 0, len(records))
	for _, r := range records {
		datum := map[string]interface{}{
			colSeries:    r.SeriesID,
			colTimestamp: r.Timestamp.UnixNano(),
		}
		for _, k := range measure {
			col := measurePrefix + sanitizeAvroName(k)
			v, _ := r.Measurements.Get(k)
			datum[col] = avroUnionValue(v, colTypes[col])
		}
		for _, k := range meta {
			col := metaPrefix + sanitizeAvroName(k)
			v, _ := r.Metadata.Get(k)
			datum[col] = avroUnionValue(v, colTypes[col])
		}
		data = append(data, datum)
	}
	if err := w.Append(data); err != nil {
		return nil, encodeErr("avro", "appending records", err)
	}
	return buf.Bytes(), nil
}

// buildAvroSchema derives the container schema. Optional columns are
// ["null", T] unions; T comes from the values actually present.
func buildAvroSchema(records []tsconv.Record, measure, meta []string) (string, map[string]string, error) {
	type field struct {
		Name    string        `json:"name"`
		Type    interface{}   `json:"type"`
		Default interface{}   `json:"default"`
	}
	fields := []field{
		{Name: colSeries, Type: "string", Default: ""},
		{Name: colTimestamp, Type: "long", Default: 0},
	}
	colTypes := map[string]string{}
	add := func(col string, get func(r tsconv.Record) (interface{}, bool)) {
		typ := avroColumnType(records, get)
		colTypes[col] = typ
		fields = append(fields, field{
			Name:    col,
			Type:    []interface{}{"null", typ},
			Default: nil,
		})
	}
	for _, k := range measure {
		key := k
		add(measurePrefix+sanitizeAvroName(k), func(r tsconv.Record) (interface{}, bool) {
			return r.Measurements.Get(key)
		})
	}
	for _, k := range meta {
		key := k
		add(metaPrefix+sanitizeAvroName(k), func(r tsconv.Record) (interface{}, bool) {
			return r.Metadata.Get(key)
		})
	}

	schema := map[string]interface{}{
		"type":   "record",
		"name":   "TimeSeriesRecord",
		"fields": fields,
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return "", nil, err
	}
	return string(b), colTypes, nil
}

// avroColumnType votes a column type from the non-NA values present.
func avroColumnType(records []tsconv.Record, get func(r tsconv.Record) (interface{}, bool)) string {
	sawInt, sawFloat, sawBool, sawOther := false, false, false, false
	for _, r := range records {
		v, ok := get(r)
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case int64:
			sawInt = true
		case float64:
			sawFloat = true
		case bool:
			sawBool = true
		default:
			sawOther = true
		}
	}
	switch {
	case sawOther:
		return "string"
	case sawFloat && !sawBool:
		return "double"
	case sawInt && !sawBool && !sawFloat:
		return "long"
	case sawBool && !sawInt && !sawFloat:
		return "boolean"
	}
	return "string"
}

func avroUnionValue(v interface{}, typ string) interface{} {
	if v == nil {
		return nil
	}
	switch typ {
	case "double":
		if f, ok := scalarFloat(v); ok {
			return map[string]interface{}{"double": f}
		}
	case "long":
		if i, ok := v.(int64); ok {
			return map[string]interface{}{"long": i}
		}
	case "boolean":
		if b, ok := v.(bool); ok {
			return map[string]interface{}{"boolean": b}
		}
	case "string":
		return map[string]interface{}{"string": formatScalar(v)}
	}
	return nil
}

// sanitizeAvroName maps arbitrary keys onto the avro name charset.
func sanitizeAvroName(s string) string {
	var b strings.Builder
	for i, r := range s {
		valid := r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
