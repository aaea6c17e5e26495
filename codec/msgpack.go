package codec

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/variosync/tsconv"
)

// msgpackCodec streams records as a sequence of msgpack maps in the
// canonical wire shape. Decoded map keys are visited in sorted order so
// a load is deterministic regardless of encoder map ordering.
type msgpackCodec struct {
	defSeries string
}

func (c *msgpackCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	res := &tsconv.LoadResult{}
	sawAny := false
	for {
		var raw map[string]interface{}
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			if !sawAny {
				return nil, decodeErr("msgpack", "decoding map", err)
			}
			res.DroppedRecords++
			break
		}
		sawAny = true
		f, skipped := fieldsFromMap(raw)
		res.SkippedValues += skipped
		rec, skipped2, ok := recordFromFields(f, "msgpack", c.defSeries)
		res.SkippedValues += skipped2
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if !sawAny {
		return nil, decodeErr("msgpack", "empty input", nil)
	}
	return res, nil
}

// fieldsFromMap converts a decoded map into Fields, recursing into
// nested maps. Unconvertible values are skipped and counted.
func fieldsFromMap(m map[string]interface{}) (*tsconv.Fields, int) {
	f := tsconv.NewFields()
	skipped := 0
	for _, k := range sortedKeys(m) {
		v := m[k]
		switch t := v.(type) {
		case map[string]interface{}:
			nested, sk := fieldsFromMap(t)
			skipped += sk
			f.Set(k, nested)
		case map[interface{}]interface{}:
			conv := map[string]interface{}{}
			for mk, mv := range t {
				if s, ok := mk.(string); ok {
					conv[s] = mv
				} else {
					skipped++
				}
			}
			nested, sk := fieldsFromMap(conv)
			skipped += sk
			f.Set(k, nested)
		default:
			cv, err := tsconv.CoerceScalar(v)
			if err != nil {
				skipped++
				continue
			}
			f.Set(k, cv)
		}
	}
	return f, skipped
}

func (c *msgpackCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(wireMap(r)); err != nil {
			return nil, encodeErr("msgpack", "encoding record", err)
		}
	}
	return buf.Bytes(), nil
}

// wireMap renders a record as plain maps for msgpack encoding.
func wireMap(r tsconv.Record) map[string]interface{} {
	m := map[string]interface{}{
		colSeries:      r.SeriesID,
		colTimestamp:   formatTimestamp(r.Timestamp),
		"measurements": fieldsToMap(r.Measurements),
	}
	if r.Metadata.Len() > 0 {
		m["metadata"] = fieldsToMap(r.Metadata)
	}
	if r.SourceFormat != "" {
		m["source_format"] = r.SourceFormat
	}
	return m
}

func fieldsToMap(f *tsconv.Fields) map[string]interface{} {
	m := make(map[string]interface{}, f.Len())
	for _, k := range f.Keys() {
		v, _ := f.Get(k)
		m[k] = v
	}
	return m
}
