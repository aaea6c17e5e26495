package codec

import (
	"math"
	"time"

	"github.com/klauspost/compress/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/variosync/tsconv"
)

// remoteWriteCodec handles the prometheus remote write payload: a
// snappy block-compressed WriteRequest protobuf. The message layout is
// small and stable, so it is encoded and decoded directly with
// protowire instead of generated code:
//
//	WriteRequest { repeated TimeSeries timeseries = 1 }
//	TimeSeries   { repeated Label labels = 1; repeated Sample samples = 2 }
//	Label        { string name = 1; string value = 2 }
//	Sample       { double value = 1; int64 timestamp = 2 }  // ms
type remoteWriteCodec struct {
	defSeries string
}

const metricNameLabel = "__name__"

func (c *remoteWriteCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, decodeErr("prometheus-remote-write", "snappy decompression", err)
	}
	res := &tsconv.LoadResult{}
	group := newSampleGroup()
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, decodeErr("prometheus-remote-write", "malformed tag", protowire.ParseError(n))
		}
		raw = raw[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, decodeErr("prometheus-remote-write", "malformed field", protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}
		tsBytes, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, decodeErr("prometheus-remote-write", "malformed timeseries", protowire.ParseError(n))
		}
		raw = raw[n:]
		if err := c.loadTimeSeries(tsBytes, group, res); err != nil {
			return nil, err
		}
	}
	res.Records = group.records()
	return res, nil
}

func (c *remoteWriteCodec) loadTimeSeries(b []byte, group *sampleGroup, res *tsconv.LoadResult) error {
	metric := ""
	series := c.defSeries
	meta := tsconv.NewFields()
	type sample struct {
		value float64
		ts    time.Time
	}
	var samples []sample

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr("prometheus-remote-write", "malformed timeseries tag", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return decodeErr("prometheus-remote-write", "malformed timeseries field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return decodeErr("prometheus-remote-write", "malformed submessage", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1: // Label
			name, value, err := parseLabel(msg)
			if err != nil {
				return err
			}
			switch {
			case name == metricNameLabel:
				metric = value
			case matchKey(name, seriesKeys):
				series = value
			default:
				meta.Set(name, value)
			}
		case 2: // Sample
			value, ms, err := parseSample(msg)
			if err != nil {
				return err
			}
			samples = append(samples, sample{value: value, ts: time.Unix(0, ms*int64(time.Millisecond)).UTC()})
		}
	}

	if metric == "" {
		res.DroppedRecords += len(samples)
		return nil
	}
	for _, s := range samples {
		group.add(series, s.ts, metric, s.value, meta, "prometheus-remote-write")
	}
	return nil
}

func parseLabel(b []byte) (string, string, error) {
	var name, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", decodeErr("prometheus-remote-write", "malformed label", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", decodeErr("prometheus-remote-write", "malformed label field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", decodeErr("prometheus-remote-write", "malformed label string", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			name = s
		case 2:
			value = s
		}
	}
	return name, value, nil
}

func parseSample(b []byte) (float64, int64, error) {
	var value float64
	var ms int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, decodeErr("prometheus-remote-write", "malformed sample", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, 0, decodeErr("prometheus-remote-write", "malformed sample value", protowire.ParseError(n))
			}
			b = b[n:]
			value = math.Float64frombits(bits)
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, 0, decodeErr("prometheus-remote-write", "malformed sample timestamp", protowire.ParseError(n))
			}
			b = b[n:]
			ms = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, decodeErr("prometheus-remote-write", "malformed sample field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return value, ms, nil
}

func (c *remoteWriteCodec) Export(records []tsconv.Record) ([]byte, error) {
	var req []byte
	for _, r := range records {
		ms := r.Timestamp.UnixMilli()
		for _, k := range r.Measurements.Keys() {
			v, _ := r.Measurements.Get(k)
			f, ok := scalarFloat(v)
			if !ok {
				continue
			}
			var ts []byte
			ts = appendLabel(ts, metricNameLabel, sanitizePromName(k))
			ts = appendLabel(ts, "series_id", r.SeriesID)
			for _, mk := range r.Metadata.Keys() {
				mv, _ := r.Metadata.Get(mk)
				ts = appendLabel(ts, sanitizePromName(mk), formatScalar(mv))
			}
			var sample []byte
			sample = protowire.AppendTag(sample, 1, protowire.Fixed64Type)
			sample = protowire.AppendFixed64(sample, math.Float64bits(f))
			sample = protowire.AppendTag(sample, 2, protowire.VarintType)
			sample = protowire.AppendVarint(sample, uint64(ms))
			ts = protowire.AppendTag(ts, 2, protowire.BytesType)
			ts = protowire.AppendBytes(ts, sample)

			req = protowire.AppendTag(req, 1, protowire.BytesType)
			req = protowire.AppendBytes(req, ts)
		}
	}
	return snappy.Encode(nil, req), nil
}

func appendLabel(b []byte, name, value string) []byte {
	var label []byte
	label = protowire.AppendTag(label, 1, protowire.BytesType)
	label = protowire.AppendString(label, name)
	label = protowire.AppendTag(label, 2, protowire.BytesType)
	label = protowire.AppendString(label, value)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, label)
}
