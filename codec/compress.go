package codec

import (
	"bytes"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/variosync/tsconv"
)

// innerFormat is the payload format compression and archive exporters
// wrap. Loading re-detects the payload, so any text or binary format
// round-trips; exporting always wraps the canonical structured form.
const innerFormat = "json"

func registerCompression(reg *tsconv.Registry) {
	reg.Register(tsconv.Descriptor{
		Format:     "gzip",
		Extensions: []string{".gz", ".gzip"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte{0x1f, 0x8b}},
		},
		MediaType: "application/gzip",
		Binary:    true,
	}, &gzipCodec{reg: reg}, &gzipCodec{reg: reg})
	reg.Register(tsconv.Descriptor{
		Format:     "bzip2",
		Extensions: []string{".bz2"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("BZh")},
		},
		MediaType: "application/x-bzip2",
		Binary:    true,
	}, &bzip2Codec{reg: reg}, &bzip2Codec{reg: reg})
	reg.Register(tsconv.Descriptor{
		Format:     "zstd",
		Extensions: []string{".zst", ".zstd"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte{0x28, 0xb5, 0x2f, 0xfd}},
		},
		MediaType: "application/zstd",
		Binary:    true,
	}, &zstdCodec{reg: reg}, &zstdCodec{reg: reg})
}

// loadWrapped re-detects and loads a decompressed payload. name is a
// filename hint for the payload, possibly empty.
func loadWrapped(reg *tsconv.Registry, outer, name string, payload []byte) (*tsconv.LoadResult, error) {
	format, err := tsconv.Detect(reg, name, payload)
	if err != nil {
		return nil, decodeErr(outer, "detecting wrapped payload", err)
	}
	codec, err := reg.Lookup(format)
	if err != nil {
		return nil, decodeErr(outer, "resolving wrapped payload codec", err)
	}
	return codec.Loader.Load(payload)
}

// exportWrapped renders records in the inner format for wrapping.
func exportWrapped(reg *tsconv.Registry, outer string, records []tsconv.Record) ([]byte, error) {
	codec, err := reg.Lookup(innerFormat)
	if err != nil {
		return nil, encodeErr(outer, "resolving wrapped payload codec", err)
	}
	return codec.Exporter.Export(records)
}

type gzipCodec struct {
	reg *tsconv.Registry
}

func (c *gzipCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, decodeErr("gzip", "opening stream", err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, decodeErr("gzip", "decompressing", err)
	}
	// The gzip header may carry the original filename.
	name := zr.Name
	if err := zr.Close(); err != nil {
		return nil, decodeErr("gzip", "closing stream", err)
	}
	return loadWrapped(c.reg, "gzip", name, payload)
}

func (c *gzipCodec) Export(records []tsconv.Record) ([]byte, error) {
	payload, err := exportWrapped(c.reg, "gzip", records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = "data." + innerFormat
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, encodeErr("gzip", "compressing", err)
	}
	if err := zw.Close(); err != nil {
		return nil, encodeErr("gzip", "closing stream", err)
	}
	return buf.Bytes(), nil
}

type bzip2Codec struct {
	reg *tsconv.Registry
}

func (c *bzip2Codec) Load(data []byte) (*tsconv.LoadResult, error) {
	zr, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, decodeErr("bzip2", "opening stream", err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, decodeErr("bzip2", "decompressing", err)
	}
	if err := zr.Close(); err != nil {
		return nil, decodeErr("bzip2", "closing stream", err)
	}
	return loadWrapped(c.reg, "bzip2", "", payload)
}

func (c *bzip2Codec) Export(records []tsconv.Record) ([]byte, error) {
	payload, err := exportWrapped(c.reg, "bzip2", records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, encodeErr("bzip2", "opening stream", err)
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, encodeErr("bzip2", "compressing", err)
	}
	if err := zw.Close(); err != nil {
		return nil, encodeErr("bzip2", "closing stream", err)
	}
	return buf.Bytes(), nil
}

type zstdCodec struct {
	reg *tsconv.Registry
}

func (c *zstdCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, decodeErr("zstd", "opening stream", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, decodeErr("zstd", "decompressing", err)
	}
	return loadWrapped(c.reg, "zstd", "", payload)
}

func (c *zstdCodec) Export(records []tsconv.Record) ([]byte, error) {
	payload, err := exportWrapped(c.reg, "zstd", records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, encodeErr("zstd", "opening stream", err)
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, encodeErr("zstd", "compressing", err)
	}
	if err := zw.Close(); err != nil {
		return nil, encodeErr("zstd", "closing stream", err)
	}
	return buf.Bytes(), nil
}
