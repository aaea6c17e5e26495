package codec

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/variosync/tsconv"
)

// The archive codecs wrap a single data member. Loading picks the
// first regular file and re-detects its format from the member name
// and content; exporting writes one member in the inner format.
func registerArchive(reg *tsconv.Registry) {
	reg.Register(tsconv.Descriptor{
		Format:     "zip",
		Extensions: []string{".zip"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("PK\x03\x04")},
		},
		MediaType: "application/zip",
		Binary:    true,
	}, &zipCodec{reg: reg}, &zipCodec{reg: reg})
	reg.Register(tsconv.Descriptor{
		Format:     "tar",
		Extensions: []string{".tar"},
		Magic: []tsconv.Magic{
			{Offset: 257, Prefix: []byte("ustar")},
		},
		MediaType: "application/x-tar",
		Binary:    true,
	}, &tarCodec{reg: reg}, &tarCodec{reg: reg})
}

type zipCodec struct {
	reg *tsconv.Registry
}

func (c *zipCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, decodeErr("zip", "opening archive", err)
	}
	for _, member := range zr.File {
		if member.FileInfo().IsDir() || strings.HasPrefix(member.Name, "__MACOSX/") {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return nil, decodeErr("zip", "opening member", err)
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, decodeErr("zip", "reading member", err)
		}
		return loadWrapped(c.reg, "zip", member.Name, payload)
	}
	return nil, decodeErr("zip", "archive has no file members", nil)
}

func (c *zipCodec) Export(records []tsconv.Record) ([]byte, error) {
	payload, err := exportWrapped(c.reg, "zip", records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("data." + innerFormat)
	if err != nil {
		zw.Close()
		return nil, encodeErr("zip", "creating member", err)
	}
	if _, err := w.Write(payload); err != nil {
		zw.Close()
		return nil, encodeErr("zip", "writing member", err)
	}
	if err := zw.Close(); err != nil {
		return nil, encodeErr("zip", "closing archive", err)
	}
	return buf.Bytes(), nil
}

type tarCodec struct {
	reg *tsconv.Registry
}

func (c *tarCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, decodeErr("tar", "reading archive", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, decodeErr("tar", "reading member", err)
		}
		return loadWrapped(c.reg, "tar", hdr.Name, payload)
	}
	return nil, decodeErr("tar", "archive has no file members", nil)
}

func (c *tarCodec) Export(records []tsconv.Record) ([]byte, error) {
	payload, err := exportWrapped(c.reg, "tar", records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "data." + innerFormat,
		Mode:    0o644,
		Size:    int64(len(payload)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		tw.Close()
		return nil, encodeErr("tar", "writing header", err)
	}
	if _, err := tw.Write(payload); err != nil {
		tw.Close()
		return nil, encodeErr("tar", "writing member", err)
	}
	if err := tw.Close(); err != nil {
		return nil, encodeErr("tar", "closing archive", err)
	}
	return buf.Bytes(), nil
}
