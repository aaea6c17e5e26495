package codec

import (
	"bytes"

	"github.com/xuri/excelize/v2"

	"github.com/variosync/tsconv"
)

// xlsxCodec reads and writes a single-sheet workbook. The sheet layout
// matches the delimited text formats: a header row, then one row per
// record. Loading reuses the same header and type-voting logic.
type xlsxCodec struct {
	defSeries string
}

const xlsxSheet = "Sheet1"

func registerXLSX(reg *tsconv.Registry, o *options) {
	xc := &xlsxCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "xlsx",
		Extensions: []string{".xlsx"},
		// xlsx is a zip container. Without the extension, content
		// sniffing sees the zip magic; the extension is the reliable
		// path.
		MediaType:     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		UniformSchema: true,
		Binary:        true,
	}, xc, xc)
}

func (c *xlsxCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, decodeErr("xlsx", "opening workbook", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, decodeErr("xlsx", "workbook has no sheets", nil)
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, decodeErr("xlsx", "reading rows", err)
	}
	return loadTable(rows, "xlsx", c.defSeries)
}

func (c *xlsxCodec) Export(records []tsconv.Record) ([]byte, error) {
	measure, meta := unionKeys(records)

	wb := excelize.NewFile()
	defer wb.Close()

	header := []interface{}{colSeries, colTimestamp}
	for _, k := range measure {
		header = append(header, k)
	}
	for _, k := range meta {
		header = append(header, metaPrefix+k)
	}
	if err := wb.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return nil, encodeErr("xlsx", "writing header", err)
	}

	for i, r := range records {
		row := []interface{}{r.SeriesID, formatTimestamp(r.Timestamp)}
		for _, k := range measure {
			row = append(row, xlsxCell(r.Measurements, k))
		}
		for _, k := range meta {
			row = append(row, xlsxCell(r.Metadata, k))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, encodeErr("xlsx", "computing cell name", err)
		}
		if err := wb.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return nil, encodeErr("xlsx", "writing row", err)
		}
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, encodeErr("xlsx", "serializing workbook", err)
	}
	return buf.Bytes(), nil
}

// xlsxCell keeps numeric cells numeric so the sheet stays usable; NA
// cells stay empty.
func xlsxCell(f *tsconv.Fields, key string) interface{} {
	v, ok := f.Get(key)
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64, int64, bool, string:
		return t
	}
	return formatScalar(v)
}
