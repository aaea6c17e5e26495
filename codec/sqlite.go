package codec

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/variosync/tsconv"
)

// sqliteCodec stores records in a single-table SQLite database. SQLite
// has no streaming in-memory serialization through database/sql, so
// this is the one codec that stages its bytes through a temp file; the
// file is removed before returning either way.
type sqliteCodec struct {
	defSeries string
}

const sqliteTable = "time_series_data"

func registerSQLite(reg *tsconv.Registry, o *options) {
	sc := &sqliteCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "sqlite",
		Extensions: []string{".db", ".sqlite", ".sqlite3"},
		Magic: []tsconv.Magic{
			{Offset: 0, Prefix: []byte("SQLite format 3\x00")},
		},
		MediaType:     "application/vnd.sqlite3",
		UniformSchema: true,
		Binary:        true,
	}, sc, sc)
}

func (c *sqliteCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	path, cleanup, err := stageTempFile(data)
	if err != nil {
		return nil, decodeErr("sqlite", "staging database", err)
	}
	defer cleanup()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, decodeErr("sqlite", "opening database", err)
	}
	defer db.Close()

	table, err := pickTable(db)
	if err != nil {
		return nil, decodeErr("sqlite", "finding data table", err)
	}

	rows, err := db.Query("SELECT * FROM " + quoteIdent(table))
	if err != nil {
		return nil, decodeErr("sqlite", "querying table", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, decodeErr("sqlite", "reading columns", err)
	}

	res := &tsconv.LoadResult{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			res.DroppedRecords++
			continue
		}
		f := tsconv.NewFields()
		skipped := 0
		for i, name := range cols {
			v, err := tsconv.CoerceScalar(vals[i])
			if err != nil {
				skipped++
				continue
			}
			if strings.HasPrefix(name, measurePrefix) {
				name = strings.TrimPrefix(name, measurePrefix)
			}
			f.Set(name, v)
		}
		rec, sk, ok := recordFromFields(f, "sqlite", c.defSeries)
		res.SkippedValues += skipped + sk
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, decodeErr("sqlite", "scanning rows", err)
	}
	return res, nil
}

// pickTable prefers the canonical table name, then falls back to the
// first user table in the database.
func pickTable(db *sql.DB) (string, error) {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", sqliteTable,
	).Scan(&name)
	if err == nil {
		return name, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name LIMIT 1",
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no tables in database")
	}
	return name, err
}

func (c *sqliteCodec) Export(records []tsconv.Record) ([]byte, error) {
	measure, meta := unionKeys(records)

	path, cleanup, err := stageTempFile(nil)
	if err != nil {
		return nil, encodeErr("sqlite", "staging database", err)
	}
	defer cleanup()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, encodeErr("sqlite", "opening database", err)
	}

	type col struct {
		name    string
		sqlType string
		get     func(r tsconv.Record) (interface{}, bool)
	}
	cols := []col{
		{name: colSeries, sqlType: "TEXT"},
		{name: colTimestamp, sqlType: "TEXT"},
	}
	for _, k := range measure {
		key := k
		get := func(r tsconv.Record) (interface{}, bool) { return r.Measurements.Get(key) }
		cols = append(cols, col{name: measurePrefix + key, sqlType: sqliteType(records, get), get: get})
	}
	for _, k := range meta {
		key := k
		get := func(r tsconv.Record) (interface{}, bool) { return r.Metadata.Get(key) }
		cols = append(cols, col{name: metaPrefix + key, sqlType: sqliteType(records, get), get: get})
	}

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE " + quoteIdent(sqliteTable) + " (")
	for i, c := range cols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		ddl.WriteString(quoteIdent(c.name) + " " + c.sqlType)
	}
	ddl.WriteString(")")
	if _, err := db.Exec(ddl.String()); err != nil {
		db.Close()
		return nil, encodeErr("sqlite", "creating table", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	insert := "INSERT INTO " + quoteIdent(sqliteTable) + " VALUES (" + placeholders + ")"
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, encodeErr("sqlite", "starting transaction", err)
	}
	stmt, err := tx.Prepare(insert)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, encodeErr("sqlite", "preparing insert", err)
	}
	for _, r := range records {
		args := make([]interface{}, 0, len(cols))
		args = append(args, r.SeriesID, formatTimestamp(r.Timestamp))
		for _, c := range cols[2:] {
			v, ok := c.get(r)
			if !ok || v == nil {
				args = append(args, nil)
				continue
			}
			args = append(args, v)
		}
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			db.Close()
			return nil, encodeErr("sqlite", "inserting row", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, encodeErr("sqlite", "committing", err)
	}
	if err := db.Close(); err != nil {
		return nil, encodeErr("sqlite", "closing database", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		return nil, encodeErr("sqlite", "reading database file", err)
	}
	return out, nil
}

func sqliteType(records []tsconv.Record, get func(r tsconv.Record) (interface{}, bool)) string {
	switch avroColumnType(records, get) {
	case "double":
		return "REAL"
	case "long", "boolean":
		return "INTEGER"
	}
	return "TEXT"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// stageTempFile writes data (possibly empty) to a fresh temp file and
// returns its path plus a cleanup func.
func stageTempFile(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "tsconv-sqlite-*.db")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			f.Close()
			cleanup()
			return "", nil, err
		}
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
