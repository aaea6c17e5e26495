// tsconv converts time series data between file formats and cleans it
// along the way. It contains the core record model, the codec
// registry, format detection, and the conversion pipeline; the format
// codecs themselves live in the codec sub-package and the cleaning
// operations in clean.
//
// A conversion runs in stages:
//
// 1. Detect
//
//    Unless the caller names a source format explicitly, Detect infers
//    one from the filename extension and the content itself. Extension
//    wins when it is unambiguous; otherwise binary magic numbers,
//    structural text markers, and delimiter voting are tried in that
//    order. A file nothing matches yields an AmbiguousFormatError
//    listing what was considered, rather than a guess.
//
// 2. Load
//
//    The source codec's Loader turns the raw bytes into Records. A
//    Record is one observation: a series identifier, a UTC timestamp,
//    at least one named measurement, and optional metadata. Loaders
//    are tolerant of partial damage where the format allows it; a
//    malformed cell is skipped and counted, and only a record with
//    nothing left is dropped. An input where every record is rejected
//    fails the whole conversion.
//
// 3. Clean
//
//    An optional clean.Pipeline runs ordered operations over the
//    loaded records: deduplication, outlier removal, gap filling,
//    resampling, and so on. Pipelines validate their configuration
//    up front so a typo fails before any data moves.
//
// 4. Export
//
//    The target codec's Exporter renders the surviving records.
//    Formats with a uniform schema (CSV, Parquet, Avro, ...) receive
//    the key union of all records so every row carries every column.
//
// The Registry holds the codecs. It is populated once, frozen, and
// read-only from then on, so lookups during conversion need no
// locking.
package tsconv
