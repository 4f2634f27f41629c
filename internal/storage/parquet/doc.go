// Package parquet reads and writes the historical snapshot store as a
// Parquet file.
//
// The package provides:
//   - Encode/Decode for whole-file rewrites of the snapshot collection
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Type conversion between snapshots and Parquet rows
package parquet
