// Package storage groups the on-disk codecs of the historical snapshot store.
//
// Both codecs expose the same table:
//
//	timestamp | NodeName | CPULoad | RealMemory | FreeMem | State
//
// The csvfile codec writes a plain CSV file with an RFC 3339 timestamp
// column. The parquet codec writes the same columns with the timestamp
// stored as Unix microseconds. Either file is rewritten whole on every
// merge; see the history package for the atomic replace.
package storage
