// Package split partitions directories of DFTracer trace archives into
// size-bounded output chunks.
//
// The pipeline runs in three stages over a bounded worker pool: per-file
// metadata collection (which builds gzip indexes as a side effect), a
// sequential, deterministic manifest mapping that partitions the logical
// line space across inputs, and parallel chunk extraction that re-reads
// the mapped line ranges, drops anything that is not a complete JSON
// event, and writes each chunk as a Chrome-trace JSON array. An optional
// verification stage re-reads the produced chunks and compares a
// content hash of the extracted event identifiers against the inputs.
package split
