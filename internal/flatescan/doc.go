// Package flatescan decodes a gzip-wrapped deflate stream while exposing
// the decoder state that checkpoint-based random access needs: bit-precise
// block boundaries, the 32 KiB sliding window, and the running uncompressed
// offset.
//
// Neither the standard library's compress/flate nor klauspost's port
// expose any of this (zlib reaches it through inflatePrime and
// inflateGetDictionary), so the scanner carries its own inflate loop. It is
// used only by the indexer's single forward pass; seeking back into the
// stream is done with a preset-dictionary flate reader over a bit-shifted
// view of the compressed bytes, not with this package.
package flatescan
