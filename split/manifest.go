package split

import "math"

// ChunkSpec binds one contiguous line range of one input file to an
// output chunk. Line numbers are authoritative; byte offsets are seek
// hints derived from a uniform bytes-per-line assumption, corrected by
// line alignment at stream level.
type ChunkSpec struct {
	FilePath  string
	IndexPath string
	StartByte uint64
	EndByte   uint64
	StartLine uint64
	EndLine   uint64
	SizeMB    float64
}

// Lines returns the number of lines the spec covers.
func (s ChunkSpec) Lines() uint64 { return s.EndLine - s.StartLine + 1 }

// ChunkManifest is the ordered list of specs composing one output chunk.
type ChunkManifest struct {
	Specs       []ChunkSpec
	TotalSizeMB float64
}

// add appends a spec and accounts its size.
func (m *ChunkManifest) add(s ChunkSpec) {
	m.Specs = append(m.Specs, s)
	m.TotalSizeMB += s.SizeMB
}

// chunkFullRatio is the fill level at which a chunk is sealed even
// though a little capacity remains; matching the extractor's real output
// exactly is impossible anyway because sizes are estimates.
const chunkFullRatio = 0.95

// MapManifests partitions the line space of the input files into chunk
// manifests of roughly targetMB each. Files are consumed in input
// order and may be split across consecutive chunks but never reordered;
// per file, the emitted line ranges tile [StartLine, EndLine] exactly.
// The mapping is pure and deterministic.
func MapManifests(metadata []FileMetadata, targetMB float64) []ChunkManifest {
	var manifests []ChunkManifest
	var current ChunkManifest

	flush := func() {
		if len(current.Specs) > 0 {
			manifests = append(manifests, current)
			current = ChunkManifest{}
		}
	}

	for _, file := range metadata {
		if !file.OK() {
			continue
		}
		totalLines := file.EndLine - file.StartLine + 1
		bytesPerLine := file.SizeMB * bytesPerMB / float64(totalLines)

		cur := file.StartLine
		for cur <= file.EndLine {
			remainingLines := file.EndLine - cur + 1
			capacity := targetMB - current.TotalSizeMB
			if capacity <= 0 {
				if len(current.Specs) > 0 {
					flush()
					continue
				}
				capacity = targetMB
			}

			var take uint64
			if file.SizePerLineMB > 0 {
				take = uint64(math.Round(capacity / file.SizePerLineMB))
			} else {
				take = remainingLines
			}
			if take < 1 {
				take = 1
			}
			if take > remainingLines {
				take = remainingLines
			}

			endLine := cur + take - 1
			spec := ChunkSpec{
				FilePath:  file.Path,
				IndexPath: file.IndexPath,
				StartByte: uint64(float64(cur-file.StartLine) * bytesPerLine),
				EndByte:   uint64(float64(endLine-file.StartLine+1) * bytesPerLine),
				StartLine: cur,
				EndLine:   endLine,
				SizeMB:    float64(take) * file.SizePerLineMB,
			}
			current.add(spec)
			cur = endLine + 1

			if current.TotalSizeMB >= targetMB*chunkFullRatio {
				flush()
			}
		}
	}
	flush()
	return manifests
}
