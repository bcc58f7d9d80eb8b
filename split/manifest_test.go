package split

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMetadata builds a plausible metadata record for mapper tests.
func fakeMetadata(i int, lines uint64, sizeMB float64) FileMetadata {
	events := lines
	if lines > 2 {
		events = lines - 2
	}
	return FileMetadata{
		Path:          fmt.Sprintf("/in/file-%d.pfw.gz", i),
		IndexPath:     fmt.Sprintf("/idx/file-%d.idx", i),
		SizeMB:        sizeMB,
		StartLine:     1,
		EndLine:       lines,
		ValidEvents:   events,
		SizePerLineMB: sizeMB / float64(events),
	}
}

func TestMapManifestsCoverage(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 60
	properties := gopter.NewProperties(params)

	properties.Property("specs tile each file's line space exactly", prop.ForAll(
		func(seed int64, targetMB int) bool {
			rng := rand.New(rand.NewSource(seed))
			var metadata []FileMetadata
			n := 1 + rng.Intn(6)
			for i := 0; i < n; i++ {
				lines := uint64(3 + rng.Intn(10000))
				sizeMB := 0.1 + rng.Float64()*20
				metadata = append(metadata, fakeMetadata(i, lines, sizeMB))
			}

			manifests := MapManifests(metadata, float64(targetMB))

			// Per file: ranges must appear in order with no gaps or overlaps,
			// starting at StartLine and ending at EndLine.
			next := make(map[string]uint64)
			for _, m := range metadata {
				next[m.Path] = m.StartLine
			}
			for _, manifest := range manifests {
				if len(manifest.Specs) == 0 {
					return false // no empty chunks
				}
				for _, spec := range manifest.Specs {
					if spec.StartLine != next[spec.FilePath] {
						return false
					}
					if spec.EndLine < spec.StartLine {
						return false
					}
					next[spec.FilePath] = spec.EndLine + 1
				}
			}
			for _, m := range metadata {
				if next[m.Path] != m.EndLine+1 {
					return false // some lines never mapped
				}
			}
			return true
		},
		gen.Int64Range(0, 1<<30),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestMapManifestsDeterministic(t *testing.T) {
	var metadata []FileMetadata
	for i := 0; i < 5; i++ {
		metadata = append(metadata, fakeMetadata(i, uint64(1000*(i+1)), float64(i+1)*3.3))
	}
	a := MapManifests(metadata, 4)
	b := MapManifests(metadata, 4)
	assert.Equal(t, a, b)
}

func TestMapManifestsPreservesFileOrder(t *testing.T) {
	metadata := []FileMetadata{
		fakeMetadata(0, 5000, 8),
		fakeMetadata(1, 5000, 8),
		fakeMetadata(2, 5000, 8),
	}
	manifests := MapManifests(metadata, 4)
	require.NotEmpty(t, manifests)

	lastFile := -1
	for _, manifest := range manifests {
		for _, spec := range manifest.Specs {
			var idx int
			_, err := fmt.Sscanf(spec.FilePath, "/in/file-%d.pfw.gz", &idx)
			require.NoError(t, err)
			require.GreaterOrEqual(t, idx, lastFile, "file order must be preserved")
			lastFile = idx
		}
	}
}

func TestMapManifestsSplitsAcrossChunks(t *testing.T) {
	// Files of 2, 3, and 5 MB at a 4 MB target: the middle chunk has to
	// stitch file-2's tail to file-3's head.
	metadata := []FileMetadata{
		fakeMetadata(0, 2000, 2),
		fakeMetadata(1, 3000, 3),
		fakeMetadata(2, 5000, 5),
	}
	manifests := MapManifests(metadata, 4)
	require.Len(t, manifests, 3)

	second := manifests[1]
	require.Len(t, second.Specs, 2)
	assert.Equal(t, metadata[1].Path, second.Specs[0].FilePath)
	assert.Equal(t, metadata[1].EndLine, second.Specs[0].EndLine)
	assert.Equal(t, metadata[2].Path, second.Specs[1].FilePath)
	assert.Equal(t, uint64(1), second.Specs[1].StartLine)
}

func TestMapManifestsSkipsFailedFiles(t *testing.T) {
	bad := fakeMetadata(0, 1000, 4)
	bad.Err = ErrTaskFailed
	metadata := []FileMetadata{bad, fakeMetadata(1, 1000, 1)}

	manifests := MapManifests(metadata, 4)
	require.NotEmpty(t, manifests)
	for _, manifest := range manifests {
		for _, spec := range manifest.Specs {
			assert.NotEqual(t, bad.Path, spec.FilePath)
		}
	}
}

func TestMapManifestsSizeBound(t *testing.T) {
	// Each chunk's estimate stays within one line's size of the target.
	metadata := []FileMetadata{fakeMetadata(0, 100000, 40)}
	target := 4.0
	manifests := MapManifests(metadata, target)
	require.Greater(t, len(manifests), 5)

	perLine := metadata[0].SizePerLineMB
	for i, m := range manifests {
		if i < len(manifests)-1 {
			assert.LessOrEqual(t, m.TotalSizeMB, target+perLine, "chunk %d", i)
			assert.GreaterOrEqual(t, m.TotalSizeMB, target*chunkFullRatio-perLine, "chunk %d", i)
		}
	}
}

func TestMapManifestsEmptyInput(t *testing.T) {
	assert.Empty(t, MapManifests(nil, 4))
	assert.Empty(t, MapManifests([]FileMetadata{{Path: "x", Err: ErrTaskFailed}}, 4))
}
