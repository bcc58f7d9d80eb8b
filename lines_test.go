package pfw

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinesIterator(t *testing.T) {
	f := newStreamFixture(t, randomLines(rand.New(rand.NewSource(12)), 600))

	var got [][]byte
	for line, err := range f.reader.Lines(10, 42) {
		require.NoError(t, err)
		got = append(got, append([]byte(nil), line...))
	}
	require.Len(t, got, 33)
	for i, line := range got {
		assert.Equal(t, f.lines[9+i], line)
	}
}

func TestLinesIteratorEarlyBreak(t *testing.T) {
	f := newStreamFixture(t, randomLines(rand.New(rand.NewSource(13)), 200))

	count := 0
	for _, err := range f.reader.Lines(1, f.reader.NumLines()) {
		require.NoError(t, err)
		count++
		if count == 5 {
			break
		}
	}
	assert.Equal(t, 5, count)
}

func TestLinesIteratorBadRange(t *testing.T) {
	f := newStreamFixture(t, traceLines(10))

	var sawErr error
	for _, err := range f.reader.Lines(5, 99999) {
		sawErr = err
	}
	assert.ErrorIs(t, sawErr, ErrOutOfRange)
}
