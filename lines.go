package pfw

import (
	"io"
	"iter"
)

// Lines returns an iterator over lines [start, end] of the decompressed
// archive, each including its newline. The yielded slice is only valid
// for that iteration. A non-nil error is yielded at most once, as the
// final element; range construction errors surface the same way.
func (r *Reader) Lines(start, end uint64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		st, err := r.Stream(StreamConfig{
			Kind:  KindLine,
			Range: LineRange,
			Start: start,
			End:   end,
		})
		if err != nil {
			yield(nil, err)
			return
		}
		defer st.Close()
		ls := st.(LineStream)
		for {
			line, err := ls.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}
