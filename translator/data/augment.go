package data

import (
	"fmt"
	"io"
	"math/rand"
)

// AToB turns one bilingual row into a single directional example translating
// language a into language b.
func AToB(row Row, a, b string) (Example, error) {
	src, ok := row[a]
	if !ok {
		return Example{}, fmt.Errorf("row is missing language column %q", a)
	}
	dst, ok := row[b]
	if !ok {
		return Example{}, fmt.Errorf("row is missing language column %q", b)
	}
	return Example{Inputs: src, Targets: dst}, nil
}

// MultiTrans applies bidirectional augmentation: every bilingual row yields
// two directional examples, a->b followed by b->a.
func MultiTrans(rows []Row, a, b string) (*Dataset, error) {
	examples := make([]Example, 0, 2*len(rows))
	for i, row := range rows {
		fwd, err := AToB(row, a, b)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rev, err := AToB(row, b, a)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		examples = append(examples, fwd, rev)
	}
	return NewDataset(examples), nil
}

// ExampleIter yields directional examples lazily. Next returns io.EOF when
// the underlying source is exhausted.
type ExampleIter interface {
	Next() (Example, error)
	Close() error
}

// directionIter maps a row stream into one translation direction.
type directionIter struct {
	rows *RowReader
	a, b string
}

// OpenDirection streams a JSONL file of bilingual rows as a->b examples.
func OpenDirection(path, a, b string) (ExampleIter, error) {
	rows, err := OpenRows(path)
	if err != nil {
		return nil, err
	}
	return &directionIter{rows: rows, a: a, b: b}, nil
}

func (d *directionIter) Next() (Example, error) {
	row, err := d.rows.Next()
	if err != nil {
		return Example{}, err
	}
	return AToB(row, d.a, d.b)
}

func (d *directionIter) Close() error { return d.rows.Close() }

// interleaveIter alternates between sources round-robin, skipping exhausted
// ones until all report io.EOF.
type interleaveIter struct {
	sources []ExampleIter
	done    []bool
	next    int
}

// Interleave combines several example streams into one. The seed fixes the
// source the interleaving starts from so runs are reproducible.
func Interleave(seed int64, sources ...ExampleIter) ExampleIter {
	it := &interleaveIter{
		sources: sources,
		done:    make([]bool, len(sources)),
	}
	if len(sources) > 0 {
		it.next = int(rand.New(rand.NewSource(seed)).Int63n(int64(len(sources))))
	}
	return it
}

func (it *interleaveIter) Next() (Example, error) {
	for range it.sources {
		i := it.next
		it.next = (it.next + 1) % len(it.sources)
		if it.done[i] {
			continue
		}
		ex, err := it.sources[i].Next()
		if err == io.EOF {
			it.done[i] = true
			continue
		}
		if err != nil {
			return Example{}, err
		}
		return ex, nil
	}
	return Example{}, io.EOF
}

func (it *interleaveIter) Close() error {
	var firstErr error
	for _, s := range it.sources {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// shuffleIter approximates a full shuffle with a bounded buffer: each yielded
// example is drawn at a random buffer position, which is then refilled from
// the source. Matches streaming-shuffle semantics for large datasets.
type shuffleIter struct {
	inner ExampleIter
	buf   []Example
	rng   *rand.Rand
	size  int
	eof   bool
}

// ShuffleBuffer wraps a stream with seeded bounded-buffer shuffling.
func ShuffleBuffer(inner ExampleIter, size int, seed int64) ExampleIter {
	if size < 1 {
		size = 1
	}
	return &shuffleIter{
		inner: inner,
		buf:   make([]Example, 0, size),
		rng:   rand.New(rand.NewSource(seed)),
		size:  size,
	}
}

func (s *shuffleIter) Next() (Example, error) {
	for !s.eof && len(s.buf) < s.size {
		ex, err := s.inner.Next()
		if err == io.EOF {
			s.eof = true
			break
		}
		if err != nil {
			return Example{}, err
		}
		s.buf = append(s.buf, ex)
	}
	if len(s.buf) == 0 {
		return Example{}, io.EOF
	}
	i := s.rng.Intn(len(s.buf))
	ex := s.buf[i]
	last := len(s.buf) - 1
	s.buf[i] = s.buf[last]
	s.buf = s.buf[:last]
	return ex, nil
}

func (s *shuffleIter) Close() error { return s.inner.Close() }
