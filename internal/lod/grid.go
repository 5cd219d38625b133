package lod

// GridEnumerator is a mixed-radix counter over per-parameter test counts. The
// lowest-order digit is the first parameter.
//
// It follows the Scan idiom: Advance must be called before the first tuple is
// available.
//
//	for e.Advance() {
//		point := e.Current()
//	}
type GridEnumerator struct {
	counts  []int
	current []int
	started bool
	done    bool
}

// NewGridEnumerator creates an enumerator positioned before the first tuple.
func NewGridEnumerator(counts []int) *GridEnumerator {
	e := &GridEnumerator{
		counts:  append([]int(nil), counts...),
		current: make([]int, len(counts)),
	}
	e.Reset()
	return e
}

// Current returns a copy of the current tuple.
func (e *GridEnumerator) Current() []int {
	return append([]int(nil), e.current...)
}

// Done reports whether the enumerator is exhausted. An enumerator with a zero
// test count anywhere is exhausted from the start.
func (e *GridEnumerator) Done() bool {
	return e.done
}

// Advance moves to the next tuple and reports whether there is one. Once it
// returns false it keeps returning false until Reset.
func (e *GridEnumerator) Advance() bool {
	if e.done {
		return false
	}
	if !e.started {
		e.started = true
		return true
	}
	for i := range e.current {
		e.current[i]++
		if e.current[i] < e.counts[i] {
			return true
		}
		e.current[i] = 0
	}
	e.done = true
	return false
}

// Reset rewinds to before the first tuple.
func (e *GridEnumerator) Reset() {
	for i := range e.current {
		e.current[i] = 0
	}
	e.started = false
	e.done = e.Total() == 0
}

// Total returns the number of tuples the enumerator yields.
func (e *GridEnumerator) Total() int64 {
	total := int64(1)
	for _, c := range e.counts {
		if c <= 0 {
			return 0
		}
		total = saturatingMul(total, int64(c))
	}
	return total
}
