package dataset

import (
	"context"
	"image"
)

// Batch is one slice of the split. Images are raw (resized, not normalized)
// and may be shared with the loader cache, so they must not be modified.
type Batch struct {
	Images []*image.NRGBA
	Labels []float32
	Paths  []string
}

func (b Batch) Len() int { return len(b.Labels) }

type batchResult struct {
	batch Batch
	err   error
}

// Iterator walks one pass over a split. The next batch is decoded in the
// background while the caller works on the current one.
type Iterator struct {
	parent context.Context
	cancel context.CancelFunc
	ch     chan batchResult
	cur    Batch
	err    error
	closed bool
}

// Batches starts a new pass. Shuffled loaders draw a fresh permutation for
// every pass; others yield files in on-disk order.
func (l *Loader) Batches(ctx context.Context) *Iterator {
	order := l.order()
	inner, cancel := context.WithCancel(ctx)
	it := &Iterator{parent: ctx, cancel: cancel, ch: make(chan batchResult, 1)}

	go func() {
		defer close(it.ch)
		bs := l.opts.BatchSize
		for start := 0; start < len(order); start += bs {
			end := min(start+bs, len(order))
			b, err := l.load(inner, order[start:end])
			select {
			case it.ch <- batchResult{batch: b, err: err}:
			case <-inner.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it
}

// Next advances to the next batch and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	r, ok := <-it.ch
	if !ok {
		if err := it.parent.Err(); err != nil {
			it.err = err
		}
		return false
	}
	if r.err != nil {
		it.err = r.err
		return false
	}
	it.cur = r.batch
	return true
}

func (it *Iterator) Batch() Batch { return it.cur }

// Err returns the error that stopped the pass, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops the background loader. It is safe to call after the pass ends.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.cancel()
	for range it.ch {
	}
}
