package skiplist

import "iter"

// scanBatch is how many entries an iterator materializes per epoch. Between
// batches it holds no reference into the file, only the last key it
// returned, so a slow consumer never delays reclamation.
const scanBatch = 128

// Iterator walks the list in key order. Entries removed or inserted while
// iterating may or may not be observed; every returned key is greater than
// the previous one.
//
//	it := list.Iterator()
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[K any, V any] struct {
	list *SkipList[K, V]

	from, to    *K
	fromInclude bool

	buf  []Entry[K, V]
	pos  int
	last K
	seen bool // last is valid
	done bool
	err  error
	cur  Entry[K, V]
}

// Iterator returns an iterator over all entries.
func (l *SkipList[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{list: l}
}

// Range returns an iterator over keys in [from, to). A nil bound is open.
func (l *SkipList[K, V]) Range(from, to *K) *Iterator[K, V] {
	return &Iterator[K, V]{list: l, from: from, to: to, fromInclude: true}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if !it.fill() {
			return false
		}
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

func (it *Iterator[K, V]) fill() bool {
	l := it.list
	if l.closed.Load() {
		it.err = ErrClosed
		return false
	}
	var after *K
	inclusive := false
	switch {
	case it.seen:
		after = &it.last
	case it.from != nil:
		after, inclusive = it.from, it.fromInclude
	}
	batch, exhausted, err := l.scan(after, inclusive, it.to, scanBatch, it.buf[:0])
	if err != nil {
		it.err = err
		return false
	}
	it.buf, it.pos, it.done = batch, 0, exhausted
	if len(batch) == 0 {
		it.done = true
		return false
	}
	it.last, it.seen = batch[len(batch)-1].Key, true
	return true
}

// Key returns the current key.
func (it *Iterator[K, V]) Key() K { return it.cur.Key }

// Value returns the current value.
func (it *Iterator[K, V]) Value() V { return it.cur.Value }

// Err returns the error that stopped iteration, if any.
func (it *Iterator[K, V]) Err() error { return it.err }

// Close releases the iterator's buffer.
func (it *Iterator[K, V]) Close() error {
	it.buf, it.done = nil, true
	return nil
}

// scan collects up to limit live entries in key order, starting after (or
// at, when inclusive) the given key and stopping before to. It reports
// whether the end of the range was reached.
func (l *SkipList[K, V]) scan(after *K, inclusive bool, to *K, limit int, out []Entry[K, V]) ([]Entry[K, V], bool, error) {
	ep := l.enter()
	defer l.exit(ep)

	var node uint64
	var err error
	if after == nil {
		node, err = l.st.next(headNodeOffset, 0)
	} else {
		var preds, succs [MaxLevelLimit]uint64
		if _, err = l.find(*after, preds[:], succs[:]); err == nil {
			node = succs[0]
		}
	}
	if err != nil {
		return out, false, err
	}

	for node != nilOffset {
		h, err := l.st.readNodeHeader(node)
		if err != nil {
			return out, false, err
		}
		if h.fullyLinked() && !h.marked() {
			ck, err := l.nodeKey(node)
			if err != nil {
				return out, false, err
			}
			skip := after != nil && !inclusive && l.order(ck.key, *after) <= 0
			if !skip {
				if to != nil && l.order(ck.key, *to) >= 0 {
					return out, true, nil
				}
				if len(out) == limit {
					return out, false, nil
				}
				v, err := l.nodeValue(node, h.level)
				if err != nil {
					return out, false, err
				}
				out = append(out, Entry[K, V]{Key: ck.key, Value: v})
			}
		}
		if node, err = l.st.next(node, 0); err != nil {
			return out, false, err
		}
	}
	return out, true, nil
}

// All yields every entry in key order. Iteration stops after yielding a
// non-nil error.
func (l *SkipList[K, V]) All() iter.Seq2[Entry[K, V], error] {
	return func(yield func(Entry[K, V], error) bool) {
		it := l.Iterator()
		defer it.Close()
		for it.Next() {
			if !yield(Entry[K, V]{Key: it.Key(), Value: it.Value()}, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Entry[K, V]{}, err)
		}
	}
}

// Keys yields every key in order.
func (l *SkipList[K, V]) Keys() iter.Seq2[K, error] {
	return func(yield func(K, error) bool) {
		for e, err := range l.All() {
			if !yield(e.Key, err) || err != nil {
				return
			}
		}
	}
}

// Values yields every value in key order.
func (l *SkipList[K, V]) Values() iter.Seq2[V, error] {
	return func(yield func(V, error) bool) {
		for e, err := range l.All() {
			if !yield(e.Value, err) || err != nil {
				return
			}
		}
	}
}

// ForEach calls fn for every entry in key order until fn returns false.
func (l *SkipList[K, V]) ForEach(fn func(key K, value V) bool) error {
	for e, err := range l.All() {
		if err != nil {
			return err
		}
		if !fn(e.Key, e.Value) {
			return nil
		}
	}
	return nil
}

// First returns the smallest entry.
func (l *SkipList[K, V]) First() (K, V, bool, error) {
	it := l.Iterator()
	defer it.Close()
	if it.Next() {
		return it.Key(), it.Value(), true, nil
	}
	var k K
	var v V
	return k, v, false, it.Err()
}
