package starboard

// BiMap maintains two maps in lockstep, so a value can be found from its
// key and a key from its value.
//
// Set is last-write-wins on both sides and never removes the entries it
// displaces: relinking a key to a new value leaves the old value pointing
// back at the key, and reusing a value for a second key leaves the first
// key pointing forward at the value. There is no delete.
//
// BiMap is not safe for concurrent use. GuildLedger guards its own.
type BiMap[K comparable, V comparable] struct {
	forward  map[K]V
	backward map[V]K
}

func NewBiMap[K comparable, V comparable]() *BiMap[K, V] {
	return &BiMap[K, V]{
		forward:  map[K]V{},
		backward: map[V]K{},
	}
}

// Set links k to v.
func (b *BiMap[K, V]) Set(k K, v V) {
	b.forward[k] = v
	b.backward[v] = k
}

func (b *BiMap[K, V]) Forward(k K) (V, bool) {
	v, ok := b.forward[k]
	return v, ok
}

func (b *BiMap[K, V]) Backward(v V) (K, bool) {
	k, ok := b.backward[v]
	return k, ok
}

// HasValue reports whether v was ever set as a value.
func (b *BiMap[K, V]) HasValue(v V) bool {
	_, ok := b.backward[v]
	return ok
}

// Len returns the number of keys on the forward side.
func (b *BiMap[K, V]) Len() int {
	return len(b.forward)
}

// ForwardMap returns a copy of the forward side.
func (b *BiMap[K, V]) ForwardMap() map[K]V {
	m := make(map[K]V, len(b.forward))
	for k, v := range b.forward {
		m[k] = v
	}
	return m
}
