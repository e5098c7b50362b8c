// Package rhmap implements a robin-hood open-addressed hash map with
// identifier stealing. A single generic Map replaces what would otherwise
// be a family of macro-generated containers, one per key/entry type pair.
package rhmap

// identifier packs a remaining-displacement-capacity counter into the top
// bits and a fractional hash into the bottom bits. A slot's identifier is
// non-zero iff occupied; identifiers only ever move in the direction that
// decreases the displacement counter, which is what lets locate and
// evictIndex agree on "home distance" without storing it separately.
const (
	identifierHashIndexBits          = 6
	identifierOffsetShift            = 16 - identifierHashIndexBits
	identifierOffsetUnit             = uint16(1) << identifierOffsetShift
	identifierFractionalHashMask     = identifierOffsetUnit - 1
	identifierMaxDisplacementCapacity = ^identifierFractionalHashMask
	identifierMinDisplacementCapacity = identifierOffsetUnit
)

// HashFunc computes a 64-bit hash for a key. The low identifierOffsetShift
// bits become the fractional hash component of the identifier; the bits
// above them select the home index.
type HashFunc[K comparable] func(key K) uint64

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Config bounds a Map's growth. Fill factors are fractions out of 256,
// matching the original's entry_limit = fill_factor << (exponent-8).
type Config struct {
	InitialExponent  uint8 // 2^InitialExponent starting slots, minimum 8
	LimitExponent    uint8 // 2^LimitExponent maximum slots
	ResizeFillFactor uint8 // load factor (out of 256) that triggers growth below the limit
	LimitFillFactor  uint8 // load factor (out of 256) that returns FAIL_FULL at the limit
}

// Map is a robin-hood open-addressed hash map keyed by K. Find, Obtain,
// Insert and Remove are not safe for concurrent use; callers needing
// concurrent access must synchronize externally.
type Map[K comparable, V any] struct {
	hash HashFunc[K]

	exponent      uint8
	exponentLimit uint8

	resizeFillFactor uint8
	limitFillFactor  uint8

	entries     []entry[K, V]
	identifiers []uint16

	count uint64
	limit uint64
}

// Result reports the outcome of Insert.
type Result int

const (
	ResultFull Result = iota
	ResultReplaced
	ResultInserted
)

// ObtainResult reports the outcome of Obtain.
type ObtainResult int

const (
	ObtainFull ObtainResult = iota
	ObtainFound
	ObtainInserted
)

// New builds a Map using hash to key entries. Zero fields in cfg take the
// defaults below.
func New[K comparable, V any](hash HashFunc[K], cfg Config) *Map[K, V] {
	if cfg.InitialExponent == 0 {
		cfg.InitialExponent = 8
	}
	if cfg.LimitExponent == 0 {
		cfg.LimitExponent = 16
	}
	if cfg.ResizeFillFactor == 0 {
		cfg.ResizeFillFactor = 160
	}
	if cfg.LimitFillFactor == 0 {
		cfg.LimitFillFactor = 224
	}
	if cfg.InitialExponent < 8 {
		panic("rhmap: initial exponent must be at least 8")
	}
	if cfg.InitialExponent > cfg.LimitExponent {
		panic("rhmap: initial exponent exceeds limit exponent")
	}

	m := &Map[K, V]{
		hash:             hash,
		exponent:         cfg.InitialExponent,
		exponentLimit:    cfg.LimitExponent,
		resizeFillFactor: cfg.ResizeFillFactor,
		limitFillFactor:  cfg.LimitFillFactor,
		entries:          make([]entry[K, V], uint64(1)<<cfg.InitialExponent),
		identifiers:      make([]uint16, uint64(1)<<cfg.InitialExponent),
	}
	m.limit = m.fillLimit()
	return m
}

func (m *Map[K, V]) fillLimit() uint64 {
	if m.exponent == m.exponentLimit {
		return uint64(m.limitFillFactor) << (m.exponent - 8)
	}
	return uint64(m.resizeFillFactor) << (m.exponent - 8)
}

// Len reports the number of occupied entries.
func (m *Map[K, V]) Len() uint64 { return m.count }

func (m *Map[K, V]) keyIdentifierIndex(key K) (identifier uint16, index uint64) {
	h := m.hash(key)
	identifier = uint16(h&uint64(identifierFractionalHashMask)) | identifierMaxDisplacementCapacity
	entrySpace := uint64(1) << m.exponent
	index = (h >> identifierOffsetShift) & (entrySpace - 1)
	return
}

// locate walks forward from *index looking for key, stopping at the first
// empty slot or the first slot whose identifier indicates key cannot be
// further along (robin-hood's invariant: identifiers only decrease along a
// probe chain). identifier/index are mutated in place to match the C
// original's output parameters — on a miss they land on the slot where an
// insert belongs.
func (m *Map[K, V]) locate(key K, identifier *uint16, index *uint64) bool {
	entrySpace := uint64(1) << m.exponent
	indexMask := entrySpace - 1
	ids := m.identifiers

	for ids[*index] != 0 && ids[*index] < *identifier {
		*identifier -= identifierOffsetUnit
		*index = (*index + 1) & indexMask
	}
	for *identifier == ids[*index] {
		if m.entries[*index].key == key {
			return true
		}
		*identifier -= identifierOffsetUnit
		*index = (*index + 1) & indexMask
		if *identifier < identifierMinDisplacementCapacity {
			panic("rhmap: identifier underflow, map corrupted")
		}
	}
	return false
}

// evictIndex removes the occupied slot at index, backward-shifting any
// entries displaced from their home slot so the robin-hood invariant keeps
// holding for locate.
func (m *Map[K, V]) evictIndex(index uint64) {
	entrySpace := uint64(1) << m.exponent
	indexMask := entrySpace - 1

	for {
		nextIndex := (index + 1) & indexMask
		identifier := m.identifiers[nextIndex]
		if identifier != 0 && identifier < identifierMaxDisplacementCapacity {
			m.entries[index] = m.entries[nextIndex]
			m.identifiers[index] = identifier + identifierOffsetUnit
			index = nextIndex
			continue
		}
		break
	}
	m.identifiers[index] = 0
	m.count--
}

func (m *Map[K, V]) resize() {
	oldEntrySpace := uint64(1) << m.exponent
	oldEntries := m.entries
	oldIdentifiers := m.identifiers

	m.exponent++
	newSpace := uint64(1) << m.exponent
	m.entries = make([]entry[K, V], newSpace)
	m.identifiers = make([]uint16, newSpace)
	m.limit = m.fillLimit()
	m.count = 0

	for i := uint64(0); i < oldEntrySpace; i++ {
		if oldIdentifiers[i] == 0 {
			continue
		}
		e, result := m.obtain(oldEntries[i].key)
		if result != ObtainInserted {
			panic("rhmap: resize failed to reinsert entry")
		}
		*e = oldEntries[i]
	}
}

// obtain finds key's slot, inserting a zero-value entry if absent. It
// reports whether key was already present, freshly inserted, or the map
// is at its configured limit and cannot grow further.
func (m *Map[K, V]) obtain(key K) (*entry[K, V], ObtainResult) {
	if m.count == m.limit {
		if m.exponent == m.exponentLimit {
			return nil, ObtainFull
		}
		m.resize()
	}

	for {
		entrySpace := uint64(1) << m.exponent
		indexMask := entrySpace - 1
		keyIdentifier, keyIndex := m.keyIdentifierIndex(key)

		if m.locate(key, &keyIdentifier, &keyIndex) {
			return &m.entries[keyIndex], ObtainFound
		}

		moveIdentifier := keyIdentifier
		moveIndex := keyIndex
		resized := false

		for {
			if moveIdentifier < identifierMinDisplacementCapacity {
				for moveIndex != keyIndex {
					if moveIdentifier >= identifierMaxDisplacementCapacity {
						panic("rhmap: displacement capacity exceeded")
					}
					moveIndex = (moveIndex - 1) & indexMask
					prevIdentifier := m.identifiers[moveIndex]
					m.identifiers[moveIndex] = moveIdentifier + identifierOffsetUnit
					moveIdentifier = prevIdentifier
				}
				if m.exponent == m.exponentLimit {
					return nil, ObtainFull
				}
				m.resize()
				resized = true
				break
			}

			nextIdentifier := m.identifiers[moveIndex]
			m.identifiers[moveIndex] = moveIdentifier
			if nextIdentifier == 0 {
				break
			}
			moveIdentifier = nextIdentifier - identifierOffsetUnit
			moveIndex = (moveIndex + 1) & indexMask
		}

		if resized {
			continue
		}

		for moveIndex != keyIndex {
			prevMoveIndex := (moveIndex - 1) & indexMask
			m.entries[moveIndex] = m.entries[prevMoveIndex]
			moveIndex = prevMoveIndex
		}

		m.count++
		return &m.entries[keyIndex], ObtainInserted
	}
}

// Find reports the value stored for key, if any.
func (m *Map[K, V]) Find(key K) (V, bool) {
	identifier, index := m.keyIdentifierIndex(key)
	if m.locate(key, &identifier, &index) {
		return m.entries[index].value, true
	}
	var zero V
	return zero, false
}

// Obtain returns a pointer to key's slot, inserting a zero-value entry if
// key was absent. The pointer is invalidated by any later Insert/Obtain
// that triggers a resize.
func (m *Map[K, V]) Obtain(key K) (*V, ObtainResult) {
	e, result := m.obtain(key)
	if e == nil {
		return nil, result
	}
	if result == ObtainInserted {
		*e = entry[K, V]{key: key}
	}
	return &e.value, result
}

// Insert stores value under key, replacing any existing entry.
func (m *Map[K, V]) Insert(key K, value V) Result {
	e, result := m.obtain(key)
	switch result {
	case ObtainFound:
		e.value = value
		return ResultReplaced
	case ObtainInserted:
		e.key = key
		e.value = value
		return ResultInserted
	default:
		return ResultFull
	}
}

// Remove deletes key's entry if present, returning its value.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	identifier, index := m.keyIdentifierIndex(key)
	if m.locate(key, &identifier, &index) {
		v := m.entries[index].value
		m.evictIndex(index)
		return v, true
	}
	var zero V
	return zero, false
}

// Clear empties the map without shrinking its backing arrays.
func (m *Map[K, V]) Clear() {
	m.count = 0
	for i := range m.identifiers {
		m.identifiers[i] = 0
	}
}
