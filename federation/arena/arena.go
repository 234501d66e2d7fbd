// Package arena provides the string interner and dense-index arenas that
// back every later id type in the composed federated graph: equality between
// schema objects is integer equality over arena indexes, never string
// equality.
package arena

// StringId is an index into a StringTable. Zero is a valid id (the first
// interned string); there is no "no string" sentinel — callers that need
// optionality wrap StringId in a pointer or a separate bool.
type StringId int

// StringTable interns strings into a dense, insertion-ordered table. Each
// distinct string is stored once; repeated interning of the same string
// returns the same StringId.
type StringTable struct {
	strings []string
	index   map[string]StringId
}

// NewStringTable returns an empty string table.
func NewStringTable() *StringTable {
	return &StringTable{
		index: make(map[string]StringId),
	}
}

// Intern returns the StringId for s, allocating a new entry if s has not
// been seen before.
func (t *StringTable) Intern(s string) StringId {
	if id, ok := t.index[s]; ok {
		return id
	}
	id := StringId(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[s] = id
	return id
}

// Lookup returns the id of s without interning it, if it is already present.
func (t *StringTable) Lookup(s string) (StringId, bool) {
	id, ok := t.index[s]
	return id, ok
}

// String returns the string for id. It panics if id is out of range, since
// a valid StringId is only ever produced by this table's own Intern.
func (t *StringTable) String(id StringId) string {
	return t.strings[id]
}

// Len returns the number of interned strings.
func (t *StringTable) Len() int {
	return len(t.strings)
}

// Arena is a dense, append-only store of T indexed by a plain int id. It
// underlies TypeDefinitionId, FieldId, InputValueDefinitionId, and the other
// kind-specific dense ids described by the data model: allocation order is
// id order, and ids are never reused.
type Arena[T any] struct {
	items []T
}

// NewArena returns an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Add appends item and returns its new id.
func (a *Arena[T]) Add(item T) int {
	id := len(a.items)
	a.items = append(a.items, item)
	return id
}

// Get returns the item at id. It panics if id is out of range.
func (a *Arena[T]) Get(id int) T {
	return a.items[id]
}

// Set overwrites the item at id. It panics if id is out of range.
func (a *Arena[T]) Set(id int, item T) {
	a.items[id] = item
}

// Len returns the number of items in the arena.
func (a *Arena[T]) Len() int {
	return len(a.items)
}

// Valid reports whether id addresses an allocated slot; invariant (a) of the
// federated graph's data model ("every id is < arena length") is exactly
// this check.
func (a *Arena[T]) Valid(id int) bool {
	return id >= 0 && id < len(a.items)
}

// All returns an iterator-friendly slice view of the arena's items, in id
// order. Callers must not retain the slice across further Add calls.
func (a *Arena[T]) All() []T {
	return a.items
}
