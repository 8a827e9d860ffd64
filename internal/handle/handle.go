// Package handle hands out the opaque values that cross the code generator
// boundary in place of metadata IDs. Handles are injective per registry,
// 16-byte aligned so they can masquerade as pointers, and tagged with the
// registry generation so a value kept across sessions fails loud instead of
// resolving to an unrelated entity.
package handle

import (
	"errors"
	"fmt"
	"sync"

	"pregen/internal/meta"
)

// Handle is an opaque reference to one registered entity. Zero is null.
type Handle uint64

// Kind discriminates what a handle refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindModule
	KindType
	KindMethod
	KindField
)

func (k Kind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindType:
		return "type"
	case KindMethod:
		return "method"
	case KindField:
		return "field"
	default:
		return "invalid"
	}
}

var (
	ErrNullHandle   = errors.New("null handle")
	ErrBadHandle    = errors.New("malformed handle")
	ErrStaleHandle  = errors.New("handle from a different registry generation")
	ErrKindMismatch = errors.New("handle kind mismatch")
)

const (
	handleBase = 0x5A000000 // keeps handles clear of small integers and nil
	slotShift  = 4          // slots are 16-byte spaced
	genShift   = 48
	genMask    = 0xFFFF
)

type entry struct {
	kind Kind
	id   uint32
}

// Registry mints and resolves handles. Safe for concurrent use.
type Registry struct {
	gen uint64

	mu    sync.RWMutex
	slots []entry
	index map[entry]Handle
}

// NewRegistry builds a registry whose handles carry the given generation.
func NewRegistry(generation uint16) *Registry {
	return &Registry{
		gen:   uint64(generation),
		slots: make([]entry, 1, 128), // slot 0 reserved: null stays null
		index: make(map[entry]Handle, 128),
	}
}

// Generation reports the registry's generation tag.
func (r *Registry) Generation() uint16 { return uint16(r.gen) }

func (r *Registry) mint(e entry) Handle {
	r.mu.RLock()
	h, ok := r.index[e]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.index[e]; ok {
		return h
	}
	slot := uint64(len(r.slots))
	r.slots = append(r.slots, e)
	h = Handle(handleBase + slot<<slotShift | r.gen<<genShift)
	r.index[e] = h
	return h
}

func (r *Registry) resolve(h Handle, want Kind) (uint32, error) {
	if h == 0 {
		return 0, ErrNullHandle
	}
	if uint64(h)>>genShift&genMask != r.gen {
		return 0, fmt.Errorf("%w: have gen %d, registry gen %d",
			ErrStaleHandle, uint64(h)>>genShift&genMask, r.gen)
	}
	raw := uint64(h) & (1<<genShift - 1)
	if raw < handleBase || raw&(1<<slotShift-1) != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrBadHandle, uint64(h))
	}
	slot := (raw - handleBase) >> slotShift
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot == 0 || slot >= uint64(len(r.slots)) {
		return 0, fmt.Errorf("%w: %#x", ErrBadHandle, uint64(h))
	}
	e := r.slots[slot]
	if e.kind != want {
		return 0, fmt.Errorf("%w: %#x is a %s handle, want %s",
			ErrKindMismatch, uint64(h), e.kind, want)
	}
	return e.id, nil
}

// ModuleHandle returns the stable handle for a module.
func (r *Registry) ModuleHandle(m meta.ModuleID) Handle {
	return r.mint(entry{kind: KindModule, id: uint32(m)})
}

// TypeHandle returns the stable handle for a type.
func (r *Registry) TypeHandle(t meta.TypeID) Handle {
	return r.mint(entry{kind: KindType, id: uint32(t)})
}

// MethodHandle returns the stable handle for a method.
func (r *Registry) MethodHandle(m meta.MethodID) Handle {
	return r.mint(entry{kind: KindMethod, id: uint32(m)})
}

// FieldHandle returns the stable handle for a field.
func (r *Registry) FieldHandle(f meta.FieldID) Handle {
	return r.mint(entry{kind: KindField, id: uint32(f)})
}

// Module resolves a module handle.
func (r *Registry) Module(h Handle) (meta.ModuleID, error) {
	id, err := r.resolve(h, KindModule)
	return meta.ModuleID(id), err
}

// Type resolves a type handle.
func (r *Registry) Type(h Handle) (meta.TypeID, error) {
	id, err := r.resolve(h, KindType)
	return meta.TypeID(id), err
}

// Method resolves a method handle.
func (r *Registry) Method(h Handle) (meta.MethodID, error) {
	id, err := r.resolve(h, KindMethod)
	return meta.MethodID(id), err
}

// Field resolves a field handle.
func (r *Registry) Field(h Handle) (meta.FieldID, error) {
	id, err := r.resolve(h, KindField)
	return meta.FieldID(id), err
}

// KindOf classifies a handle without resolving it. Returns KindInvalid for
// null, malformed, or stale handles.
func (r *Registry) KindOf(h Handle) Kind {
	if h == 0 || uint64(h)>>genShift&genMask != r.gen {
		return KindInvalid
	}
	raw := uint64(h) & (1<<genShift - 1)
	if raw < handleBase || raw&(1<<slotShift-1) != 0 {
		return KindInvalid
	}
	slot := (raw - handleBase) >> slotShift
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot == 0 || slot >= uint64(len(r.slots)) {
		return KindInvalid
	}
	return r.slots[slot].kind
}

// Count reports how many handles have been minted.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - 1
}
