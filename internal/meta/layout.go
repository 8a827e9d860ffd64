package meta

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Layout errors. Callers map these onto their own failure tiers.
var (
	ErrRecursiveLayout  = errors.New("value type layout depends on itself")
	ErrOpenLayout       = errors.New("open generic type has no layout")
	ErrNoInstanceLayout = errors.New("type has no instance field layout")
	ErrMisalignedRef    = errors.New("object reference at misaligned explicit offset")
	ErrRefOverlap       = errors.New("object reference overlaps another field")
)

// TypeLayout is the computed instance layout of one type: total size,
// required alignment, per-field offsets keyed by field definition, and the
// offsets of GC-tracked pointer slots in ascending order. Offsets count from
// the start of the instance data area.
type TypeLayout struct {
	Size    uint32
	Align   uint32
	Offsets map[FieldID]uint32
	GCRefs  []uint32
}

// LayoutOptions configures the engine for one target.
type LayoutOptions struct {
	PointerSize uint32 // defaults to 8
	MaxAlign    uint32 // packing ceiling, defaults to PointerSize
}

// LayoutEngine computes and caches instance layouts against one world.
// Safe for concurrent use; computed layouts are immutable.
type LayoutEngine struct {
	world *World
	ptr   uint32
	pack  uint32

	mu    sync.Mutex
	cache map[TypeID]*TypeLayout
}

// NewLayoutEngine builds an engine over w.
func NewLayoutEngine(w *World, opts LayoutOptions) *LayoutEngine {
	ptr := opts.PointerSize
	if ptr == 0 {
		ptr = 8
	}
	pack := opts.MaxAlign
	if pack == 0 {
		pack = ptr
	}
	return &LayoutEngine{
		world: w,
		ptr:   ptr,
		pack:  pack,
		cache: make(map[TypeID]*TypeLayout, 64),
	}
}

// PointerSize reports the target pointer width in bytes.
func (e *LayoutEngine) PointerSize() uint32 { return e.ptr }

func alignUp(v, a uint32) uint32 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// InstanceLayout computes the instance field layout of t. For classes the
// base chain contributes its fields first. Interfaces and arrays carry no
// instance field layout.
func (e *LayoutEngine) InstanceLayout(t TypeID) (*TypeLayout, error) {
	e.mu.Lock()
	if l, ok := e.cache[t]; ok {
		e.mu.Unlock()
		return l, nil
	}
	e.mu.Unlock()

	l, err := e.compute(t, make(map[TypeID]bool))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if prev, ok := e.cache[t]; ok {
		l = prev
	} else {
		e.cache[t] = l
	}
	e.mu.Unlock()
	return l, nil
}

// FieldOffset resolves the byte offset of a field (given by definition or
// materialized ID) within owner's instance layout.
func (e *LayoutEngine) FieldOffset(owner TypeID, field FieldID) (uint32, error) {
	f := e.world.Field(field)
	if f == nil {
		return 0, fmt.Errorf("layout: invalid field %d", field)
	}
	def := field
	if f.Definition.IsValid() {
		def = f.Definition
	}
	l, err := e.InstanceLayout(owner)
	if err != nil {
		return 0, err
	}
	off, ok := l.Offsets[def]
	if !ok {
		return 0, fmt.Errorf("layout: field %q not in instance layout of %s", f.Name, e.world.TypeName(owner))
	}
	return off, nil
}

func (e *LayoutEngine) compute(t TypeID, visiting map[TypeID]bool) (*TypeLayout, error) {
	w := e.world
	d := w.Type(t)
	if d == nil {
		return nil, fmt.Errorf("layout: invalid type %d", t)
	}
	switch d.Kind {
	case KindParam:
		return nil, fmt.Errorf("layout: %s: %w", w.TypeName(t), ErrOpenLayout)
	case KindInterface, KindArray:
		return nil, fmt.Errorf("layout: %s: %w", w.TypeName(t), ErrNoInstanceLayout)
	case KindCanon:
		return &TypeLayout{Size: e.ptr, Align: e.ptr, GCRefs: []uint32{0}}, nil
	case KindPrimitive:
		size, align := e.primSize(d.Prim)
		return &TypeLayout{Size: size, Align: align}, nil
	case KindEnum:
		under := w.Type(d.Underlying)
		if under == nil {
			return nil, fmt.Errorf("layout: enum %s has no underlying type", w.TypeName(t))
		}
		size, align := e.primSize(under.Prim)
		return &TypeLayout{Size: size, Align: align}, nil
	}
	if d.IsGenericDefinition() || w.ContainsParams(t) {
		return nil, fmt.Errorf("layout: %s: %w", w.TypeName(t), ErrOpenLayout)
	}
	if visiting[t] {
		return nil, fmt.Errorf("layout: %s: %w", w.TypeName(t), ErrRecursiveLayout)
	}
	visiting[t] = true
	defer delete(visiting, t)

	out := &TypeLayout{Offsets: make(map[FieldID]uint32)}
	cursor := uint32(0)

	if d.Kind == KindClass {
		if base := w.BaseOf(t); base.IsValid() {
			bl, err := e.compute(base, visiting)
			if err != nil && !errors.Is(err, ErrNoInstanceLayout) {
				return nil, err
			}
			if bl != nil {
				cursor = bl.Size
				for fd, off := range bl.Offsets {
					out.Offsets[fd] = off
				}
				out.GCRefs = append(out.GCRefs, bl.GCRefs...)
				if bl.Align > out.Align {
					out.Align = bl.Align
				}
			}
		}
	}

	fields := e.instanceFields(t)
	var err error
	switch d.Layout {
	case LayoutExplicit:
		cursor, err = e.placeExplicit(t, fields, cursor, out, visiting)
	case LayoutSequential:
		cursor, err = e.placeSequential(fields, cursor, out, visiting)
	default:
		cursor, err = e.placeAuto(fields, cursor, out, visiting)
	}
	if err != nil {
		return nil, err
	}

	if out.Align == 0 {
		out.Align = 1
	}
	out.Size = alignUp(cursor, out.Align)
	if out.Size == 0 && d.Kind == KindStruct {
		// Zero-sized values break array indexing; every value type
		// occupies at least one byte.
		out.Size = 1
	}
	sort.Slice(out.GCRefs, func(i, j int) bool { return out.GCRefs[i] < out.GCRefs[j] })
	return out, nil
}

type placedField struct {
	def   FieldID
	size  uint32
	align uint32
	refs  []uint32
	expl  int32
	decl  int
}

// instanceFields collects the materialized non-static fields of t in
// declaration order.
func (e *LayoutEngine) instanceFields(t TypeID) []FieldID {
	w := e.world
	var out []FieldID
	for _, fd := range w.FieldsOf(t) {
		f := w.Field(fd)
		if f == nil || f.IsStatic() || f.IsLiteral() {
			continue
		}
		out = append(out, w.FieldOnType(fd, t))
	}
	return out
}

func (e *LayoutEngine) measure(fields []FieldID, visiting map[TypeID]bool) ([]placedField, error) {
	w := e.world
	out := make([]placedField, 0, len(fields))
	for i, fid := range fields {
		f := w.Field(fid)
		ft := w.Type(f.Type)
		if ft == nil {
			return nil, fmt.Errorf("layout: field %q has invalid type", f.Name)
		}
		p := placedField{def: fid, expl: f.ExplicitOffset, decl: i}
		if f.Definition.IsValid() {
			p.def = f.Definition
		}
		if ft.IsReferenceLike() {
			p.size, p.align = e.ptr, e.ptr
			p.refs = []uint32{0}
		} else {
			fl, err := e.compute(f.Type, visiting)
			if err != nil {
				return nil, err
			}
			p.size, p.align = fl.Size, fl.Align
			p.refs = fl.GCRefs
		}
		if p.align > e.pack {
			p.align = e.pack
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *LayoutEngine) placeSequential(fields []FieldID, cursor uint32, out *TypeLayout, visiting map[TypeID]bool) (uint32, error) {
	placed, err := e.measure(fields, visiting)
	if err != nil {
		return 0, err
	}
	for _, p := range placed {
		cursor = alignUp(cursor, p.align)
		e.emit(out, p, cursor)
		cursor += p.size
	}
	return cursor, nil
}

func (e *LayoutEngine) placeAuto(fields []FieldID, cursor uint32, out *TypeLayout, visiting map[TypeID]bool) (uint32, error) {
	placed, err := e.measure(fields, visiting)
	if err != nil {
		return 0, err
	}
	// Densest-first keeps padding down; declaration order breaks ties so
	// the result is deterministic.
	sort.SliceStable(placed, func(i, j int) bool {
		if placed[i].align != placed[j].align {
			return placed[i].align > placed[j].align
		}
		return placed[i].decl < placed[j].decl
	})
	for _, p := range placed {
		cursor = alignUp(cursor, p.align)
		e.emit(out, p, cursor)
		cursor += p.size
	}
	return cursor, nil
}

func (e *LayoutEngine) placeExplicit(t TypeID, fields []FieldID, base uint32, out *TypeLayout, visiting map[TypeID]bool) (uint32, error) {
	placed, err := e.measure(fields, visiting)
	if err != nil {
		return 0, err
	}
	type span struct {
		lo, hi uint32
		ref    bool
	}
	spans := make([]span, 0, len(placed))
	end := base
	for _, p := range placed {
		if p.expl < 0 {
			return 0, fmt.Errorf("layout: %s: field without explicit offset", e.world.TypeName(t))
		}
		off := base + uint32(p.expl)
		if len(p.refs) > 0 && off%e.ptr != 0 {
			return 0, fmt.Errorf("layout: %s at offset %d: %w", e.world.TypeName(t), off, ErrMisalignedRef)
		}
		e.emit(out, p, off)
		spans = append(spans, span{lo: off, hi: off + p.size, ref: len(p.refs) > 0})
		if off+p.size > end {
			end = off + p.size
		}
	}
	// References may not share bytes with anything else; the collector
	// cannot interpret aliased slots.
	for i, r := range spans {
		if !r.ref {
			continue
		}
		for j, a := range spans {
			if i == j {
				continue
			}
			if r.lo < a.hi && a.lo < r.hi {
				return 0, fmt.Errorf("layout: %s: %w", e.world.TypeName(t), ErrRefOverlap)
			}
		}
	}
	return end, nil
}

func (e *LayoutEngine) emit(out *TypeLayout, p placedField, off uint32) {
	out.Offsets[p.def] = off
	for _, r := range p.refs {
		out.GCRefs = append(out.GCRefs, off+r)
	}
	if p.align > out.Align {
		out.Align = p.align
	}
}

func (e *LayoutEngine) primSize(p PrimKind) (size, align uint32) {
	switch p {
	case PrimVoid:
		return 0, 1
	case PrimBool, PrimI1, PrimU1:
		return 1, 1
	case PrimChar, PrimI2, PrimU2:
		return 2, 2
	case PrimI4, PrimU4, PrimF4:
		return 4, 4
	case PrimI8, PrimU8, PrimF8:
		return 8, 8
	case PrimIntPtr, PrimUIntPtr:
		return e.ptr, e.ptr
	default:
		return 0, 1
	}
}
