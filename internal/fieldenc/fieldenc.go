// Package fieldenc decides how generated code addresses a field: a literal
// offset baked into the instruction stream, a baked offset backed by a
// load-time layout check, a delta summed onto a base frame size read from an
// import cell, or a whole offset fetched at run time. The choice tracks which
// layouts stay fixed inside the version bubble; anything that can drift under
// servicing must go through a cell the loader patches.
package fieldenc

import (
	"errors"
	"fmt"
	"sync"

	"pregen/internal/bubble"
	"pregen/internal/fixup"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

// ErrEscapingFixup marks an access that needs a version-resilient cell from
// a method compiled outside the bubble. The loader patches cells in the
// caller's own image, so there is nowhere to put one; this is always fatal.
var ErrEscapingFixup = errors.New("field fixup escapes the version bubble")

// Encoder answers field access queries against one bubble. Safe for
// concurrent use; the statics block cache is append-only.
type Encoder struct {
	world  *meta.World
	bub    *bubble.Bubble
	enc    *fixup.Encoder
	layout *meta.LayoutEngine

	mu      sync.Mutex
	statics map[meta.TypeID]map[meta.FieldID]uint32
}

// New builds an encoder over a resolved world, a bubble, the import cell
// encoder, and the instance layout engine.
func New(w *meta.World, bub *bubble.Bubble, enc *fixup.Encoder, layout *meta.LayoutEngine) *Encoder {
	return &Encoder{
		world:   w,
		bub:     bub,
		enc:     enc,
		layout:  layout,
		statics: make(map[meta.TypeID]map[meta.FieldID]uint32),
	}
}

// Encode decides the access strategy for one field touched by one method.
// The field must be exact or canonical; open forms have no layout to encode
// against. Identical queries yield byte-identical descriptors.
func (e *Encoder) Encode(caller meta.MethodID, field meta.FieldID) (*jitabi.FieldInfo, error) {
	w := e.world
	f := w.Field(field)
	if f == nil {
		return nil, jitabi.Fatalf("field encode: invalid field %d", field)
	}
	if w.Method(caller) == nil {
		return nil, jitabi.Fatalf("field encode: invalid caller %d", caller)
	}
	if f.IsLiteral() {
		return nil, jitabi.Fatalf("field encode: literal %s.%s has no storage", w.TypeName(f.Owner), f.Name)
	}
	od := w.Type(f.Owner)
	if od == nil {
		return nil, jitabi.Fatalf("field encode: field %s has no owner", f.Name)
	}
	if od.IsGenericDefinition() || w.ContainsParams(f.Owner) {
		return nil, jitabi.Fatalf("field encode: open owner %s", w.TypeName(f.Owner))
	}
	if f.IsStatic() || f.IsThreadStatic() {
		return e.static(caller, field, f)
	}
	return e.instance(caller, field, f)
}

func (e *Encoder) instance(caller meta.MethodID, id meta.FieldID, f *meta.Field) (*jitabi.FieldInfo, error) {
	w := e.world
	owner := f.Owner
	od := w.Type(owner)
	off, err := e.layout.FieldOffset(owner, id)
	if err != nil {
		return nil, jitabi.FatalWrap("field encode", err)
	}
	info := &jitabi.FieldInfo{Access: jitabi.FieldAccessInstance, Field: id}

	if od.IsValueType() {
		if e.frameStable(owner) {
			info.Encoding = jitabi.FieldEncFixedOffset
			info.Offset = off
			return info, nil
		}
		// Value types embed by copy, so the offset must be baked either
		// way; a load-time check turns silent drift into a load failure.
		if err := e.bounded(caller, f); err != nil {
			return nil, err
		}
		cell, err := e.enc.CheckFieldOffset(id, off)
		if err != nil {
			return nil, jitabi.FatalWrap("field encode", err)
		}
		info.Encoding = jitabi.FieldEncCheckedOffset
		info.Offset = off
		info.Import = cell
		return info, nil
	}

	switch {
	case od.Layout == meta.LayoutAuto && e.chainStable(owner):
		info.Encoding = jitabi.FieldEncFixedOffset
		info.Offset = off
		return info, nil

	case e.frameStable(owner):
		// The declaring frame keeps its internal shape; only its start
		// floats with the base chain. Explicit and sequential class
		// layouts land here even when the chain looks stable: metadata
		// ordering is too fragile to bake absolute offsets against.
		base := w.BaseOf(owner)
		if !base.IsValid() {
			// Rootless frame starts at zero; nothing floats.
			info.Encoding = jitabi.FieldEncFixedOffset
			info.Offset = off
			return info, nil
		}
		if err := e.bounded(caller, f); err != nil {
			return nil, err
		}
		bl, err := e.layout.InstanceLayout(base)
		if err != nil {
			return nil, jitabi.FatalWrap("field encode", err)
		}
		cell, err := e.enc.FieldBaseOffset(base)
		if err != nil {
			return nil, jitabi.FatalWrap("field encode", err)
		}
		info.Encoding = jitabi.FieldEncBaseOffset
		info.Offset = off - bl.Size
		info.Import = cell
		return info, nil

	default:
		// The frame itself can change shape; only the runtime knows the
		// real offset.
		if err := e.bounded(caller, f); err != nil {
			return nil, err
		}
		cell, err := e.enc.FieldOffset(id)
		if err != nil {
			return nil, jitabi.FatalWrap("field encode", err)
		}
		info.Encoding = jitabi.FieldEncImportedOffset
		info.Import = cell
		return info, nil
	}
}

func (e *Encoder) static(caller meta.MethodID, id meta.FieldID, f *meta.Field) (*jitabi.FieldInfo, error) {
	w := e.world
	owner := f.Owner

	access := jitabi.FieldAccessStatic
	if f.IsThreadStatic() {
		access = jitabi.FieldAccessThreadStatic
	}
	gc := false
	if ftd := w.Type(f.Type); ftd != nil {
		gc = ftd.IsReferenceLike()
	}
	info := &jitabi.FieldInfo{Access: access, Field: id}

	if !e.bub.VersionsWithType(owner) {
		// No view of the statics block shape; fetch the storage location
		// indirectly.
		if err := e.bounded(caller, f); err != nil {
			return nil, err
		}
		info.Encoding = jitabi.FieldEncImportedOffset
		if access == jitabi.FieldAccessThreadStatic {
			// Per-thread storage has no process-wide address; the cell
			// yields the offset into the thread-local block instead.
			cell, err := e.enc.FieldOffset(id)
			if err != nil {
				return nil, jitabi.FatalWrap("field encode", err)
			}
			info.Import = cell
			info.Helper = jitabi.HelperThreadStaticBase
		} else {
			cell, err := e.enc.FieldAddress(id)
			if err != nil {
				return nil, jitabi.FatalWrap("field encode", err)
			}
			info.Import = cell
		}
		return info, nil
	}

	off, err := e.staticOffset(owner, id)
	if err != nil {
		return nil, jitabi.FatalWrap("field encode", err)
	}
	shared := w.ContainsCanon(owner)
	info.Encoding = jitabi.FieldEncFixedOffset
	info.Offset = off
	info.Helper = staticHelper(access, gc, shared)
	if shared {
		// Shared code hands the exact type handle to the generic helper;
		// one cell cannot stand for every instantiation.
		return info, nil
	}
	cell, err := e.enc.StaticBase(owner, access, gc)
	if err != nil {
		return nil, jitabi.FatalWrap("field encode", err)
	}
	info.Import = cell
	return info, nil
}

func staticHelper(access jitabi.FieldAccess, gc, shared bool) jitabi.HelperID {
	switch {
	case access == jitabi.FieldAccessThreadStatic && shared:
		return jitabi.HelperGenericThreadStatic
	case access == jitabi.FieldAccessThreadStatic:
		return jitabi.HelperThreadStaticBase
	case shared && gc:
		return jitabi.HelperGenericGCStaticBase
	case shared:
		return jitabi.HelperGenericNonGCStaticBase
	case gc:
		return jitabi.HelperGCStaticBase
	default:
		return jitabi.HelperNonGCStaticBase
	}
}

// frameStable reports whether the fields t itself declares keep their
// offsets across servicing: the declaration versions with the bubble and
// every embedded value-type field keeps its size. System.Object is
// contractually field-free.
func (e *Encoder) frameStable(t meta.TypeID) bool {
	w := e.world
	if t == w.WellKnown().Object {
		return true
	}
	d := w.Type(t)
	if d == nil || !e.bub.VersionsWithType(t) {
		return false
	}
	for _, fd := range w.FieldsOf(t) {
		f := w.Field(fd)
		if f == nil || f.IsStatic() || f.IsLiteral() {
			continue
		}
		ft := w.Field(w.FieldOnType(fd, t)).Type
		ftd := w.Type(ft)
		if ftd == nil {
			return false
		}
		if ftd.IsValueType() && !e.frameStable(ft) {
			return false
		}
	}
	return true
}

// chainStable extends frameStable over the whole base chain: every frame an
// instance of t stacks up must hold still for an absolute offset to be safe.
func (e *Encoder) chainStable(t meta.TypeID) bool {
	for cur := t; cur.IsValid(); cur = e.world.BaseOf(cur) {
		if !e.frameStable(cur) {
			return false
		}
	}
	return true
}

// bounded proves the compiling method can carry a version-resilient cell:
// cells live in the caller's image, and only bubble members get one.
func (e *Encoder) bounded(caller meta.MethodID, f *meta.Field) error {
	d := e.world.Method(caller)
	if d != nil && e.bub.ContainsModule(d.Module) {
		return nil
	}
	return jitabi.FatalWrap(
		fmt.Sprintf("field %s.%s from %s", e.world.TypeName(f.Owner), f.Name, e.world.MethodName(caller)),
		ErrEscapingFixup,
	)
}

func (e *Encoder) staticOffset(owner meta.TypeID, id meta.FieldID) (uint32, error) {
	w := e.world
	def := id
	if f := w.Field(id); f.Definition.IsValid() {
		def = f.Definition
	}

	e.mu.Lock()
	block, ok := e.statics[owner]
	e.mu.Unlock()
	if !ok {
		var err error
		block, err = e.placeStatics(owner)
		if err != nil {
			return 0, err
		}
		e.mu.Lock()
		if prev, ok := e.statics[owner]; ok {
			block = prev
		} else {
			e.statics[owner] = block
		}
		e.mu.Unlock()
	}
	off, ok := block[def]
	if !ok {
		return 0, fmt.Errorf("field %q not in statics block of %s", w.Field(id).Name, w.TypeName(owner))
	}
	return off, nil
}

// placeStatics lays out the statics of owner the way the runtime allocates
// them: declaration order within four blocks split by storage class and GC
// tracking. GC statics are pointer slots; non-GC statics pack by natural
// size and alignment. Offsets are block-relative.
func (e *Encoder) placeStatics(owner meta.TypeID) (map[meta.FieldID]uint32, error) {
	w := e.world
	out := make(map[meta.FieldID]uint32)
	var cursors [4]uint32
	for _, fd := range w.FieldsOf(owner) {
		f := w.Field(fd)
		if f == nil || f.IsLiteral() || (!f.IsStatic() && !f.IsThreadStatic()) {
			continue
		}
		ex := w.Field(w.FieldOnType(fd, owner))
		ftd := w.Type(ex.Type)
		if ftd == nil {
			return nil, fmt.Errorf("static %q has invalid type", f.Name)
		}
		size, align := e.layout.PointerSize(), e.layout.PointerSize()
		blk := 0
		if f.IsThreadStatic() {
			blk |= 2
		}
		if ftd.IsReferenceLike() {
			blk |= 1
		} else {
			l, err := e.layout.InstanceLayout(ex.Type)
			if err != nil {
				return nil, err
			}
			size, align = l.Size, l.Align
		}
		cur := alignUp(cursors[blk], align)
		out[fd] = cur
		cursors[blk] = cur + size
	}
	return out, nil
}

func alignUp(v, a uint32) uint32 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
