package fixup

import (
	"fmt"

	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/zapsig"
)

// Encoder builds import cell references. All signatures are encoded relative
// to the codec's context module, which for a compilation is the module of
// the method being compiled.
type Encoder struct {
	codec *zapsig.Codec
}

// NewEncoder wraps a signature codec.
func NewEncoder(codec *zapsig.Codec) *Encoder {
	return &Encoder{codec: codec}
}

// Codec exposes the underlying signature codec.
func (e *Encoder) Codec() *zapsig.Codec { return e.codec }

func (e *Encoder) typeRef(kind Kind, t meta.TypeID) (*jitabi.ImportRef, error) {
	blob, err := e.codec.EncodeType(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return &jitabi.ImportRef{Kind: uint16(kind), Blob: blob}, nil
}

func (e *Encoder) methodRef(kind Kind, m meta.MethodID, flags zapsig.MethodFlags, constraint meta.TypeID) (*jitabi.ImportRef, error) {
	blob, err := e.codec.EncodeMethod(m, flags, constraint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return &jitabi.ImportRef{Kind: uint16(kind), Blob: blob}, nil
}

// TypeHandle materializes the runtime type handle for t.
func (e *Encoder) TypeHandle(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindTypeHandle, t)
}

// NewObject is the allocation-ready surrogate for t.
func (e *Encoder) NewObject(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindNewObject, t)
}

// NewArray is the allocation-ready surrogate for an array of t.
func (e *Encoder) NewArray(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindNewArray, t)
}

// IsInstanceOf is the type-test surrogate for t.
func (e *Encoder) IsInstanceOf(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindIsInstanceOf, t)
}

// ChkCast is the checked-cast surrogate for t.
func (e *Encoder) ChkCast(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindChkCast, t)
}

// CctorTrigger runs t's static constructor on first touch.
func (e *Encoder) CctorTrigger(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindCctorTrigger, t)
}

// StringHandle materializes a literal from the user-string heap. Strings are
// module-local, so the signature is just the heap index.
func (e *Encoder) StringHandle(tok meta.RawToken) (*jitabi.ImportRef, error) {
	if tok.Kind() != meta.TokenString || tok.IsNil() {
		return nil, fmt.Errorf("%s: %s is not a string token", KindStringHandle, tok)
	}
	blob, err := zapsig.AppendCompressed(nil, tok.RID())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindStringHandle, err)
	}
	return &jitabi.ImportRef{Kind: uint16(KindStringHandle), Blob: blob}, nil
}

// StaticBase yields the statics block of t for the given storage class.
func (e *Encoder) StaticBase(t meta.TypeID, access jitabi.FieldAccess, gcRefs bool) (*jitabi.ImportRef, error) {
	var kind Kind
	switch {
	case access == jitabi.FieldAccessThreadStatic && gcRefs:
		kind = KindThreadStaticBaseGC
	case access == jitabi.FieldAccessThreadStatic:
		kind = KindThreadStaticBaseNonGC
	case gcRefs:
		kind = KindStaticBaseGC
	default:
		kind = KindStaticBaseNonGC
	}
	return e.typeRef(kind, t)
}

// FieldBaseOffset yields the instance size of base, the frame start for
// fields declared on classes deriving from it.
func (e *Encoder) FieldBaseOffset(base meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindFieldBaseOffset, base)
}

// TypeDictionary yields the dictionary of an exact instantiated type.
func (e *Encoder) TypeDictionary(t meta.TypeID) (*jitabi.ImportRef, error) {
	return e.typeRef(KindTypeDictionary, t)
}

// MethodEntry yields a callable entry point for m.
func (e *Encoder) MethodEntry(m meta.MethodID, flags zapsig.MethodFlags, constraint meta.TypeID) (*jitabi.ImportRef, error) {
	return e.methodRef(KindMethodEntry, m, flags, constraint)
}

// VirtualEntry yields a dispatch cell for the virtual slot m.
func (e *Encoder) VirtualEntry(m meta.MethodID) (*jitabi.ImportRef, error) {
	return e.methodRef(KindVirtualEntry, m, 0, meta.NoTypeID)
}

// MethodHandle materializes the runtime method handle for m.
func (e *Encoder) MethodHandle(m meta.MethodID) (*jitabi.ImportRef, error) {
	return e.methodRef(KindMethodHandle, m, 0, meta.NoTypeID)
}

// MethodDictionary yields the dictionary of an exact instantiated method.
func (e *Encoder) MethodDictionary(m meta.MethodID) (*jitabi.ImportRef, error) {
	return e.methodRef(KindMethodDictionary, m, 0, meta.NoTypeID)
}

// FieldHandle materializes the runtime field handle for f.
func (e *Encoder) FieldHandle(f meta.FieldID) (*jitabi.ImportRef, error) {
	blob, err := e.codec.AppendField(nil, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindFieldHandle, err)
	}
	return &jitabi.ImportRef{Kind: uint16(KindFieldHandle), Blob: blob}, nil
}

// FieldAddress loads the storage address of a static field at run time.
func (e *Encoder) FieldAddress(f meta.FieldID) (*jitabi.ImportRef, error) {
	blob, err := e.codec.AppendField(nil, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindFieldAddress, err)
	}
	return &jitabi.ImportRef{Kind: uint16(KindFieldAddress), Blob: blob}, nil
}

// FieldOffset loads f's instance offset at run time.
func (e *Encoder) FieldOffset(f meta.FieldID) (*jitabi.ImportRef, error) {
	blob, err := e.codec.AppendField(nil, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindFieldOffset, err)
	}
	return &jitabi.ImportRef{Kind: uint16(KindFieldOffset), Blob: blob}, nil
}

// CheckFieldOffset verifies at load time that f sits at the offset the
// compiler assumed.
func (e *Encoder) CheckFieldOffset(f meta.FieldID, expected uint32) (*jitabi.ImportRef, error) {
	blob, err := e.codec.AppendField(nil, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindCheckFieldOffset, err)
	}
	if blob, err = zapsig.AppendCompressed(blob, expected); err != nil {
		return nil, fmt.Errorf("%s: %w", KindCheckFieldOffset, err)
	}
	return &jitabi.ImportRef{Kind: uint16(KindCheckFieldOffset), Blob: blob}, nil
}

// CheckTypeLayout verifies at load time that t still has the size,
// alignment, and GC pointer map the compiler baked in.
func (e *Encoder) CheckTypeLayout(t meta.TypeID, l *meta.TypeLayout) (*jitabi.ImportRef, error) {
	blob, err := e.codec.EncodeType(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindCheckTypeLayout, err)
	}
	if blob, err = zapsig.AppendCompressed(blob, l.Size); err != nil {
		return nil, err
	}
	if blob, err = zapsig.AppendCompressed(blob, l.Align); err != nil {
		return nil, err
	}
	if blob, err = zapsig.AppendCompressed(blob, uint32(len(l.GCRefs))); err != nil {
		return nil, err
	}
	prev := uint32(0)
	for _, off := range l.GCRefs {
		// Deltas compress better than absolutes on wide structs.
		if blob, err = zapsig.AppendCompressed(blob, off-prev); err != nil {
			return nil, err
		}
		prev = off
	}
	return &jitabi.ImportRef{Kind: uint16(KindCheckTypeLayout), Blob: blob}, nil
}

// Helper yields the cell for a runtime helper.
func (e *Encoder) Helper(h jitabi.HelperID) (*jitabi.ImportRef, error) {
	blob, err := zapsig.AppendCompressed(nil, uint32(h))
	if err != nil {
		return nil, err
	}
	return &jitabi.ImportRef{Kind: uint16(KindHelper), Blob: blob}, nil
}

// DictionarySlot wraps a target cell reference as the signature of a
// dictionary slot reached through the given lookup anchor.
func (e *Encoder) DictionarySlot(anchor Kind, target *jitabi.ImportRef) (*jitabi.ImportRef, error) {
	switch anchor {
	case KindThisObjDictionaryLookup, KindTypeDictionaryLookup, KindMethodDictionaryLookup:
	default:
		return nil, fmt.Errorf("fixup: %s is not a dictionary lookup anchor", anchor)
	}
	blob, err := zapsig.AppendCompressed(nil, uint32(target.Kind))
	if err != nil {
		return nil, err
	}
	blob = append(blob, target.Blob...)
	return &jitabi.ImportRef{Kind: uint16(anchor), Blob: blob}, nil
}
