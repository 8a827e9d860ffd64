package jitabi

import (
	"pregen/internal/handle"
	"pregen/internal/meta"
)

// CallKind is the emission strategy for one call site.
type CallKind uint8

const (
	CallInvalid CallKind = iota
	// CallDirect is a pc-relative call to a method compiled in this image.
	CallDirect
	// CallDirectCell calls through an import cell that delay-loads the
	// target entry point on first use.
	CallDirectCell
	// CallStubDispatch calls through an interface dispatch cell that
	// caches the last resolved target.
	CallStubDispatch
	// CallVirtualHelper obtains the target function pointer from a
	// runtime helper before calling. Generic virtual methods and
	// ldvirtftn land here.
	CallVirtualHelper
)

func (k CallKind) String() string {
	switch k {
	case CallDirect:
		return "direct"
	case CallDirectCell:
		return "direct_cell"
	case CallStubDispatch:
		return "stub_dispatch"
	case CallVirtualHelper:
		return "virtual_helper"
	default:
		return "invalid"
	}
}

// DictLookupKind says which register-visible value anchors a runtime
// dictionary lookup.
type DictLookupKind uint8

const (
	LookupInvalid DictLookupKind = iota
	// LookupThisObj starts from the MethodTable of `this`.
	LookupThisObj
	// LookupClassParam starts from the hidden MethodTable argument.
	LookupClassParam
	// LookupMethodParam starts from the hidden MethodDesc argument.
	LookupMethodParam
)

func (k DictLookupKind) String() string {
	switch k {
	case LookupThisObj:
		return "thisobj"
	case LookupClassParam:
		return "classparam"
	case LookupMethodParam:
		return "methodparam"
	default:
		return "invalid"
	}
}

// RuntimeLookup is a planned generic dictionary access: start at the context
// anchor, follow Offsets dereferences to the dictionary, index Slot. When
// UseHelper is set the chain could not be planned and code must call Helper
// with the slot signature instead.
type RuntimeLookup struct {
	Kind       DictLookupKind
	Offsets    []uint32
	Slot       uint32
	SlotImport *ImportRef
	UseHelper  bool
	Helper     HelperID
}

// EmbedInfo materializes an entity reference inside generated code. Exact
// context loads the value from an import cell; shared context carries a
// runtime lookup plan instead.
type EmbedInfo struct {
	Entity meta.Entity
	Handle handle.Handle
	Import *ImportRef
	Lookup *RuntimeLookup
}

// NeedsRuntimeLookup reports whether the value is only known at run time.
func (e *EmbedInfo) NeedsRuntimeLookup() bool { return e != nil && e.Lookup != nil }

// ThisTransform says how a constrained call site adjusts `this` before
// dispatch.
type ThisTransform uint8

const (
	ThisNone ThisTransform = iota
	// ThisDeref loads the object reference out of the managed pointer;
	// reference-type constraints.
	ThisDeref
	// ThisBox boxes the value; value-type constraints with no unboxed
	// target.
	ThisBox
)

func (t ThisTransform) String() string {
	switch t {
	case ThisDeref:
		return "deref"
	case ThisBox:
		return "box"
	default:
		return "none"
	}
}

// CallInfo is the engine's full answer for one call-shaped site.
type CallInfo struct {
	Kind   CallKind
	Method meta.MethodID // resolved target identity, canonical for shared
	Target handle.Handle

	ThisTransform ThisTransform

	UseInstantiatingStub bool
	UseUnboxingStub      bool
	// NeedsNullCheck marks devirtualized callvirt: the implicit null
	// check of the virtual dispatch must be re-materialized.
	NeedsNullCheck bool

	// InstArg describes the hidden generic context argument when the
	// callee's shared code requires one and no instantiating stub is
	// interposed.
	InstArg *EmbedInfo

	// Address materializes the call target: an import cell, or a runtime
	// lookup when the identity is only known per instantiation. Nil for
	// CallDirect, which calls the method's own symbol.
	Address *EmbedInfo

	// ClassInit is the class constructor trigger the site must run before
	// the call. Nil when the callee's owner needs no eager trigger.
	ClassInit *EmbedInfo

	Helper HelperID
}

// FieldAccess classifies field storage.
type FieldAccess uint8

const (
	FieldAccessInstance FieldAccess = iota
	FieldAccessStatic
	FieldAccessThreadStatic
)

func (a FieldAccess) String() string {
	switch a {
	case FieldAccessInstance:
		return "instance"
	case FieldAccessStatic:
		return "static"
	case FieldAccessThreadStatic:
		return "thread_static"
	default:
		return "access(?)"
	}
}

// FieldEncoding is the offset strategy for one field access site.
type FieldEncoding uint8

const (
	// FieldEncFixedOffset bakes the literal offset into code.
	FieldEncFixedOffset FieldEncoding = iota
	// FieldEncBaseOffset loads the base-class size from an import cell
	// and adds the literal delta of the field within its declaring frame.
	FieldEncBaseOffset
	// FieldEncCheckedOffset bakes the literal offset and registers a
	// load-time verification cell that fails fast on layout drift.
	FieldEncCheckedOffset
	// FieldEncImportedOffset loads the whole offset from an import cell.
	FieldEncImportedOffset
)

func (e FieldEncoding) String() string {
	switch e {
	case FieldEncFixedOffset:
		return "fixed"
	case FieldEncBaseOffset:
		return "base_offset"
	case FieldEncCheckedOffset:
		return "checked_offset"
	case FieldEncImportedOffset:
		return "imported_offset"
	default:
		return "encoding(?)"
	}
}

// FieldInfo is the engine's full answer for one field access site.
type FieldInfo struct {
	Access   FieldAccess
	Encoding FieldEncoding
	Field    meta.FieldID
	Handle   handle.Handle

	// Offset is the literal per Encoding: absolute for FixedOffset and
	// CheckedOffset, the delta past the base frame for BaseOffset, and
	// the offset within the statics block for static access.
	Offset uint32

	Import *ImportRef
	Helper HelperID
}
