package meta

import "fmt"

// TypeKind enumerates the shapes of type descriptors the oracle models.
type TypeKind uint8

const (
	KindInvalid TypeKind = iota
	KindPrimitive
	KindClass
	KindStruct
	KindInterface
	KindEnum
	KindArray
	KindParam // generic parameter, owned by a type or a method definition
	KindCanon // the canonical placeholder standing in for any reference type
)

func (k TypeKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindPrimitive:
		return "primitive"
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindInterface:
		return "interface"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindParam:
		return "param"
	case KindCanon:
		return "canon"
	default:
		return fmt.Sprintf("TypeKind(%d)", k)
	}
}

// PrimKind identifies a built-in primitive. The numeric order groups signed
// and unsigned pairs so width calculations stay table-free.
type PrimKind uint8

const (
	PrimVoid PrimKind = iota
	PrimBool
	PrimChar
	PrimI1
	PrimU1
	PrimI2
	PrimU2
	PrimI4
	PrimU4
	PrimI8
	PrimU8
	PrimF4
	PrimF8
	PrimIntPtr
	PrimUIntPtr

	primCount
)

func (p PrimKind) String() string {
	names := [...]string{
		"void", "bool", "char", "int8", "uint8", "int16", "uint16",
		"int32", "uint32", "int64", "uint64", "float32", "float64",
		"intptr", "uintptr",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return fmt.Sprintf("PrimKind(%d)", p)
}

// ParamOwner distinguishes type-owned from method-owned generic parameters.
type ParamOwner uint8

const (
	ParamOfType ParamOwner = iota
	ParamOfMethod
)

// TypeFlags carries metadata attributes the resolution engine consults.
type TypeFlags uint16

const (
	TypeSealed   TypeFlags = 1 << iota
	TypeAbstract           // abstract class
	// TypeNonVersionable marks a type whose layout is contractually stable
	// across servicing boundaries, so cross-bubble references may still use
	// fixed offsets.
	TypeNonVersionable
	// TypeHasCctor marks a type declaring a class constructor.
	TypeHasCctor
	// TypeBeforeFieldInit permits deferring the class constructor to the
	// first static field access instead of the first member touch.
	TypeBeforeFieldInit
)

// LayoutOrder is the field-layout discipline declared in metadata.
type LayoutOrder uint8

const (
	LayoutAuto LayoutOrder = iota
	LayoutSequential
	LayoutExplicit
)

// Type is a compact descriptor for any type the compilation can touch.
// Definitions carry names, tokens and arity; constructed forms carry a
// Definition reference plus instantiation arguments.
type Type struct {
	Kind   TypeKind
	Module ModuleID
	Name   string   // namespace-qualified, definitions only
	Token  RawToken // defining token in Module, definitions only
	Flags  TypeFlags
	Layout LayoutOrder

	Prim       PrimKind // KindPrimitive
	Elem       TypeID   // KindArray element
	Base       TypeID   // base class for class/struct/enum definitions
	Underlying TypeID   // KindEnum underlying primitive

	ParamOwner ParamOwner // KindParam
	ParamIndex uint16     // KindParam position in the owner's parameter list

	Definition TypeID   // constructed generic: the open definition
	Inst       []TypeID // constructed generic: type arguments
	Arity      uint16   // generic parameter count on definitions

	Fields     []FieldID  // declaration order, definitions only
	Interfaces []TypeID   // implemented interface definitions
}

// HasInstantiation reports whether the descriptor is a constructed generic.
func (t *Type) HasInstantiation() bool { return len(t.Inst) > 0 }

// IsGenericDefinition reports whether the descriptor declares its own
// generic parameters and is not yet instantiated.
func (t *Type) IsGenericDefinition() bool { return t.Arity > 0 && len(t.Inst) == 0 }

// IsValueType reports whether instances are stored inline rather than by
// reference.
func (t *Type) IsValueType() bool {
	switch t.Kind {
	case KindStruct, KindEnum, KindPrimitive:
		return true
	default:
		return false
	}
}

// IsReferenceLike reports whether values of the type are GC references.
func (t *Type) IsReferenceLike() bool {
	switch t.Kind {
	case KindClass, KindInterface, KindArray, KindCanon:
		return true
	default:
		return false
	}
}

// IsSealed reports the sealed attribute. Arrays and value types behave as
// sealed for dispatch purposes.
func (t *Type) IsSealed() bool {
	if t.Flags&TypeSealed != 0 {
		return true
	}
	return t.Kind == KindStruct || t.Kind == KindEnum || t.Kind == KindPrimitive || t.Kind == KindArray
}
