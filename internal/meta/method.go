package meta

import "fmt"

// MethodFlags carries the method attributes the dispatch engine consults.
type MethodFlags uint16

const (
	MethodStatic MethodFlags = 1 << iota
	MethodVirtual
	MethodFinal
	MethodAbstract
	MethodCtor
	// MethodInternalCall marks a method whose body is provided by the
	// runtime itself; such methods keep a stable identity across servicing
	// updates, which widens the devirtualization rules.
	MethodInternalCall
)

// CallConv distinguishes the supported managed calling conventions.
type CallConv uint8

const (
	CallConvDefault CallConv = iota
	// CallConvVararg is carried so the resolver can reject it per method;
	// ready-to-run images never encode vararg call sites.
	CallConvVararg
)

// Method is a compact method descriptor. As with types, definitions carry
// names and tokens while constructed forms (method on an instantiated type,
// or an instantiated generic method) reference their definition.
type Method struct {
	Module ModuleID
	Owner  TypeID
	Name   string
	Token  RawToken // defining token, definitions only
	Flags  MethodFlags
	Conv   CallConv

	Params []TypeID // declared parameters, excluding any this pointer
	Return TypeID

	Arity      uint16   // generic parameter count on definitions
	Definition MethodID // constructed form: the open definition
	Inst       []TypeID // constructed form: method type arguments

	Body *Body // nil for bodiless (abstract, runtime-provided) methods
}

// IsStatic reports whether the method takes no this pointer.
func (m *Method) IsStatic() bool { return m.Flags&MethodStatic != 0 }

// IsVirtual reports whether the method participates in virtual dispatch.
func (m *Method) IsVirtual() bool { return m.Flags&MethodVirtual != 0 }

// IsFinal reports whether overriding is forbidden.
func (m *Method) IsFinal() bool { return m.Flags&MethodFinal != 0 }

// IsAbstract reports whether the method has no implementation of its own.
func (m *Method) IsAbstract() bool { return m.Flags&MethodAbstract != 0 }

// IsInternalCall reports whether the runtime supplies the implementation.
func (m *Method) IsInternalCall() bool { return m.Flags&MethodInternalCall != 0 }

// HasInstantiation reports whether the method carries its own type arguments.
func (m *Method) HasInstantiation() bool { return len(m.Inst) > 0 }

// IsGenericDefinition reports an uninstantiated generic method definition.
func (m *Method) IsGenericDefinition() bool { return m.Arity > 0 && len(m.Inst) == 0 }

func (m *Method) String() string {
	return fmt.Sprintf("%s(owner=type#%d)", m.Name, m.Owner)
}

// FieldFlags carries the field attributes the access encoder consults.
type FieldFlags uint8

const (
	FieldStatic FieldFlags = 1 << iota
	// FieldLiteral marks a compile-time constant; such fields were folded
	// into IL by the frontend and can never be materialized as storage.
	FieldLiteral
	FieldThreadStatic
)

// Field is a compact field descriptor.
type Field struct {
	Module ModuleID
	Owner  TypeID
	Name   string
	Token  RawToken
	Flags  FieldFlags
	Type   TypeID

	// ExplicitOffset is the metadata-declared offset for explicit-layout
	// owners; -1 everywhere else.
	ExplicitOffset int32

	Definition FieldID // materialized copy on an instantiated owner
}

// IsStatic reports whether the field has per-type rather than per-instance
// storage.
func (f *Field) IsStatic() bool { return f.Flags&FieldStatic != 0 }

// IsLiteral reports whether the field is a folded compile-time constant.
func (f *Field) IsLiteral() bool { return f.Flags&FieldLiteral != 0 }

// IsThreadStatic reports whether static storage is per-thread.
func (f *Field) IsThreadStatic() bool { return f.Flags&FieldThreadStatic != 0 }
