// Package meta is the read-only metadata oracle the compilation core
// consults: modules with token tables, type/method/field descriptors,
// instantiation and canonicalization, and layout queries. The core never
// mutates entities after registration; constructed forms are interned, so
// concurrent per-method compilations share one world through lookup-or-insert.
package meta

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"fortio.org/safecast"
)

// Module is one loaded module (assembly) participating in the compilation,
// either as a member of the version bubble or as a reference.
type Module struct {
	Name   string
	tokens map[RawToken]Entity
}

// Token resolves a raw token against the module's token tables.
func (m *Module) Token(tok RawToken) (Entity, bool) {
	e, ok := m.tokens[tok]
	return e, ok
}

// WellKnown holds the handful of core-library entities the resolution engine
// special-cases. All fields are optional; absent entries simply disable the
// corresponding special case.
type WellKnown struct {
	Object      TypeID
	String      TypeID
	ValueType   TypeID
	EnumBase    TypeID   // the abstract base every enum derives from
	GetHashCode MethodID // Object.GetHashCode virtual definition
}

// World owns every descriptor arena. Index 0 of each arena is reserved so
// the zero ID means "absent". Interning maps make constructed forms unique,
// which in turn makes descriptor identity usable as a cache key everywhere
// downstream.
type World struct {
	mu sync.RWMutex

	modules []Module
	types   []Type
	methods []Method
	fields  []Field

	instIndex   map[instKey]TypeID   // constructed generic types
	arrayIndex  map[TypeID]TypeID    // element -> array-of-element
	paramIndex  map[paramKey]TypeID  // generic parameter descriptors
	methodIndex map[methodKey]MethodID
	fieldIndex  map[fieldKey]FieldID

	overrides map[TypeID]map[MethodID]MethodID // type def -> virtual decl def -> impl def

	prims [primCount]TypeID
	canon TypeID

	wk WellKnown
}

type instKey struct {
	def  TypeID
	args string
}

type paramKey struct {
	owner ParamOwner
	index uint16
}

type methodKey struct {
	def   MethodID
	owner TypeID
	args  string
}

type fieldKey struct {
	def   FieldID
	owner TypeID
}

// NewWorld constructs a world seeded with the primitive descriptors and the
// canonical placeholder.
func NewWorld() *World {
	w := &World{
		modules:     make([]Module, 1, 8),
		types:       make([]Type, 1, 256),
		methods:     make([]Method, 1, 256),
		fields:      make([]Field, 1, 256),
		instIndex:   make(map[instKey]TypeID, 64),
		arrayIndex:  make(map[TypeID]TypeID, 16),
		paramIndex:  make(map[paramKey]TypeID, 32),
		methodIndex: make(map[methodKey]MethodID, 64),
		fieldIndex:  make(map[fieldKey]FieldID, 64),
		overrides:   make(map[TypeID]map[MethodID]MethodID, 32),
	}
	for p := PrimVoid; p < primCount; p++ {
		w.prims[p] = w.allocType(Type{Kind: KindPrimitive, Prim: p})
	}
	w.canon = w.allocType(Type{Kind: KindCanon, Name: "__Canon"})
	return w
}

// Canon returns the canonical placeholder type.
func (w *World) Canon() TypeID { return w.canon }

// Primitive returns the descriptor ID for a built-in primitive.
func (w *World) Primitive(p PrimKind) TypeID {
	if p >= primCount {
		return NoTypeID
	}
	return w.prims[p]
}

// SetWellKnown records the core-library entities; called once at load time.
func (w *World) SetWellKnown(wk WellKnown) { w.wk = wk }

// WellKnown returns the registered core-library entities.
func (w *World) WellKnown() WellKnown { return w.wk }

// AddModule registers a module and returns its ID.
func (w *World) AddModule(name string) ModuleID {
	w.mu.Lock()
	defer w.mu.Unlock()
	value, err := safecast.Conv[uint32](len(w.modules))
	if err != nil {
		panic(fmt.Errorf("module arena overflow: %w", err))
	}
	w.modules = append(w.modules, Module{
		Name:   name,
		tokens: make(map[RawToken]Entity, 32),
	})
	return ModuleID(value)
}

// Module returns the module for an ID, or nil when invalid.
func (w *World) Module(id ModuleID) *Module {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !id.IsValid() || int(id) >= len(w.modules) {
		return nil
	}
	return &w.modules[id]
}

// ModuleCount reports the number of registered modules.
func (w *World) ModuleCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.modules) - 1
}

// RegisterToken binds a raw token to an entity in the module's tables.
// Rebinding an existing token is a programmer error.
func (w *World) RegisterToken(mod ModuleID, tok RawToken, e Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !mod.IsValid() || int(mod) >= len(w.modules) {
		panic(fmt.Sprintf("meta: RegisterToken on invalid module %d", mod))
	}
	tbl := w.modules[mod].tokens
	if _, dup := tbl[tok]; dup {
		panic(fmt.Sprintf("meta: duplicate token %s in module %q", tok, w.modules[mod].Name))
	}
	tbl[tok] = e
}

// LookupToken resolves a raw token against a module's tables.
func (w *World) LookupToken(mod ModuleID, tok RawToken) (Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !mod.IsValid() || int(mod) >= len(w.modules) {
		return Entity{}, false
	}
	e, ok := w.modules[mod].tokens[tok]
	return e, ok
}

// Type returns the descriptor for a TypeID, or nil when invalid.
func (w *World) Type(id TypeID) *Type {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !id.IsValid() || int(id) >= len(w.types) {
		return nil
	}
	return &w.types[id]
}

// Method returns the descriptor for a MethodID, or nil when invalid.
func (w *World) Method(id MethodID) *Method {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !id.IsValid() || int(id) >= len(w.methods) {
		return nil
	}
	return &w.methods[id]
}

// Field returns the descriptor for a FieldID, or nil when invalid.
func (w *World) Field(id FieldID) *Field {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !id.IsValid() || int(id) >= len(w.fields) {
		return nil
	}
	return &w.fields[id]
}

// allocType appends a descriptor without interning. Callers hold no lock.
func (w *World) allocType(t Type) TypeID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allocTypeLocked(t)
}

func (w *World) allocTypeLocked(t Type) TypeID {
	value, err := safecast.Conv[uint32](len(w.types))
	if err != nil {
		panic(fmt.Errorf("type arena overflow: %w", err))
	}
	w.types = append(w.types, t)
	return TypeID(value)
}

func (w *World) allocMethodLocked(m Method) MethodID {
	value, err := safecast.Conv[uint32](len(w.methods))
	if err != nil {
		panic(fmt.Errorf("method arena overflow: %w", err))
	}
	w.methods = append(w.methods, m)
	return MethodID(value)
}

func (w *World) allocFieldLocked(f Field) FieldID {
	value, err := safecast.Conv[uint32](len(w.fields))
	if err != nil {
		panic(fmt.Errorf("field arena overflow: %w", err))
	}
	w.fields = append(w.fields, f)
	return FieldID(value)
}

// RegisterType registers a type definition and returns its ID. Constructed
// forms go through Instantiate/ArrayOf/ParamOf instead.
func (w *World) RegisterType(t Type) TypeID {
	if t.Definition.IsValid() || len(t.Inst) > 0 {
		panic("meta: RegisterType is for definitions; use Instantiate")
	}
	return w.allocType(t)
}

// RegisterMethod registers a method definition on its owner and returns the
// ID. The owner's descriptor is not touched; Builder wires member lists.
func (w *World) RegisterMethod(m Method) MethodID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allocMethodLocked(m)
}

// RegisterField registers a field definition and returns its ID.
func (w *World) RegisterField(f Field) FieldID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allocFieldLocked(f)
}

// typeArgsKey renders an instantiation as a stable map key; slices cannot
// key maps directly.
func typeArgsKey(args []TypeID) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte('#')
		}
		b.WriteString(strconv.FormatUint(uint64(a), 10))
	}
	return b.String()
}

// TypeName renders a readable name for diagnostics.
func (w *World) TypeName(id TypeID) string {
	t := w.Type(id)
	if t == nil {
		return "<invalid>"
	}
	switch t.Kind {
	case KindPrimitive:
		return t.Prim.String()
	case KindArray:
		return w.TypeName(t.Elem) + "[]"
	case KindCanon:
		return "__Canon"
	case KindParam:
		if t.ParamOwner == ParamOfMethod {
			return fmt.Sprintf("!!%d", t.ParamIndex)
		}
		return fmt.Sprintf("!%d", t.ParamIndex)
	}
	if t.Definition.IsValid() {
		var b strings.Builder
		b.WriteString(w.TypeName(t.Definition))
		b.WriteByte('<')
		for i, a := range t.Inst {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(w.TypeName(a))
		}
		b.WriteByte('>')
		return b.String()
	}
	return t.Name
}

// MethodName renders a readable owner-qualified name for diagnostics.
func (w *World) MethodName(id MethodID) string {
	m := w.Method(id)
	if m == nil {
		return "<invalid>"
	}
	name := m.Name
	if name == "" && m.Definition.IsValid() {
		name = w.methodDefName(m.Definition)
	}
	s := w.TypeName(m.Owner) + "." + name
	if len(m.Inst) > 0 {
		var b strings.Builder
		b.WriteString(s)
		b.WriteByte('<')
		for i, a := range m.Inst {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(w.TypeName(a))
		}
		b.WriteByte('>')
		return b.String()
	}
	return s
}

func (w *World) methodDefName(id MethodID) string {
	m := w.Method(id)
	if m == nil {
		return "<invalid>"
	}
	if m.Name != "" {
		return m.Name
	}
	if m.Definition.IsValid() && m.Definition != id {
		return w.methodDefName(m.Definition)
	}
	return "<anonymous>"
}
