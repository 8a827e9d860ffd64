package meta

// Canonicalization folds all reference-type instantiation arguments into the
// __Canon placeholder: List<string> and List<object> share one canonical form
// List<__Canon> and one method body. Value-type arguments keep their identity
// (each gets its own code) but their own arguments still fold, so
// Pair<MyStruct<string>> canonicalizes to Pair<MyStruct<__Canon>>.

// GenericContextSource says where shared code finds its runtime generic
// context at a call site.
type GenericContextSource uint8

const (
	// ContextNone marks exact code; no context is threaded.
	ContextNone GenericContextSource = iota
	// ContextThisObj derives context from the MethodTable of `this`.
	ContextThisObj
	// ContextTypeArg threads a hidden MethodTable argument.
	ContextTypeArg
	// ContextMethodDescArg threads a hidden MethodDesc argument.
	ContextMethodDescArg
)

func (s GenericContextSource) String() string {
	switch s {
	case ContextNone:
		return "none"
	case ContextThisObj:
		return "thisobj"
	case ContextTypeArg:
		return "typearg"
	case ContextMethodDescArg:
		return "methoddescarg"
	default:
		return "context(?)"
	}
}

// ContainsCanon reports whether t mentions the canonical placeholder
// anywhere in its structure.
func (w *World) ContainsCanon(t TypeID) bool {
	d := w.Type(t)
	if d == nil {
		return false
	}
	switch d.Kind {
	case KindCanon:
		return true
	case KindArray:
		return w.ContainsCanon(d.Elem)
	}
	for _, a := range d.Inst {
		if w.ContainsCanon(a) {
			return true
		}
	}
	return false
}

// canonArg folds one instantiation argument.
func (w *World) canonArg(a TypeID) TypeID {
	d := w.Type(a)
	if d == nil {
		return a
	}
	if d.IsReferenceLike() {
		return w.canon
	}
	if d.IsValueType() && len(d.Inst) > 0 {
		return w.CanonicalizeType(a)
	}
	return a
}

// CanonicalizeType returns the canonical form of t. Types without
// reference-type instantiation arguments canonicalize to themselves.
func (w *World) CanonicalizeType(t TypeID) TypeID {
	d := w.Type(t)
	if d == nil {
		return NoTypeID
	}
	switch d.Kind {
	case KindArray:
		elem := w.canonArg(d.Elem)
		if elem == d.Elem {
			return t
		}
		return w.ArrayOf(elem)
	case KindCanon, KindPrimitive, KindParam:
		return t
	}
	if len(d.Inst) == 0 {
		return t
	}
	changed := false
	args := make([]TypeID, len(d.Inst))
	for i, a := range d.Inst {
		args[i] = w.canonArg(a)
		if args[i] != a {
			changed = true
		}
	}
	if !changed {
		return t
	}
	return w.Instantiate(d.Definition, args)
}

// CanonicalizeMethod returns the canonical form of m: canonical owner plus
// folded method instantiation arguments.
func (w *World) CanonicalizeMethod(m MethodID) MethodID {
	d := w.Method(m)
	if d == nil {
		return NoMethodID
	}
	owner := w.CanonicalizeType(d.Owner)
	def := m
	if d.Definition.IsValid() {
		def = d.Definition
	}
	if len(d.Inst) == 0 {
		if owner == d.Owner {
			return m
		}
		return w.MethodOnType(def, owner)
	}
	changed := owner != d.Owner
	margs := make([]TypeID, len(d.Inst))
	for i, a := range d.Inst {
		margs[i] = w.canonArg(a)
		if margs[i] != a {
			changed = true
		}
	}
	if !changed {
		return m
	}
	base := w.MethodOnType(def, owner)
	return w.InstantiateMethod(base, margs)
}

// SharedByGenericInstantiations reports whether m is shared code, i.e. its
// owner or its own instantiation mentions __Canon.
func (w *World) SharedByGenericInstantiations(m MethodID) bool {
	d := w.Method(m)
	if d == nil {
		return false
	}
	if w.ContainsCanon(d.Owner) {
		return true
	}
	for _, a := range d.Inst {
		if w.ContainsCanon(a) {
			return true
		}
	}
	return false
}

// ContextSource classifies how shared code for m receives its generic
// context. Exact code needs none. Shared generic methods thread a
// MethodDesc. Shared statics and shared value-type methods thread a
// MethodTable, since no usable `this` exists. Shared instance methods on
// reference types read the MethodTable out of `this`.
func (w *World) ContextSource(m MethodID) GenericContextSource {
	if !w.SharedByGenericInstantiations(m) {
		return ContextNone
	}
	d := w.Method(m)
	for _, a := range d.Inst {
		if w.ContainsCanon(a) {
			return ContextMethodDescArg
		}
	}
	owner := w.Type(d.Owner)
	if d.IsStatic() || (owner != nil && owner.IsValueType()) {
		return ContextTypeArg
	}
	return ContextThisObj
}

// RequiresInstArg reports whether shared code for m takes a hidden generic
// context argument.
func (w *World) RequiresInstArg(m MethodID) bool {
	switch w.ContextSource(m) {
	case ContextTypeArg, ContextMethodDescArg:
		return true
	default:
		return false
	}
}
