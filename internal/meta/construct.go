package meta

// Constructed forms are interned: asking twice for List<int> yields the same
// TypeID, so descriptor identity doubles as a cache key. Lookups take the
// read lock; inserts re-check under the write lock.

// Instantiate interns the constructed type def<args...>. The argument count
// must match the definition arity. Base and interface substitution is lazy
// (BaseOf, InterfacesOf); eager substitution would not terminate for types
// whose base mentions the instantiation being built.
func (w *World) Instantiate(def TypeID, args []TypeID) TypeID {
	d := w.Type(def)
	if d == nil {
		panic("meta: Instantiate on invalid definition")
	}
	if d.Definition.IsValid() {
		// Normalize: instantiating an instantiation re-targets the definition.
		def = d.Definition
		d = w.Type(def)
	}
	if int(d.Arity) != len(args) {
		panic("meta: instantiation arity mismatch for " + w.TypeName(def))
	}
	if len(args) == 0 {
		return def
	}
	key := instKey{def: def, args: typeArgsKey(args)}
	w.mu.RLock()
	id, ok := w.instIndex[key]
	w.mu.RUnlock()
	if ok {
		return id
	}
	inst := make([]TypeID, len(args))
	copy(inst, args)
	t := Type{
		Kind:       d.Kind,
		Module:     d.Module,
		Name:       d.Name,
		Token:      d.Token,
		Flags:      d.Flags,
		Layout:     d.Layout,
		Underlying: d.Underlying,
		Definition: def,
		Inst:       inst,
		Arity:      d.Arity,
		Fields:     d.Fields,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.instIndex[key]; ok {
		return id
	}
	id = w.allocTypeLocked(t)
	w.instIndex[key] = id
	return id
}

// ArrayOf interns the single-dimension array type over elem.
func (w *World) ArrayOf(elem TypeID) TypeID {
	if !elem.IsValid() {
		panic("meta: ArrayOf on invalid element")
	}
	w.mu.RLock()
	id, ok := w.arrayIndex[elem]
	w.mu.RUnlock()
	if ok {
		return id
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.arrayIndex[elem]; ok {
		return id
	}
	id = w.allocTypeLocked(Type{Kind: KindArray, Elem: elem})
	w.arrayIndex[elem] = id
	return id
}

// ParamOf interns the generic parameter descriptor !index (type parameters)
// or !!index (method parameters). Parameters are positional: substitution
// and signatures never distinguish declaring entities.
func (w *World) ParamOf(owner ParamOwner, index uint16) TypeID {
	key := paramKey{owner: owner, index: index}
	w.mu.RLock()
	id, ok := w.paramIndex[key]
	w.mu.RUnlock()
	if ok {
		return id
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.paramIndex[key]; ok {
		return id
	}
	id = w.allocTypeLocked(Type{Kind: KindParam, ParamOwner: owner, ParamIndex: index})
	w.paramIndex[key] = id
	return id
}

// BaseOf returns the base type, substituting the instantiation for
// constructed types on first use.
func (w *World) BaseOf(id TypeID) TypeID {
	t := w.Type(id)
	if t == nil {
		return NoTypeID
	}
	if !t.Definition.IsValid() {
		return t.Base
	}
	if t.Base.IsValid() {
		return t.Base
	}
	defBase := w.Type(t.Definition).Base
	if !defBase.IsValid() {
		return NoTypeID
	}
	base := w.SubstituteType(defBase, t.Inst, nil)
	w.mu.Lock()
	w.types[id].Base = base
	w.mu.Unlock()
	return base
}

// InterfacesOf returns the implemented interfaces, substituting the
// instantiation for constructed types on first use.
func (w *World) InterfacesOf(id TypeID) []TypeID {
	t := w.Type(id)
	if t == nil {
		return nil
	}
	if !t.Definition.IsValid() || len(w.Type(t.Definition).Interfaces) == 0 {
		return t.Interfaces
	}
	if t.Interfaces != nil {
		return t.Interfaces
	}
	defIfaces := w.Type(t.Definition).Interfaces
	ifaces := make([]TypeID, len(defIfaces))
	for i, di := range defIfaces {
		ifaces[i] = w.SubstituteType(di, t.Inst, nil)
	}
	w.mu.Lock()
	w.types[id].Interfaces = ifaces
	w.mu.Unlock()
	return ifaces
}

// MethodOnType interns the method whose definition is def viewed on the
// (possibly instantiated) owner type. For a method on a non-generic owner
// this is the definition itself.
func (w *World) MethodOnType(def MethodID, owner TypeID) MethodID {
	d := w.Method(def)
	if d == nil {
		panic("meta: MethodOnType on invalid method")
	}
	if d.Definition.IsValid() {
		def = d.Definition
		d = w.Method(def)
	}
	if !owner.IsValid() || owner == d.Owner {
		return def
	}
	return w.internMethod(def, owner, nil)
}

// InstantiateMethod interns the generic method instantiation base<margs...>.
// base may itself be a materialized method on an instantiated owner.
func (w *World) InstantiateMethod(base MethodID, margs []TypeID) MethodID {
	b := w.Method(base)
	if b == nil {
		panic("meta: InstantiateMethod on invalid method")
	}
	def := base
	owner := b.Owner
	if b.Definition.IsValid() {
		def = b.Definition
	}
	d := w.Method(def)
	if int(d.Arity) != len(margs) {
		panic("meta: method instantiation arity mismatch for " + w.MethodName(def))
	}
	if len(margs) == 0 {
		return w.MethodOnType(def, owner)
	}
	return w.internMethod(def, owner, margs)
}

func (w *World) internMethod(def MethodID, owner TypeID, margs []TypeID) MethodID {
	key := methodKey{def: def, owner: owner, args: typeArgsKey(margs)}
	w.mu.RLock()
	id, ok := w.methodIndex[key]
	w.mu.RUnlock()
	if ok {
		return id
	}
	d := w.Method(def)
	var tyInst []TypeID
	if ot := w.Type(owner); ot != nil {
		tyInst = ot.Inst
	}
	params := make([]TypeID, len(d.Params))
	for i, p := range d.Params {
		params[i] = w.SubstituteType(p, tyInst, margs)
	}
	ret := d.Return
	if ret.IsValid() {
		ret = w.SubstituteType(ret, tyInst, margs)
	}
	var inst []TypeID
	if len(margs) > 0 {
		inst = make([]TypeID, len(margs))
		copy(inst, margs)
	}
	m := Method{
		Module:     d.Module,
		Owner:      owner,
		Name:       d.Name,
		Token:      d.Token,
		Flags:      d.Flags,
		Conv:       d.Conv,
		Params:     params,
		Return:     ret,
		Arity:      d.Arity,
		Definition: def,
		Inst:       inst,
		Body:       d.Body,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.methodIndex[key]; ok {
		return id
	}
	id = w.allocMethodLocked(m)
	w.methodIndex[key] = id
	return id
}

// FieldOnType interns the field definition def viewed on the (possibly
// instantiated) owner type, substituting the field type.
func (w *World) FieldOnType(def FieldID, owner TypeID) FieldID {
	d := w.Field(def)
	if d == nil {
		panic("meta: FieldOnType on invalid field")
	}
	if d.Definition.IsValid() {
		def = d.Definition
		d = w.Field(def)
	}
	if owner == d.Owner || !owner.IsValid() {
		return def
	}
	key := fieldKey{def: def, owner: owner}
	w.mu.RLock()
	id, ok := w.fieldIndex[key]
	w.mu.RUnlock()
	if ok {
		return id
	}
	var tyInst []TypeID
	if ot := w.Type(owner); ot != nil {
		tyInst = ot.Inst
	}
	f := Field{
		Module:         d.Module,
		Owner:          owner,
		Name:           d.Name,
		Token:          d.Token,
		Flags:          d.Flags,
		Type:           w.SubstituteType(d.Type, tyInst, nil),
		ExplicitOffset: d.ExplicitOffset,
		Definition:     def,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.fieldIndex[key]; ok {
		return id
	}
	id = w.allocFieldLocked(f)
	w.fieldIndex[key] = id
	return id
}

// FieldsOf returns the field definition list of a type; constructed types
// share the definition's list, members materialize through FieldOnType.
func (w *World) FieldsOf(id TypeID) []FieldID {
	t := w.Type(id)
	if t == nil {
		return nil
	}
	return t.Fields
}
