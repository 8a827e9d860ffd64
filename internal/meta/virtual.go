package meta

// Virtual dispatch facts. Override tables are registered per type
// definition; interface implementations use the same table with the
// interface method definition as the slot key.

// TypeDefOf strips a constructed type back to its definition.
func (w *World) TypeDefOf(t TypeID) TypeID {
	d := w.Type(t)
	if d == nil {
		return NoTypeID
	}
	if d.Definition.IsValid() {
		return d.Definition
	}
	return t
}

// MethodDefOf strips a materialized method back to its definition.
func (w *World) MethodDefOf(m MethodID) MethodID {
	d := w.Method(m)
	if d == nil {
		return NoMethodID
	}
	if d.Definition.IsValid() {
		return d.Definition
	}
	return m
}

// FieldDefOf strips a materialized field back to its definition.
func (w *World) FieldDefOf(f FieldID) FieldID {
	d := w.Field(f)
	if d == nil {
		return NoFieldID
	}
	if d.Definition.IsValid() {
		return d.Definition
	}
	return f
}

// RegisterOverride records that typeDef implements the virtual slot decl
// with impl. Both decl and impl must be method definitions.
func (w *World) RegisterOverride(typeDef TypeID, decl, impl MethodID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tbl := w.overrides[typeDef]
	if tbl == nil {
		tbl = make(map[MethodID]MethodID, 4)
		w.overrides[typeDef] = tbl
	}
	tbl[decl] = impl
}

func (w *World) overrideOn(typeDef TypeID, declDef MethodID) (MethodID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	impl, ok := w.overrides[typeDef][declDef]
	return impl, ok
}

// SubtypeOf reports whether t is target or derives from it. When target is
// an interface, the registered interface lists are consulted; they are
// expected to hold the transitive closure.
func (w *World) SubtypeOf(t, target TypeID) bool {
	if !t.IsValid() || !target.IsValid() {
		return false
	}
	td := w.Type(target)
	if td != nil && td.Kind == KindInterface {
		for cur := t; cur.IsValid(); cur = w.BaseOf(cur) {
			if cur == target {
				return true
			}
			for _, it := range w.InterfacesOf(cur) {
				if it == target {
					return true
				}
			}
		}
		return false
	}
	for cur := t; cur.IsValid(); cur = w.BaseOf(cur) {
		if cur == target {
			return true
		}
	}
	return false
}

// ResolveVirtual finds the implementation the exact type objType provides
// for the virtual slot decl. decl may be an interface method or a class
// virtual; a generic virtual decl carries its instantiation onto the
// resolved implementation. The second result is false when objType does not
// provide or inherit an implementation.
func (w *World) ResolveVirtual(decl MethodID, objType TypeID) (MethodID, bool) {
	dm := w.Method(decl)
	if dm == nil || !objType.IsValid() {
		return NoMethodID, false
	}
	declDef := w.MethodDefOf(decl)
	declOwnerDef := w.TypeDefOf(w.Method(declDef).Owner)

	for cur := objType; cur.IsValid(); cur = w.BaseOf(cur) {
		curDef := w.TypeDefOf(cur)
		if implDef, ok := w.overrideOn(curDef, declDef); ok {
			return w.carryInstantiation(implDef, cur, dm.Inst), true
		}
		// Reaching the slot's declaring class means the base body is
		// the implementation.
		if curDef == declOwnerDef {
			if w.Method(declDef).IsAbstract() {
				return NoMethodID, false
			}
			return w.carryInstantiation(declDef, cur, dm.Inst), true
		}
	}
	return NoMethodID, false
}

func (w *World) carryInstantiation(implDef MethodID, owner TypeID, margs []TypeID) MethodID {
	impl := w.MethodOnType(implDef, owner)
	if len(margs) == 0 {
		return impl
	}
	return w.InstantiateMethod(impl, margs)
}
