package meta

// SubstituteType rewrites generic parameters inside t: !n takes tyInst[n],
// !!n takes methodInst[n]. A parameter without a binding is returned as-is,
// which keeps open forms usable as dictionary lookup subjects. All
// constructed results are interned, so repeated substitution of the same
// shape is cheap.
func (w *World) SubstituteType(t TypeID, tyInst, methodInst []TypeID) TypeID {
	d := w.Type(t)
	if d == nil {
		return NoTypeID
	}
	switch d.Kind {
	case KindParam:
		if d.ParamOwner == ParamOfMethod {
			if int(d.ParamIndex) < len(methodInst) {
				return methodInst[d.ParamIndex]
			}
			return t
		}
		if int(d.ParamIndex) < len(tyInst) {
			return tyInst[d.ParamIndex]
		}
		return t
	case KindArray:
		elem := w.SubstituteType(d.Elem, tyInst, methodInst)
		if elem == d.Elem {
			return t
		}
		return w.ArrayOf(elem)
	case KindPrimitive, KindCanon:
		return t
	}
	if len(d.Inst) == 0 {
		return t
	}
	changed := false
	args := make([]TypeID, len(d.Inst))
	for i, a := range d.Inst {
		args[i] = w.SubstituteType(a, tyInst, methodInst)
		if args[i] != a {
			changed = true
		}
	}
	if !changed {
		return t
	}
	return w.Instantiate(d.Definition, args)
}

// SubstituteMethod rewrites generic parameters inside m's owner and method
// instantiation, re-materializing the result through the interning
// constructors.
func (w *World) SubstituteMethod(m MethodID, tyInst, methodInst []TypeID) MethodID {
	d := w.Method(m)
	if d == nil {
		return NoMethodID
	}
	owner := w.SubstituteType(d.Owner, tyInst, methodInst)
	out := w.MethodOnType(w.MethodDefOf(m), owner)
	if len(d.Inst) > 0 {
		args := make([]TypeID, len(d.Inst))
		for i, a := range d.Inst {
			args[i] = w.SubstituteType(a, tyInst, methodInst)
		}
		out = w.InstantiateMethod(out, args)
	}
	return out
}

// SubstituteField rewrites generic parameters inside f's owner.
func (w *World) SubstituteField(f FieldID, tyInst, methodInst []TypeID) FieldID {
	d := w.Field(f)
	if d == nil {
		return NoFieldID
	}
	owner := w.SubstituteType(d.Owner, tyInst, methodInst)
	return w.FieldOnType(w.FieldDefOf(f), owner)
}

// ContainsParams reports whether t still mentions an unbound generic
// parameter anywhere in its structure.
func (w *World) ContainsParams(t TypeID) bool {
	d := w.Type(t)
	if d == nil {
		return false
	}
	switch d.Kind {
	case KindParam:
		return true
	case KindArray:
		return w.ContainsParams(d.Elem)
	}
	for _, a := range d.Inst {
		if w.ContainsParams(a) {
			return true
		}
	}
	return false
}
