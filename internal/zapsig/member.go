package zapsig

import (
	"fmt"

	"pregen/internal/meta"
)

// MethodSig is a decoded method reference. Method is fully materialized:
// owner instantiation and method instantiation already applied.
type MethodSig struct {
	Method     meta.MethodID
	Flags      MethodFlags
	Constraint meta.TypeID
}

// FieldSig is a decoded field reference.
type FieldSig struct {
	Field meta.FieldID
	Flags FieldFlags
}

// AppendMethod appends a method reference. extra carries caller-owned
// qualifiers (unboxing stub); structural flags are derived from m itself.
// constraint, when valid, records an unresolved constrained-call prefix.
func (c *Codec) AppendMethod(dst []byte, m meta.MethodID, extra MethodFlags, constraint meta.TypeID) ([]byte, error) {
	w := c.world
	d := w.Method(m)
	if d == nil {
		return dst, fmt.Errorf("zapsig: invalid method %d", m)
	}
	def := w.MethodDefOf(m)
	dd := w.Method(def)

	flags := extra
	ownerNeeded := d.Owner != dd.Owner || dd.Module != c.module
	if ownerNeeded {
		flags |= MethodFlagOwnerType
	}
	if len(d.Inst) > 0 {
		flags |= MethodFlagInstantiation
	}
	if constraint.IsValid() {
		flags |= MethodFlagConstrained
	}

	dst, err := AppendCompressed(dst, uint32(flags))
	if err != nil {
		return dst, err
	}
	if ownerNeeded {
		if dst, err = c.AppendType(dst, d.Owner); err != nil {
			return dst, err
		}
	}
	if dd.Token.Kind() != meta.TokenMethodDef {
		return dst, fmt.Errorf("zapsig: method %q has no definition token", dd.Name)
	}
	if dst, err = AppendCompressed(dst, dd.Token.RID()); err != nil {
		return dst, err
	}
	if len(d.Inst) > 0 {
		if dst, err = AppendCompressed(dst, uint32(len(d.Inst))); err != nil {
			return dst, err
		}
		for _, a := range d.Inst {
			if dst, err = c.AppendType(dst, a); err != nil {
				return dst, err
			}
		}
	}
	if constraint.IsValid() {
		if dst, err = c.AppendType(dst, constraint); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// EncodeMethod is AppendMethod into a fresh buffer.
func (c *Codec) EncodeMethod(m meta.MethodID, extra MethodFlags, constraint meta.TypeID) ([]byte, error) {
	return c.AppendMethod(nil, m, extra, constraint)
}

// DecodeMethod reads one method reference and returns the remainder.
func (c *Codec) DecodeMethod(buf []byte) (MethodSig, []byte, error) {
	w := c.world
	var sig MethodSig
	rawFlags, buf, err := ReadCompressed(buf)
	if err != nil {
		return sig, nil, err
	}
	flags := MethodFlags(rawFlags)
	sig.Flags = flags

	owner := meta.NoTypeID
	if flags&MethodFlagOwnerType != 0 {
		if owner, buf, err = c.DecodeType(buf); err != nil {
			return sig, nil, err
		}
	}
	rid, buf, err := ReadCompressed(buf)
	if err != nil {
		return sig, nil, err
	}

	tokKind := meta.TokenMethodDef
	tokMod := c.module
	if flags&MethodFlagMemberRef != 0 {
		tokKind = meta.TokenMemberRef
	} else if owner.IsValid() {
		tokMod = w.Type(w.TypeDefOf(owner)).Module
	}
	e, ok := w.LookupToken(tokMod, meta.MakeToken(tokKind, rid))
	if !ok || e.Kind != meta.EntityMethod {
		return sig, nil, fmt.Errorf("%w: %s rid %d in module %d", ErrBadToken, tokKind, rid, tokMod)
	}
	m := e.Method
	if owner.IsValid() {
		m = w.MethodOnType(m, owner)
	}
	if flags&MethodFlagInstantiation != 0 {
		var argc uint32
		if argc, buf, err = ReadCompressed(buf); err != nil {
			return sig, nil, err
		}
		args := make([]meta.TypeID, argc)
		for i := range args {
			if args[i], buf, err = c.DecodeType(buf); err != nil {
				return sig, nil, err
			}
		}
		m = w.InstantiateMethod(m, args)
	}
	if flags&MethodFlagConstrained != 0 {
		if sig.Constraint, buf, err = c.DecodeType(buf); err != nil {
			return sig, nil, err
		}
	}
	sig.Method = m
	return sig, buf, nil
}

// AppendField appends a field reference.
func (c *Codec) AppendField(dst []byte, f meta.FieldID) ([]byte, error) {
	w := c.world
	d := w.Field(f)
	if d == nil {
		return dst, fmt.Errorf("zapsig: invalid field %d", f)
	}
	def := w.FieldDefOf(f)
	dd := w.Field(def)

	var flags FieldFlags
	ownerNeeded := d.Owner != dd.Owner || dd.Module != c.module
	if ownerNeeded {
		flags |= FieldFlagOwnerType
	}
	dst, err := AppendCompressed(dst, uint32(flags))
	if err != nil {
		return dst, err
	}
	if ownerNeeded {
		if dst, err = c.AppendType(dst, d.Owner); err != nil {
			return dst, err
		}
	}
	if dd.Token.Kind() != meta.TokenFieldDef {
		return dst, fmt.Errorf("zapsig: field %q has no definition token", dd.Name)
	}
	return AppendCompressed(dst, dd.Token.RID())
}

// DecodeField reads one field reference and returns the remainder.
func (c *Codec) DecodeField(buf []byte) (FieldSig, []byte, error) {
	w := c.world
	var sig FieldSig
	rawFlags, buf, err := ReadCompressed(buf)
	if err != nil {
		return sig, nil, err
	}
	flags := FieldFlags(rawFlags)
	sig.Flags = flags

	owner := meta.NoTypeID
	if flags&FieldFlagOwnerType != 0 {
		if owner, buf, err = c.DecodeType(buf); err != nil {
			return sig, nil, err
		}
	}
	rid, buf, err := ReadCompressed(buf)
	if err != nil {
		return sig, nil, err
	}
	tokKind := meta.TokenFieldDef
	tokMod := c.module
	if flags&FieldFlagMemberRef != 0 {
		tokKind = meta.TokenMemberRef
	} else if owner.IsValid() {
		tokMod = w.Type(w.TypeDefOf(owner)).Module
	}
	e, ok := w.LookupToken(tokMod, meta.MakeToken(tokKind, rid))
	if !ok || e.Kind != meta.EntityField {
		return sig, nil, fmt.Errorf("%w: %s rid %d in module %d", ErrBadToken, tokKind, rid, tokMod)
	}
	f := e.Field
	if owner.IsValid() {
		f = w.FieldOnType(f, owner)
	}
	sig.Field = f
	return sig, buf, nil
}
