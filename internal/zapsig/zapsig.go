// Package zapsig implements the compact signature encoding used wherever an
// entity reference must survive outside the compiled image: fixup blobs,
// dictionary slot signatures, and profile blob streams. Signatures are
// structural for constructed types and token-based for definitions, with a
// module override prefix when a token must resolve outside the context
// module.
package zapsig

import (
	"errors"
	"fmt"

	"pregen/internal/meta"
)

// Element codes. Values follow the metadata element-type numbering so blobs
// stay recognizable in hex dumps.
const (
	elemVoid    = 0x01
	elemBool    = 0x02
	elemChar    = 0x03
	elemI1      = 0x04
	elemU1      = 0x05
	elemI2      = 0x06
	elemU2      = 0x07
	elemI4      = 0x08
	elemU4      = 0x09
	elemI8      = 0x0A
	elemU8      = 0x0B
	elemR4      = 0x0C
	elemR8      = 0x0D
	elemString  = 0x0E
	elemValue   = 0x11
	elemClass   = 0x12
	elemVar     = 0x13
	elemGeneric = 0x15
	elemIntPtr  = 0x18
	elemUIntPtr = 0x19
	elemObject  = 0x1C
	elemSZArray = 0x1D
	elemMVar    = 0x1E

	elemCanon          = 0x3E
	elemModuleOverride = 0x3F
)

// MethodFlags qualify an encoded method reference.
type MethodFlags uint32

const (
	MethodFlagUnboxingStub      MethodFlags = 0x01
	MethodFlagInstantiation     MethodFlags = 0x02
	MethodFlagInstantiatingStub MethodFlags = 0x04
	MethodFlagMemberRef         MethodFlags = 0x10
	MethodFlagConstrained       MethodFlags = 0x20
	MethodFlagOwnerType         MethodFlags = 0x40
)

// FieldFlags qualify an encoded field reference.
type FieldFlags uint32

const (
	FieldFlagMemberRef FieldFlags = 0x10
	FieldFlagOwnerType FieldFlags = 0x40
)

var (
	ErrTruncated     = errors.New("truncated signature")
	ErrBadCompressed = errors.New("invalid compressed integer")
	ErrBadElement    = errors.New("unknown element code")
	ErrBadToken      = errors.New("token does not resolve")
)

// Codec encodes and decodes signatures relative to a context module.
type Codec struct {
	world  *meta.World
	module meta.ModuleID
}

// New builds a codec whose unqualified tokens resolve in mod.
func New(w *meta.World, mod meta.ModuleID) *Codec {
	return &Codec{world: w, module: mod}
}

// ContextModule reports the module unqualified tokens resolve against.
func (c *Codec) ContextModule() meta.ModuleID { return c.module }

// AppendCompressed appends v in the variable-width metadata format:
// one byte below 0x80, two below 0x4000, four below 0x20000000.
func AppendCompressed(dst []byte, v uint32) ([]byte, error) {
	switch {
	case v < 0x80:
		return append(dst, byte(v)), nil
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v)), nil
	case v < 0x20000000:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v)), nil
	default:
		return dst, fmt.Errorf("%w: %#x out of range", ErrBadCompressed, v)
	}
}

// ReadCompressed reads one compressed integer and returns the remainder.
func ReadCompressed(buf []byte) (uint32, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, ErrTruncated
	}
	b0 := buf[0]
	switch {
	case b0 < 0x80:
		return uint32(b0), buf[1:], nil
	case b0&0xC0 == 0x80:
		if len(buf) < 2 {
			return 0, nil, ErrTruncated
		}
		return uint32(b0&0x3F)<<8 | uint32(buf[1]), buf[2:], nil
	case b0&0xE0 == 0xC0:
		if len(buf) < 4 {
			return 0, nil, ErrTruncated
		}
		v := uint32(b0&0x1F)<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		return v, buf[4:], nil
	default:
		return 0, nil, fmt.Errorf("%w: lead byte %#x", ErrBadCompressed, b0)
	}
}

var primElem = [...]byte{
	meta.PrimVoid:    elemVoid,
	meta.PrimBool:    elemBool,
	meta.PrimChar:    elemChar,
	meta.PrimI1:      elemI1,
	meta.PrimU1:      elemU1,
	meta.PrimI2:      elemI2,
	meta.PrimU2:      elemU2,
	meta.PrimI4:      elemI4,
	meta.PrimU4:      elemU4,
	meta.PrimI8:      elemI8,
	meta.PrimU8:      elemU8,
	meta.PrimF4:      elemR4,
	meta.PrimF8:      elemR8,
	meta.PrimIntPtr:  elemIntPtr,
	meta.PrimUIntPtr: elemUIntPtr,
}

// AppendType appends the signature of t.
func (c *Codec) AppendType(dst []byte, t meta.TypeID) ([]byte, error) {
	return c.appendType(dst, t, c.module)
}

// EncodeType is AppendType into a fresh buffer.
func (c *Codec) EncodeType(t meta.TypeID) ([]byte, error) {
	return c.AppendType(nil, t)
}

func (c *Codec) appendType(dst []byte, t meta.TypeID, cur meta.ModuleID) ([]byte, error) {
	w := c.world
	d := w.Type(t)
	if d == nil {
		return dst, fmt.Errorf("zapsig: invalid type %d", t)
	}
	wk := w.WellKnown()
	switch {
	case t == wk.Object:
		return append(dst, elemObject), nil
	case t == wk.String:
		return append(dst, elemString), nil
	}
	switch d.Kind {
	case meta.KindPrimitive:
		return append(dst, primElem[d.Prim]), nil
	case meta.KindCanon:
		return append(dst, elemCanon), nil
	case meta.KindArray:
		dst = append(dst, elemSZArray)
		return c.appendType(dst, d.Elem, cur)
	case meta.KindParam:
		if d.ParamOwner == meta.ParamOfMethod {
			dst = append(dst, elemMVar)
		} else {
			dst = append(dst, elemVar)
		}
		return AppendCompressed(dst, uint32(d.ParamIndex))
	}
	if len(d.Inst) > 0 {
		dst = append(dst, elemGeneric)
		var err error
		dst, err = c.appendNamed(dst, w.Type(d.Definition), cur)
		if err != nil {
			return dst, err
		}
		dst, err = AppendCompressed(dst, uint32(len(d.Inst)))
		if err != nil {
			return dst, err
		}
		for _, a := range d.Inst {
			if dst, err = c.appendType(dst, a, cur); err != nil {
				return dst, err
			}
		}
		return dst, nil
	}
	return c.appendNamed(dst, d, cur)
}

// appendNamed writes a definition reference: an optional module override,
// the class or value-type element byte, and the definition token RID.
func (c *Codec) appendNamed(dst []byte, d *meta.Type, cur meta.ModuleID) ([]byte, error) {
	var err error
	if d.Module != cur {
		dst = append(dst, elemModuleOverride)
		if dst, err = AppendCompressed(dst, uint32(d.Module)); err != nil {
			return dst, err
		}
	}
	if d.IsValueType() {
		dst = append(dst, elemValue)
	} else {
		dst = append(dst, elemClass)
	}
	if d.Token.Kind() != meta.TokenTypeDef {
		return dst, fmt.Errorf("zapsig: type %q has no definition token", d.Name)
	}
	return AppendCompressed(dst, d.Token.RID())
}

// DecodeType reads one type signature, returning the remainder.
func (c *Codec) DecodeType(buf []byte) (meta.TypeID, []byte, error) {
	return c.decodeType(buf, c.module)
}

func (c *Codec) decodeType(buf []byte, cur meta.ModuleID) (meta.TypeID, []byte, error) {
	w := c.world
	if len(buf) == 0 {
		return meta.NoTypeID, nil, ErrTruncated
	}
	code := buf[0]
	buf = buf[1:]
	wk := w.WellKnown()
	switch code {
	case elemVoid:
		return w.Primitive(meta.PrimVoid), buf, nil
	case elemBool:
		return w.Primitive(meta.PrimBool), buf, nil
	case elemChar:
		return w.Primitive(meta.PrimChar), buf, nil
	case elemI1:
		return w.Primitive(meta.PrimI1), buf, nil
	case elemU1:
		return w.Primitive(meta.PrimU1), buf, nil
	case elemI2:
		return w.Primitive(meta.PrimI2), buf, nil
	case elemU2:
		return w.Primitive(meta.PrimU2), buf, nil
	case elemI4:
		return w.Primitive(meta.PrimI4), buf, nil
	case elemU4:
		return w.Primitive(meta.PrimU4), buf, nil
	case elemI8:
		return w.Primitive(meta.PrimI8), buf, nil
	case elemU8:
		return w.Primitive(meta.PrimU8), buf, nil
	case elemR4:
		return w.Primitive(meta.PrimF4), buf, nil
	case elemR8:
		return w.Primitive(meta.PrimF8), buf, nil
	case elemIntPtr:
		return w.Primitive(meta.PrimIntPtr), buf, nil
	case elemUIntPtr:
		return w.Primitive(meta.PrimUIntPtr), buf, nil
	case elemString:
		return wk.String, buf, nil
	case elemObject:
		return wk.Object, buf, nil
	case elemCanon:
		return w.Canon(), buf, nil
	case elemSZArray:
		elem, rest, err := c.decodeType(buf, cur)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		return w.ArrayOf(elem), rest, nil
	case elemVar, elemMVar:
		idx, rest, err := ReadCompressed(buf)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		owner := meta.ParamOfType
		if code == elemMVar {
			owner = meta.ParamOfMethod
		}
		return w.ParamOf(owner, uint16(idx)), rest, nil
	case elemModuleOverride:
		modIdx, rest, err := ReadCompressed(buf)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		return c.decodeType(rest, meta.ModuleID(modIdx))
	case elemGeneric:
		def, rest, err := c.decodeType(buf, cur)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		argc, rest, err := ReadCompressed(rest)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		args := make([]meta.TypeID, argc)
		for i := range args {
			if args[i], rest, err = c.decodeType(rest, cur); err != nil {
				return meta.NoTypeID, nil, err
			}
		}
		return w.Instantiate(def, args), rest, nil
	case elemClass, elemValue:
		rid, rest, err := ReadCompressed(buf)
		if err != nil {
			return meta.NoTypeID, nil, err
		}
		tok := meta.MakeToken(meta.TokenTypeDef, rid)
		e, ok := w.LookupToken(cur, tok)
		if !ok || e.Kind != meta.EntityType {
			return meta.NoTypeID, nil, fmt.Errorf("%w: %s in module %d", ErrBadToken, tok, cur)
		}
		return e.Type, rest, nil
	default:
		return meta.NoTypeID, nil, fmt.Errorf("%w: %#x", ErrBadElement, code)
	}
}
