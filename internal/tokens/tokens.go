// Package tokens resolves raw metadata tokens into entities, relative to the
// generic context of the method whose body carries them. Resolution yields
// two forms: the exact entity the code generator embeds, and the
// declaration-relative open form that dictionary slot signatures and
// dependency records encode, so the loader can re-evaluate them per
// instantiation.
package tokens

import (
	"errors"
	"fmt"

	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

var (
	ErrDanglingToken = errors.New("token does not resolve")
	ErrLiteralField  = errors.New("literal field has no storage")
)

// Context identifies whose body a raw token came from. Module scopes the
// physical token tables; Method carries the live instantiation.
type Context struct {
	Module meta.ModuleID
	Method meta.MethodID
}

// Resolved is the resolver's answer for one token.
type Resolved struct {
	Token  meta.RawToken
	Module meta.ModuleID

	// Entity is the exact form after context substitution; inside shared
	// code it mentions the canonical placeholder.
	Entity meta.Entity
	// Open is the declaration-relative form before substitution. Slot
	// signatures encode this one.
	Open meta.Entity
}

// Resolver resolves tokens against one world. Stateless beyond the world
// reference; safe for concurrent use.
type Resolver struct {
	world *meta.World
}

// NewResolver builds a resolver over w.
func NewResolver(w *meta.World) *Resolver {
	return &Resolver{world: w}
}

// Resolve resolves tok in ctx.
//
// Synthesized bodies use tokens as cookies into their own entity table; a
// missing cookie is a fatal internal error because such bodies are emitted
// together with their tables. Physical tokens go through the module's token
// table and then through context substitution.
func (r *Resolver) Resolve(ctx Context, tok meta.RawToken) (Resolved, error) {
	w := r.world
	m := w.Method(ctx.Method)
	if m == nil {
		return Resolved{}, jitabi.Fatalf("token resolution without a context method")
	}

	if body := m.Body; body != nil && body.Synthesized {
		e, ok := body.Cookie(tok)
		if !ok {
			return Resolved{}, jitabi.Fatalf("cookie %s out of range in synthesized body of %s",
				tok, w.MethodName(ctx.Method))
		}
		return Resolved{Token: tok, Module: ctx.Module, Entity: e, Open: e}, nil
	}

	open, ok := w.LookupToken(ctx.Module, tok)
	if !ok {
		return Resolved{}, jitabi.AbortMethod(ctx.Method, "token resolution",
			fmt.Errorf("%w: %s in module %d", ErrDanglingToken, tok, ctx.Module))
	}
	if open.Kind == meta.EntityField && w.Field(open.Field).IsLiteral() {
		// Literal fields were never loadable; a token that names one is a
		// metadata inconsistency, not a per-method defect. Same tier as the
		// field encoder's check.
		return Resolved{}, jitabi.FatalWrap("token resolution",
			fmt.Errorf("%w: %s", ErrLiteralField, w.Field(open.Field).Name))
	}

	res := Resolved{Token: tok, Module: ctx.Module, Open: open}
	res.Entity = r.substitute(open, m)
	return res, nil
}

// ResolveArray resolves a newarr element token and wraps both forms in the
// element's array type.
func (r *Resolver) ResolveArray(ctx Context, tok meta.RawToken) (Resolved, error) {
	res, err := r.Resolve(ctx, tok)
	if err != nil {
		return Resolved{}, err
	}
	if res.Entity.Kind != meta.EntityType {
		return Resolved{}, jitabi.AbortMethod(ctx.Method, "token resolution",
			fmt.Errorf("newarr token %s resolves to a %s", tok, res.Entity.Kind))
	}
	res.Entity = meta.TypeEntity(r.world.ArrayOf(res.Entity.Type))
	res.Open = meta.TypeEntity(r.world.ArrayOf(res.Open.Type))
	return res, nil
}

func (r *Resolver) substitute(e meta.Entity, ctx *meta.Method) meta.Entity {
	w := r.world
	tyInst := w.Type(ctx.Owner).Inst
	if len(tyInst) == 0 && len(ctx.Inst) == 0 {
		return e
	}
	switch e.Kind {
	case meta.EntityType:
		return meta.TypeEntity(w.SubstituteType(e.Type, tyInst, ctx.Inst))
	case meta.EntityMethod:
		return meta.MethodEntity(w.SubstituteMethod(e.Method, tyInst, ctx.Inst))
	case meta.EntityField:
		return meta.FieldEntity(w.SubstituteField(e.Field, tyInst, ctx.Inst))
	default:
		return e
	}
}

// MethodWithToken pairs a resolved method with the token it was referenced
// through. Every generated symbolic stub dedups on the full triple: the same
// method reached through another module's token has different versioning
// implications.
type MethodWithToken struct {
	Method     meta.MethodID
	Module     meta.ModuleID
	Token      meta.RawToken
	Constraint meta.TypeID
	Unboxing   bool
}

// Key flattens the identity for use in interning maps.
func (k MethodWithToken) Key() string {
	return fmt.Sprintf("%d:%d:%08x:%d:%t", k.Method, k.Module, uint32(k.Token), k.Constraint, k.Unboxing)
}

// GenericContext says whose dictionary a shared callee consults: the
// method's own when it carries generic parameters, the owning type's
// otherwise.
type GenericContext struct {
	Method meta.MethodID
	Type   meta.TypeID
}

// IsMethod reports a method-dictionary context.
func (g GenericContext) IsMethod() bool { return g.Method.IsValid() }

// IsValid reports whether any context is present.
func (g GenericContext) IsValid() bool { return g.Method.IsValid() || g.Type.IsValid() }

// ContextFor derives the generic context of target: method-level when the
// target carries its own instantiation, type-level otherwise.
func ContextFor(w *meta.World, target meta.MethodID) GenericContext {
	d := w.Method(target)
	if d == nil {
		return GenericContext{}
	}
	if d.Arity > 0 || len(d.Inst) > 0 {
		return GenericContext{Method: target}
	}
	return GenericContext{Type: d.Owner}
}
