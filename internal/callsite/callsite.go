// Package callsite decides how each call-shaped site dispatches. Given a
// resolved method token, an optional constraint, and the site flavor, it
// walks a fixed ladder: this-transform, constraint resolution, direct versus
// virtual, then emission of the concrete target materialization (local
// symbol, delay-load cell, dispatch stub cell, or runtime lookup).
//
// Virtual class calls always go through stub dispatch; a v-table fast path
// for same-bubble methods is a possible future extension, not a current
// code path.
package callsite

import (
	"errors"
	"fmt"

	"pregen/internal/bubble"
	"pregen/internal/dict"
	"pregen/internal/fixup"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/tokens"
	"pregen/internal/zapsig"
)

var (
	ErrVarargCallee    = errors.New("vararg calling convention")
	ErrCallVirtStatic  = errors.New("callvirt on a static method")
	ErrNewObjNonCtor   = errors.New("newobj target is not a constructor")
	ErrAbstractTarget  = errors.New("direct call to an abstract method")
	ErrBoxingDispatch  = errors.New("constrained dispatch requires boxing")
	ErrCallerUnbounded = errors.New("caller outside the version bubble")
)

// Request is one call-shaped site after token resolution.
type Request struct {
	Caller meta.MethodID
	Op     meta.SiteOp
	Method tokens.Resolved

	// Constraint is the exact constrained. prefix type; OpenConstraint its
	// declaration-relative form for slot signatures. Both invalid when the
	// site carries no prefix.
	Constraint     meta.TypeID
	OpenConstraint meta.TypeID

	// AllowInstParam permits passing the hidden generic context argument
	// inline instead of interposing an instantiating stub.
	AllowInstParam bool
	// Atypical marks call sites the generator cannot patch in place; they
	// go through cells even for in-image targets.
	Atypical bool
}

// Resolver runs the dispatch decision ladder. Safe for concurrent use; all
// mutable state lives in the shared interning layers below it.
type Resolver struct {
	world   *meta.World
	bub     *bubble.Bubble
	enc     *fixup.Encoder
	planner *dict.Planner
	inImage func(meta.MethodID) bool
}

// NewResolver builds a resolver. inImage reports whether a canonical method
// body is compiled into the current image; nil means none are.
func NewResolver(w *meta.World, b *bubble.Bubble, enc *fixup.Encoder, planner *dict.Planner, inImage func(meta.MethodID) bool) *Resolver {
	if inImage == nil {
		inImage = func(meta.MethodID) bool { return false }
	}
	return &Resolver{world: w, bub: b, enc: enc, planner: planner, inImage: inImage}
}

// Resolve answers one call site.
func (r *Resolver) Resolve(req *Request) (*jitabi.CallInfo, error) {
	w := r.world
	if req.Method.Entity.Kind != meta.EntityMethod {
		return nil, jitabi.Fatalf("call site over a %s token", req.Method.Entity.Kind)
	}
	exact := req.Method.Entity.Method
	d := w.Method(exact)
	if d == nil {
		return nil, jitabi.Fatalf("call site target %d missing from the world", exact)
	}
	caller := w.Method(req.Caller)
	if caller == nil {
		return nil, jitabi.Fatalf("call site without a caller")
	}
	if !r.bub.ContainsModule(caller.Module) {
		return nil, fmt.Errorf("%s: %w: %w", w.MethodName(req.Caller),
			ErrCallerUnbounded, jitabi.ErrDeferToRuntimeJIT)
	}

	virtualSite := req.Op == meta.SiteCallVirt || req.Op == meta.SiteLdvirtftn
	switch {
	case d.Conv == meta.CallConvVararg:
		return nil, jitabi.AbortMethod(req.Caller, "call site",
			fmt.Errorf("%w: %s", ErrVarargCallee, w.MethodName(exact)))
	case virtualSite && d.IsStatic():
		return nil, jitabi.AbortMethod(req.Caller, "call site",
			fmt.Errorf("%w: %s", ErrCallVirtStatic, w.MethodName(exact)))
	case req.Op == meta.SiteNewObj && d.Flags&meta.MethodCtor == 0:
		return nil, jitabi.AbortMethod(req.Caller, "call site",
			fmt.Errorf("%w: %s", ErrNewObjNonCtor, w.MethodName(exact)))
	}

	info := &jitabi.CallInfo{}
	target, open := exact, req.Method.Open.Method
	if !open.IsValid() {
		open = exact
	}
	objType := d.Owner
	resolvedConstraint := false

	// Constraint handling: decide the this-transform and try to resolve
	// the dispatch statically on the constraint type.
	if req.Constraint.IsValid() && virtualSite {
		ct := w.Type(req.Constraint)
		switch {
		case w.ContainsParams(req.Constraint) || w.ContainsCanon(req.Constraint):
			// The constraint is only known per instantiation; the
			// dispatch target comes out of the dictionary.
			if ct.IsValueType() {
				info.ThisTransform = jitabi.ThisBox
			} else {
				info.ThisTransform = jitabi.ThisDeref
			}
			return r.finishDeferredConstraint(req, info, target, open)
		default:
			if m, ok := r.resolveConstraint(req.Constraint, exact); ok {
				target, open = m, m
				objType = req.Constraint
				resolvedConstraint = true
			} else if ct.IsValueType() {
				if ct.Kind != meta.KindPrimitive && ct.Kind != meta.KindEnum {
					return nil, fmt.Errorf("%w on %s: %w", ErrBoxingDispatch,
						w.TypeName(req.Constraint), jitabi.ErrDeferToRuntimeJIT)
				}
				info.ThisTransform = jitabi.ThisBox
			} else {
				info.ThisTransform = jitabi.ThisDeref
				objType = req.Constraint
			}
		}
	}

	// Direct-versus-virtual, in priority order.
	td := w.Method(target)
	direct, devirt := false, false
	switch {
	case req.Op == meta.SiteLdftn:
		direct = true
	case td.IsStatic():
		direct = true
	case req.Op == meta.SiteNewObj:
		direct = true
	case w.Type(objType).Kind == meta.KindInterface && td.IsAbstract():
		// Old compilers emit plain call for interface invocations;
		// dispatch virtually anyway. A constraint may have refined the
		// receiver to a class, in which case the default arm applies.
	case req.Op == meta.SiteCall || resolvedConstraint:
		direct = true
	default:
		if r.devirtualize(target, objType) {
			if impl, ok := w.ResolveVirtual(target, objType); ok && !w.Method(impl).IsAbstract() {
				target = impl
				open = r.openForm(req, impl, objType)
				direct, devirt = true, true
			}
		}
	}

	if !direct {
		return r.finishVirtual(req, info, target, open)
	}
	// ldftn takes an address, it never invokes; everything else may not
	// land on a body-less method.
	if req.Op != meta.SiteLdftn && w.Method(target).IsAbstract() {
		return nil, jitabi.AbortMethod(req.Caller, "call site",
			fmt.Errorf("%w: %s", ErrAbstractTarget, w.MethodName(target)))
	}
	return r.finishDirect(req, info, target, open, resolvedConstraint, devirt)
}

// resolveConstraint tries to prove the constrained dispatch target
// statically on a value-type constraint. Enum.GetHashCode redirects to the
// underlying primitive so the value never boxes. Inherited implementations
// do not count: they need the boxed form.
func (r *Resolver) resolveConstraint(constraint meta.TypeID, decl meta.MethodID) (meta.MethodID, bool) {
	w := r.world
	ct := w.Type(constraint)
	if !ct.IsValueType() {
		return meta.NoMethodID, false
	}
	wk := w.WellKnown()
	if ct.Kind == meta.KindEnum && w.MethodDefOf(decl) == wk.GetHashCode {
		return w.MethodOnType(wk.GetHashCode, ct.Underlying), true
	}
	impl, ok := w.ResolveVirtual(decl, constraint)
	if !ok || w.Method(impl).IsAbstract() {
		return meta.NoMethodID, false
	}
	if w.TypeDefOf(w.Method(impl).Owner) != w.TypeDefOf(constraint) {
		return meta.NoMethodID, false
	}
	return impl, true
}

// devirtualize reports whether a virtual site on objType may bind its target
// at compile time. Outside the bubble only value types and runtime-internal
// methods keep a stable dispatch identity, because a servicing update can
// un-seal anything else.
func (r *Resolver) devirtualize(target meta.MethodID, objType meta.TypeID) bool {
	w := r.world
	td := w.Method(target)
	if !r.bub.VersionsWithMethod(target) {
		return w.Type(td.Owner).IsValueType() || td.IsInternalCall()
	}
	recv := w.Type(objType)
	if recv == nil {
		return false
	}
	if recv.Kind == meta.KindInterface {
		return !td.IsVirtual()
	}
	return !td.IsVirtual() || td.IsFinal() || recv.IsSealed()
}

// openForm recomputes the declaration-relative form of a devirtualized
// target by re-running the dispatch walk over the open receiver, so deferred
// entry signatures can still be evaluated per instantiation.
func (r *Resolver) openForm(req *Request, impl meta.MethodID, objType meta.TypeID) meta.MethodID {
	w := r.world
	if !w.SharedByGenericInstantiations(impl) {
		return impl
	}
	openDecl := req.Method.Open.Method
	openObj := objType
	if req.OpenConstraint.IsValid() {
		openObj = req.OpenConstraint
	} else if od := w.Method(openDecl); od != nil {
		openObj = od.Owner
	}
	if openImpl, ok := w.ResolveVirtual(openDecl, openObj); ok {
		return openImpl
	}
	return impl
}

func (r *Resolver) finishDirect(req *Request, info *jitabi.CallInfo, target, open meta.MethodID, resolvedConstraint, devirt bool) (*jitabi.CallInfo, error) {
	w := r.world
	td := w.Method(target)
	ownerVT := w.Type(td.Owner).IsValueType()

	info.Kind = jitabi.CallDirectCell
	info.Method = target
	info.NeedsNullCheck = devirt && (req.Op == meta.SiteCallVirt || req.Op == meta.SiteLdvirtftn)
	info.UseUnboxingStub = ownerVT && td.IsVirtual() && !td.IsStatic() && !resolvedConstraint

	// Function-pointer sites cannot pass a hidden context argument.
	allowInst := req.AllowInstParam &&
		req.Op != meta.SiteLdftn && req.Op != meta.SiteLdvirtftn

	shared := w.CanonicalizeMethod(target)
	if w.RequiresInstArg(shared) {
		if !allowInst || (resolvedConstraint && ownerVT) {
			info.UseInstantiatingStub = true
		} else if err := r.attachInstArg(req, info, target, open); err != nil {
			return nil, err
		}
	}

	needsStub := info.UseInstantiatingStub || info.UseUnboxingStub
	runtimeDetermined := w.SharedByGenericInstantiations(target)

	var flags zapsig.MethodFlags
	if info.UseUnboxingStub {
		flags |= zapsig.MethodFlagUnboxingStub
	}
	if info.UseInstantiatingStub {
		flags |= zapsig.MethodFlagInstantiatingStub
	}

	switch {
	case needsStub && runtimeDetermined:
		// The stub's identity is instantiation-specific: the entry point
		// itself must come out of the dictionary.
		lookup, err := r.planner.PlanMethodEntry(req.Caller, open, flags, meta.NoTypeID)
		if err != nil {
			return nil, err
		}
		info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Lookup: lookup}
	case !needsStub && !req.Atypical && r.inImage(shared):
		info.Kind = jitabi.CallDirect
		info.Method = shared
	default:
		cellTarget := target
		if runtimeDetermined {
			cellTarget = shared
		}
		cell, err := r.enc.MethodEntry(cellTarget, flags, meta.NoTypeID)
		if err != nil {
			return nil, err
		}
		info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Import: cell}
	}
	if err := r.attachClassInit(req, info, target); err != nil {
		return nil, err
	}
	return info, nil
}

// attachClassInit adds the eager class constructor trigger a direct static
// call owes its callee's owner. Instance paths initialize through allocation,
// beforefieldinit types through their static base cells, and canonical owners
// on first materialization of the exact type; none of those need a trigger.
func (r *Resolver) attachClassInit(req *Request, info *jitabi.CallInfo, target meta.MethodID) error {
	if req.Op != meta.SiteCall {
		return nil
	}
	w := r.world
	td := w.Method(target)
	if !td.IsStatic() {
		return nil
	}
	ownerDef := w.TypeDefOf(td.Owner)
	od := w.Type(ownerDef)
	if od == nil || od.Flags&meta.TypeHasCctor == 0 || od.Flags&meta.TypeBeforeFieldInit != 0 {
		return nil
	}
	// The cctor is already running (or ran) when its own type calls in.
	if w.TypeDefOf(w.Method(req.Caller).Owner) == ownerDef {
		return nil
	}
	if w.ContainsCanon(td.Owner) {
		return nil
	}
	cell, err := r.enc.CctorTrigger(td.Owner)
	if err != nil {
		return err
	}
	info.ClassInit = &jitabi.EmbedInfo{Entity: meta.TypeEntity(td.Owner), Import: cell}
	return nil
}

// attachInstArg materializes the callee's hidden generic context argument:
// the method descriptor for method-level context, the owner type handle
// otherwise. Exact contexts load a dictionary cell; runtime-determined ones
// walk the caller's own dictionary.
func (r *Resolver) attachInstArg(req *Request, info *jitabi.CallInfo, target, open meta.MethodID) error {
	w := r.world
	g := tokens.ContextFor(w, target)
	if g.IsMethod() {
		if w.SharedByGenericInstantiations(target) {
			lookup, err := r.planner.PlanMethodHandle(req.Caller, open)
			if err != nil {
				return err
			}
			info.InstArg = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Lookup: lookup}
			return nil
		}
		cell, err := r.enc.MethodDictionary(target)
		if err != nil {
			return err
		}
		info.InstArg = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Import: cell}
		return nil
	}

	owner := w.Method(target).Owner
	if w.ContainsCanon(owner) {
		lookup, err := r.planner.PlanType(req.Caller, w.Method(open).Owner)
		if err != nil {
			return err
		}
		info.InstArg = &jitabi.EmbedInfo{Entity: meta.TypeEntity(owner), Lookup: lookup}
		return nil
	}
	cell, err := r.enc.TypeDictionary(owner)
	if err != nil {
		return err
	}
	info.InstArg = &jitabi.EmbedInfo{Entity: meta.TypeEntity(owner), Import: cell}
	return nil
}

func (r *Resolver) finishVirtual(req *Request, info *jitabi.CallInfo, target, open meta.MethodID) (*jitabi.CallInfo, error) {
	w := r.world
	td := w.Method(target)
	info.Method = target
	shared := w.SharedByGenericInstantiations(target)

	// Stub dispatch cells cannot carry method instantiations, and
	// ldvirtftn needs the raw pointer rather than a patched call site:
	// both resolve the target through the virtual-function-pointer helper.
	if td.Arity > 0 || len(td.Inst) > 0 || req.Op == meta.SiteLdvirtftn {
		info.Kind = jitabi.CallVirtualHelper
		info.Helper = jitabi.HelperVirtualFuncPtr
		if shared {
			lookup, err := r.planner.PlanMethodHandle(req.Caller, open)
			if err != nil {
				return nil, err
			}
			info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Lookup: lookup}
			return info, nil
		}
		cell, err := r.enc.MethodHandle(target)
		if err != nil {
			return nil, err
		}
		info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Import: cell}
		return info, nil
	}

	// Dispatch stub cell, with the implicit null check the cell performs.
	// When the exact method is only known per instantiation the cell
	// address itself comes out of the dictionary.
	info.Kind = jitabi.CallStubDispatch
	if shared {
		lookup, err := r.planner.PlanVirtualEntry(req.Caller, open)
		if err != nil {
			return nil, err
		}
		info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Lookup: lookup}
		return info, nil
	}
	cell, err := r.enc.VirtualEntry(target)
	if err != nil {
		return nil, err
	}
	info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Import: cell}
	return info, nil
}

// finishDeferredConstraint handles constraints that are only known per
// instantiation: the loader resolves the constrained dispatch when it
// populates the slot, and the site calls through the looked-up pointer.
func (r *Resolver) finishDeferredConstraint(req *Request, info *jitabi.CallInfo, target, open meta.MethodID) (*jitabi.CallInfo, error) {
	constraint := req.OpenConstraint
	if !constraint.IsValid() {
		constraint = req.Constraint
	}
	lookup, err := r.planner.PlanMethodEntry(req.Caller, open, 0, constraint)
	if err != nil {
		return nil, err
	}
	info.Kind = jitabi.CallVirtualHelper
	info.Helper = jitabi.HelperVirtualFuncPtr
	info.Method = target
	info.Address = &jitabi.EmbedInfo{Entity: meta.MethodEntity(target), Lookup: lookup}
	return info, nil
}
