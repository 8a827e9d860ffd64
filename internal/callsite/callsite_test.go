package callsite

import (
	"errors"
	"testing"

	"pregen/internal/bubble"
	"pregen/internal/dict"
	"pregen/internal/fixup"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/tokens"
	"pregen/internal/zapsig"
)

// The fixture spans two modules: app is inside the version bubble, ext is
// not. corelib stays outside, like a framework assembly would.
type fx struct {
	w     *meta.World
	wk    meta.WellKnown
	r     *Resolver
	enc   *fixup.Encoder
	image map[meta.MethodID]bool

	caller       meta.MethodID // plain in-bubble method
	sharedCaller meta.MethodID // List<__Canon>.Add

	iShape meta.TypeID
	area   meta.MethodID

	circle     meta.TypeID
	circleArea meta.MethodID
	radius     meta.MethodID // non-virtual instance
	bounds     meta.MethodID // virtual final
	accept     meta.MethodID // generic virtual Accept<U>
	circleCtor meta.MethodID

	disk     meta.TypeID // sealed : Circle
	diskArea meta.MethodID

	sum    meta.MethodID // static, compiled into the image
	lerp   meta.MethodID // static, not in the image
	spray  meta.MethodID // vararg
	mapDef meta.MethodID // static generic Util.Map<U>

	point     meta.TypeID // struct : IShape
	pointArea meta.MethodID

	pair     meta.TypeID // Pair<T> struct : IShape
	pairArea meta.MethodID

	nonPrim meta.TypeID // struct with no overrides
	color   meta.TypeID // enum : uint8

	list      meta.TypeID
	canonList meta.TypeID
	openList  meta.TypeID
	sortDef   meta.MethodID // static List<T>.Sort

	extSealed   meta.TypeID // sealed class outside the bubble
	extSealedM  meta.MethodID
	extStruct   meta.TypeID // struct outside the bubble
	extStructM  meta.MethodID
	extRuntime  meta.MethodID // virtual, runtime-internal, outside the bubble
	extCaller   meta.MethodID
	extCallerTo meta.MethodID

	eager     meta.TypeID   // class with an eager cctor
	eagerPing meta.MethodID // static on Eager
	eagerPoke meta.MethodID // instance on Eager
	eagerSelf meta.MethodID // static sibling inside Eager
	lazyPing  meta.MethodID // static on a beforefieldinit type
}

func newFx(t *testing.T) *fx {
	t.Helper()
	w := meta.NewWorld()
	core := meta.NewBuilder(w, "corelib")
	wk := core.SeedCoreLibrary()
	app := meta.NewBuilder(w, "app")
	ext := meta.NewBuilder(w, "ext")

	f := &fx{w: w, wk: wk, image: make(map[meta.MethodID]bool)}
	f64 := w.Primitive(meta.PrimF8)
	i4 := w.Primitive(meta.PrimI4)
	void := w.Primitive(meta.PrimVoid)

	f.iShape = app.Interface("IShape")
	f.area = app.Method(f.iShape, "Area", meta.MethodVirtual|meta.MethodAbstract, f64)

	f.circle = app.Class("Circle", wk.Object, 0)
	app.Implements(f.circle, f.iShape)
	f.circleArea = app.Method(f.circle, "Area", meta.MethodVirtual, f64)
	app.Override(f.circle, f.area, f.circleArea)
	f.radius = app.Method(f.circle, "Radius", 0, f64)
	f.bounds = app.Method(f.circle, "Bounds", meta.MethodVirtual|meta.MethodFinal, f64)
	f.accept = app.GenericMethod(f.circle, "Accept", meta.MethodVirtual, 1, void, app.MethodParam(0))
	f.circleCtor = app.Method(f.circle, ".ctor", meta.MethodCtor, void, f64)

	f.disk = app.Class("Disk", f.circle, meta.TypeSealed)
	app.Implements(f.disk, f.iShape)
	f.diskArea = app.Method(f.disk, "Area", meta.MethodVirtual, f64)
	app.Override(f.disk, f.area, f.diskArea)
	app.Override(f.disk, f.circleArea, f.diskArea)

	util := app.Class("Util", wk.Object, 0)
	f.caller = app.Method(util, "Run", meta.MethodStatic, void)
	f.sum = app.Method(util, "Sum", meta.MethodStatic, i4, i4, i4)
	f.lerp = app.Method(util, "Lerp", meta.MethodStatic, f64, f64, f64)
	f.spray = app.Method(util, "Spray", meta.MethodStatic, void)
	w.Method(f.spray).Conv = meta.CallConvVararg
	f.mapDef = app.GenericMethod(util, "Map", meta.MethodStatic, 1, app.MethodParam(0), app.MethodParam(0))

	f.point = app.Struct("Point", meta.LayoutSequential)
	app.Implements(f.point, f.iShape)
	f.pointArea = app.Method(f.point, "Area", meta.MethodVirtual, f64)
	app.Override(f.point, f.area, f.pointArea)

	f.pair = app.GenericStruct("Pair", 1, meta.LayoutSequential)
	app.Implements(f.pair, f.iShape)
	app.Field(f.pair, "first", app.TypeParam(0), 0)
	f.pairArea = app.Method(f.pair, "Area", meta.MethodVirtual, f64)
	app.Override(f.pair, f.area, f.pairArea)

	f.nonPrim = app.Struct("Opaque", meta.LayoutSequential)
	app.Field(f.nonPrim, "raw", i4, 0)

	f.color = app.Enum("Color", meta.PrimU1)

	f.list = app.GenericClass("List", 1, wk.Object, 0)
	addDef := app.Method(f.list, "Add", 0, void, app.TypeParam(0))
	f.sortDef = app.Method(f.list, "Sort", meta.MethodStatic, void)
	f.canonList = w.Instantiate(f.list, []meta.TypeID{w.Canon()})
	f.openList = w.Instantiate(f.list, []meta.TypeID{app.TypeParam(0)})
	f.sharedCaller = w.MethodOnType(addDef, f.canonList)

	f.eager = app.Class("Eager", wk.Object, meta.TypeHasCctor)
	app.Method(f.eager, ".cctor", meta.MethodStatic, void)
	f.eagerPing = app.Method(f.eager, "Ping", meta.MethodStatic, void)
	f.eagerPoke = app.Method(f.eager, "Poke", 0, void)
	f.eagerSelf = app.Method(f.eager, "Self", meta.MethodStatic, void)
	lazy := app.Class("Lazy", wk.Object, meta.TypeHasCctor|meta.TypeBeforeFieldInit)
	f.lazyPing = app.Method(lazy, "Ping", meta.MethodStatic, void)

	f.extSealed = ext.Class("Gate", wk.Object, meta.TypeSealed)
	f.extSealedM = ext.Method(f.extSealed, "Open", meta.MethodVirtual, void)
	f.extStruct = ext.Struct("Knob", meta.LayoutSequential)
	f.extStructM = ext.Method(f.extStruct, "Turn", meta.MethodVirtual, void)
	runtimeCls := ext.Class("Pinned", wk.Object, 0)
	f.extRuntime = ext.Method(runtimeCls, "Touch", meta.MethodVirtual|meta.MethodInternalCall, void)
	f.extCaller = ext.Method(runtimeCls, "From", meta.MethodStatic, void)
	f.extCallerTo = f.sum

	f.image[f.sum] = true
	f.image[w.MethodOnType(f.sortDef, f.canonList)] = true

	bub := bubble.New(w, []meta.ModuleID{app.Module()})
	f.enc = fixup.NewEncoder(zapsig.New(w, app.Module()))
	planner := dict.NewPlanner(w, f.enc, 8)
	f.r = NewResolver(w, bub, f.enc, planner, func(m meta.MethodID) bool { return f.image[m] })
	return f
}

func res(m meta.MethodID) tokens.Resolved {
	return tokens.Resolved{Entity: meta.MethodEntity(m), Open: meta.MethodEntity(m)}
}

func resOpen(exact, open meta.MethodID) tokens.Resolved {
	return tokens.Resolved{Entity: meta.MethodEntity(exact), Open: meta.MethodEntity(open)}
}

func (f *fx) resolve(t *testing.T, req *Request) *jitabi.CallInfo {
	t.Helper()
	info, err := f.r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return info
}

func TestCallKindMatrix(t *testing.T) {
	f := newFx(t)

	tests := []struct {
		name      string
		op        meta.SiteOp
		target    meta.MethodID
		allowInst bool
		kind      jitabi.CallKind
		nullCheck bool
	}{
		{"static in image", meta.SiteCall, f.sum, true, jitabi.CallDirect, false},
		{"static not in image", meta.SiteCall, f.lerp, true, jitabi.CallDirectCell, false},
		{"callvirt non-virtual devirtualizes", meta.SiteCallVirt, f.radius, true, jitabi.CallDirectCell, true},
		{"callvirt virtual unsealed", meta.SiteCallVirt, f.circleArea, true, jitabi.CallStubDispatch, false},
		{"callvirt final devirtualizes", meta.SiteCallVirt, f.bounds, true, jitabi.CallDirectCell, true},
		{"callvirt sealed receiver devirtualizes", meta.SiteCallVirt, f.diskArea, true, jitabi.CallDirectCell, true},
		{"callvirt interface", meta.SiteCallVirt, f.area, true, jitabi.CallStubDispatch, false},
		{"plain call on abstract interface stays virtual", meta.SiteCall, f.area, true, jitabi.CallStubDispatch, false},
		{"non-virtual call of virtual method", meta.SiteCall, f.circleArea, true, jitabi.CallDirectCell, false},
		{"newobj", meta.SiteNewObj, f.circleCtor, true, jitabi.CallDirectCell, false},
		{"generic virtual goes through helper", meta.SiteCallVirt, f.acceptOn(t, f.w.Primitive(meta.PrimI4)), true, jitabi.CallVirtualHelper, false},
		{"ldvirtftn goes through helper", meta.SiteLdvirtftn, f.circleArea, true, jitabi.CallVirtualHelper, false},
		{"cross-bubble sealed class stays virtual", meta.SiteCallVirt, f.extSealedM, true, jitabi.CallStubDispatch, false},
		{"cross-bubble value type devirtualizes", meta.SiteCallVirt, f.extStructM, true, jitabi.CallDirectCell, true},
		{"cross-bubble internal-call devirtualizes", meta.SiteCallVirt, f.extRuntime, true, jitabi.CallDirectCell, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := f.resolve(t, &Request{
				Caller:         f.caller,
				Op:             tc.op,
				Method:         res(tc.target),
				AllowInstParam: tc.allowInst,
			})
			if info.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", info.Kind, tc.kind)
			}
			if info.NeedsNullCheck != tc.nullCheck {
				t.Fatalf("NeedsNullCheck = %v, want %v", info.NeedsNullCheck, tc.nullCheck)
			}
			if tc.kind == jitabi.CallVirtualHelper && info.Helper != jitabi.HelperVirtualFuncPtr {
				t.Fatalf("helper = %v", info.Helper)
			}
			if tc.kind == jitabi.CallDirect && info.Address != nil {
				t.Fatalf("direct call must target its own symbol")
			}
			if tc.kind != jitabi.CallDirect && info.Address == nil {
				t.Fatalf("no address materialization emitted")
			}
		})
	}
}

// acceptOn instantiates Circle.Accept<arg>.
func (f *fx) acceptOn(t *testing.T, arg meta.TypeID) meta.MethodID {
	t.Helper()
	return f.w.InstantiateMethod(f.accept, []meta.TypeID{arg})
}

func TestDevirtualizationSafety(t *testing.T) {
	f := newFx(t)
	w := f.w

	// Devirtualized callvirt must land on the same body virtual dispatch
	// would select.
	info := f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCallVirt, Method: res(f.diskArea)})
	want, ok := w.ResolveVirtual(f.diskArea, f.disk)
	if !ok || info.Method != want {
		t.Fatalf("devirtualized to %s, dispatch selects %s",
			w.MethodName(info.Method), w.MethodName(want))
	}

	// An unsealed receiver could be a subclass at run time; no binding.
	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCallVirt, Method: res(f.circleArea)})
	if info.Kind != jitabi.CallStubDispatch {
		t.Fatalf("unsealed receiver bound early: %v", info.Kind)
	}

	// Cross-bubble: sealed today does not mean sealed after servicing.
	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCallVirt, Method: res(f.extSealedM)})
	if info.Kind != jitabi.CallStubDispatch {
		t.Fatalf("cross-bubble sealed class bound early: %v", info.Kind)
	}
}

func TestLdftnOverridesAll(t *testing.T) {
	f := newFx(t)

	// The adversarial case: a virtual abstract interface method. ldftn
	// still takes the method's own address, no dispatch.
	info := f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteLdftn, Method: res(f.area)})
	if info.Kind != jitabi.CallDirectCell {
		t.Fatalf("ldftn on interface method: kind = %v", info.Kind)
	}
	if info.Method != f.area {
		t.Fatalf("ldftn retargeted to %s", f.w.MethodName(info.Method))
	}

	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteLdftn, Method: res(f.circleArea)})
	if info.Kind != jitabi.CallDirectCell || info.NeedsNullCheck {
		t.Fatalf("ldftn on virtual class method: %+v", info)
	}

	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteLdftn, Method: res(f.sum)})
	if info.Kind != jitabi.CallDirect {
		t.Fatalf("ldftn on in-image static: kind = %v", info.Kind)
	}
}

func TestClassInitTrigger(t *testing.T) {
	f := newFx(t)

	// An eager cctor on the callee's owner rides a trigger cell with the
	// direct call.
	info := f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCall, Method: res(f.eagerPing), AllowInstParam: true})
	if info.ClassInit == nil || info.ClassInit.Import == nil {
		t.Fatalf("no trigger on an eager cctor: %+v", info.ClassInit)
	}
	if got := fixup.Kind(info.ClassInit.Import.Kind); got != fixup.KindCctorTrigger {
		t.Fatalf("trigger cell kind = %v", got)
	}
	if info.ClassInit.Entity != meta.TypeEntity(f.eager) {
		t.Fatalf("trigger names %+v", info.ClassInit.Entity)
	}

	// beforefieldinit defers initialization to the static base cells.
	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCall, Method: res(f.lazyPing), AllowInstParam: true})
	if info.ClassInit != nil {
		t.Fatalf("beforefieldinit type got a trigger")
	}

	// The owner's own methods run after the cctor by construction.
	info = f.resolve(t, &Request{Caller: f.eagerSelf, Op: meta.SiteCall, Method: res(f.eagerPing), AllowInstParam: true})
	if info.ClassInit != nil {
		t.Fatalf("self call got a trigger")
	}

	// Instance paths initialize through allocation.
	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteCall, Method: res(f.eagerPoke), AllowInstParam: true})
	if info.ClassInit != nil {
		t.Fatalf("instance call got a trigger")
	}

	// ldftn takes an address without calling.
	info = f.resolve(t, &Request{Caller: f.caller, Op: meta.SiteLdftn, Method: res(f.eagerPing)})
	if info.ClassInit != nil {
		t.Fatalf("ldftn got a trigger")
	}
}

func TestConstrainedResolution(t *testing.T) {
	f := newFx(t)
	w := f.w

	// Value type with its own override: direct unboxed call, no transform.
	info := f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method: res(f.area), Constraint: f.point, AllowInstParam: true,
	})
	if info.ThisTransform != jitabi.ThisNone {
		t.Fatalf("transform = %v", info.ThisTransform)
	}
	if info.Kind != jitabi.CallDirectCell || info.Method != f.pointArea {
		t.Fatalf("constrained dispatch: %+v", info)
	}
	if info.UseInstantiatingStub || info.UseUnboxingStub {
		t.Fatalf("non-generic struct needs no stubs: %+v", info)
	}

	// Reference-type constraint: dereference, then the usual machinery.
	info = f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method: res(f.area), Constraint: f.disk,
	})
	if info.ThisTransform != jitabi.ThisDeref {
		t.Fatalf("transform = %v", info.ThisTransform)
	}
	if info.Kind != jitabi.CallDirectCell || info.Method != f.diskArea {
		t.Fatalf("sealed ref constraint should devirtualize: %+v", info)
	}

	// Enum.GetHashCode redirects to the underlying primitive.
	info = f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method: res(f.wk.GetHashCode), Constraint: f.color,
	})
	if info.ThisTransform != jitabi.ThisNone {
		t.Fatalf("transform = %v", info.ThisTransform)
	}
	if owner := w.Method(info.Method).Owner; owner != w.Primitive(meta.PrimU1) {
		t.Fatalf("redirect owner = %s", w.TypeName(owner))
	}

	// Primitive without a static target boxes and dispatches virtually.
	info = f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method: res(f.wk.GetHashCode), Constraint: w.Primitive(meta.PrimI4),
	})
	if info.ThisTransform != jitabi.ThisBox || info.Kind != jitabi.CallStubDispatch {
		t.Fatalf("boxed primitive dispatch: %+v", info)
	}

	// Non-primitive value type that would box: defer to the runtime JIT.
	_, err := f.r.Resolve(&Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method: res(f.wk.GetHashCode), Constraint: f.nonPrim,
	})
	if !errors.Is(err, jitabi.ErrDeferToRuntimeJIT) || !errors.Is(err, ErrBoxingDispatch) {
		t.Fatalf("boxing dispatch: err = %v", err)
	}
}

func TestConstrainedValueTypeForcesInstantiatingStub(t *testing.T) {
	f := newFx(t)
	w := f.w
	str := f.wk.String

	pairStr := w.Instantiate(f.pair, []meta.TypeID{str})
	info := f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCallVirt,
		Method:         res(f.area),
		Constraint:     pairStr,
		AllowInstParam: true,
	})
	if !info.UseInstantiatingStub {
		t.Fatalf("generic value-type constraint must force the instantiating stub")
	}
	if info.InstArg != nil {
		t.Fatalf("stub call must not also pass a context argument")
	}
	if got := w.TypeDefOf(w.Method(info.Method).Owner); got != f.pair {
		t.Fatalf("target owner = %s", w.TypeName(got))
	}
}

func TestConstraintDeferredToRuntime(t *testing.T) {
	f := newFx(t)
	w := f.w

	tests := []struct {
		name       string
		constraint meta.TypeID
		transform  jitabi.ThisTransform
	}{
		{"reference-like placeholder", w.Canon(), jitabi.ThisDeref},
		{"value-type placeholder", w.Instantiate(f.pair, []meta.TypeID{w.Canon()}), jitabi.ThisBox},
		{"open parameter", w.ParamOf(meta.ParamOfType, 0), jitabi.ThisDeref},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := f.resolve(t, &Request{
				Caller: f.sharedCaller, Op: meta.SiteCallVirt,
				Method:         res(f.area),
				Constraint:     tc.constraint,
				OpenConstraint: tc.constraint,
			})
			if info.ThisTransform != tc.transform {
				t.Fatalf("transform = %v, want %v", info.ThisTransform, tc.transform)
			}
			if info.Kind != jitabi.CallVirtualHelper || info.Address == nil || !info.Address.NeedsRuntimeLookup() {
				t.Fatalf("deferred constraint must look the target up: %+v", info)
			}
			if got := fixup.Kind(info.Address.Lookup.SlotImport.Kind); got != fixup.KindThisObjDictionaryLookup {
				t.Fatalf("slot anchored at %v", got)
			}
		})
	}
}

func TestInstArgMaterialization(t *testing.T) {
	f := newFx(t)
	w := f.w
	str := f.wk.String

	listStr := w.Instantiate(f.list, []meta.TypeID{str})
	sort := w.MethodOnType(f.sortDef, listStr)

	// Exact caller, exact shared callee: the canonical body runs with the
	// exact context riding an import cell.
	info := f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCall,
		Method: res(sort), AllowInstParam: true,
	})
	if info.Kind != jitabi.CallDirect || info.Method != w.CanonicalizeMethod(sort) {
		t.Fatalf("canonical body is in the image: %v %s", info.Kind, w.MethodName(info.Method))
	}
	if info.InstArg == nil || info.InstArg.Import == nil {
		t.Fatalf("exact context must use an import cell: %+v", info.InstArg)
	}
	if got := fixup.Kind(info.InstArg.Import.Kind); got != fixup.KindTypeDictionary {
		t.Fatalf("context cell kind = %v", got)
	}
	if info.InstArg.Entity != meta.TypeEntity(listStr) {
		t.Fatalf("context names %+v", info.InstArg.Entity)
	}

	// Generic method callee: method-level context.
	mapStr := w.InstantiateMethod(f.mapDef, []meta.TypeID{str})
	info = f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCall,
		Method: res(mapStr), AllowInstParam: true,
	})
	if info.InstArg == nil || info.InstArg.Import == nil ||
		fixup.Kind(info.InstArg.Import.Kind) != fixup.KindMethodDictionary {
		t.Fatalf("generic method context: %+v", info.InstArg)
	}

	// Denied inst param: interpose the instantiating stub instead.
	info = f.resolve(t, &Request{
		Caller: f.caller, Op: meta.SiteCall,
		Method: res(sort), AllowInstParam: false,
	})
	if !info.UseInstantiatingStub || info.InstArg != nil {
		t.Fatalf("denied inst param: %+v", info)
	}
	if info.Address == nil || info.Address.Import == nil {
		t.Fatalf("stub entry must ride a cell")
	}
	sig, _, err := f.enc.Codec().DecodeMethod(info.Address.Import.Blob)
	if err != nil {
		t.Fatalf("decode stub cell: %v", err)
	}
	if sig.Flags&zapsig.MethodFlagInstantiatingStub == 0 {
		t.Fatalf("stub cell not flagged: %#x", sig.Flags)
	}
	if sig.Method != sort {
		t.Fatalf("stub cell names %s", w.MethodName(sig.Method))
	}
}

func TestSharedCallerRidesItsDictionary(t *testing.T) {
	f := newFx(t)
	w := f.w

	canonSort := w.MethodOnType(f.sortDef, f.canonList)
	openSort := w.MethodOnType(f.sortDef, f.openList)

	// Shared caller, runtime-determined callee, inst param allowed: call
	// the canonical body directly and look the context up.
	info := f.resolve(t, &Request{
		Caller: f.sharedCaller, Op: meta.SiteCall,
		Method: resOpen(canonSort, openSort), AllowInstParam: true,
	})
	if info.Kind != jitabi.CallDirect {
		t.Fatalf("canonical body is in the image: kind = %v", info.Kind)
	}
	if info.Method != canonSort {
		t.Fatalf("direct target = %s", w.MethodName(info.Method))
	}
	if info.InstArg == nil || !info.InstArg.NeedsRuntimeLookup() {
		t.Fatalf("shared caller context must be looked up: %+v", info.InstArg)
	}
	if got := fixup.Kind(info.InstArg.Lookup.SlotImport.Kind); got != fixup.KindThisObjDictionaryLookup {
		t.Fatalf("lookup anchor = %v", got)
	}

	// Denied inst param: even the entry point is instantiation-specific.
	info = f.resolve(t, &Request{
		Caller: f.sharedCaller, Op: meta.SiteCall,
		Method: resOpen(canonSort, openSort), AllowInstParam: false,
	})
	if !info.UseInstantiatingStub {
		t.Fatalf("expected instantiating stub: %+v", info)
	}
	if info.Address == nil || !info.Address.NeedsRuntimeLookup() {
		t.Fatalf("stub entry must come from the dictionary: %+v", info.Address)
	}
	blob := info.Address.Lookup.SlotImport.Blob
	kind, rest, err := zapsig.ReadCompressed(blob)
	if err != nil || fixup.Kind(kind) != fixup.KindMethodEntry {
		t.Fatalf("slot target kind = %v, err = %v", fixup.Kind(kind), err)
	}
	sig, _, err := f.enc.Codec().DecodeMethod(rest)
	if err != nil {
		t.Fatalf("decode slot signature: %v", err)
	}
	if sig.Flags&zapsig.MethodFlagInstantiatingStub == 0 {
		t.Fatalf("slot signature not stub-flagged: %#x", sig.Flags)
	}
	if sig.Method != openSort {
		t.Fatalf("slot signature names %s, want the open form", w.MethodName(sig.Method))
	}
}

func TestCallerOutsideBubbleDefers(t *testing.T) {
	f := newFx(t)

	_, err := f.r.Resolve(&Request{Caller: f.extCaller, Op: meta.SiteCall, Method: res(f.extCallerTo)})
	if !errors.Is(err, jitabi.ErrDeferToRuntimeJIT) || !errors.Is(err, ErrCallerUnbounded) {
		t.Fatalf("outside caller: err = %v", err)
	}
	if jitabi.IsFatal(err) {
		t.Fatalf("defer signal must stay non-fatal")
	}
}

func TestMalformedSitesAbortMethod(t *testing.T) {
	f := newFx(t)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"vararg callee", Request{Caller: f.caller, Op: meta.SiteCall, Method: res(f.spray)}, ErrVarargCallee},
		{"callvirt on static", Request{Caller: f.caller, Op: meta.SiteCallVirt, Method: res(f.sum)}, ErrCallVirtStatic},
		{"newobj on non-ctor", Request{Caller: f.caller, Op: meta.SiteNewObj, Method: res(f.radius)}, ErrNewObjNonCtor},
		{"direct call to abstract", Request{Caller: f.caller, Op: meta.SiteCall, Method: res(f.abstractOn())}, ErrAbstractTarget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.r.Resolve(&tc.req)
			var me *jitabi.MethodError
			if !errors.As(err, &me) || !errors.Is(err, tc.want) {
				t.Fatalf("err = %v", err)
			}
			if errors.Is(err, jitabi.ErrDeferToRuntimeJIT) {
				t.Fatalf("malformed IL is not a defer condition")
			}
		})
	}
}

// abstractOn returns an abstract method on a class, where a direct call is
// unambiguously malformed.
func (f *fx) abstractOn() meta.MethodID {
	app := meta.NewBuilder(f.w, "app2")
	cls := app.Class("Half", f.wk.Object, meta.TypeAbstract)
	return app.Method(cls, "Hole", meta.MethodVirtual|meta.MethodAbstract, f.w.Primitive(meta.PrimVoid))
}
