package tokens

import (
	"errors"
	"testing"

	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

type fixture struct {
	w   *meta.World
	app meta.ModuleID

	list meta.TypeID // List<T>
	box  meta.TypeID // Box<T>

	addDef meta.MethodID // List<T>.Add(!0)
	getDef meta.MethodID // Box<T>.Get() !0

	boxSpec    meta.RawToken // typespec Box<!0>
	getRef     meta.RawToken // memberref Box<!0>.Get
	countRef   meta.RawToken // memberref List<T>.count field
	literalRef meta.RawToken // memberref literal field
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := meta.NewWorld()
	core := meta.NewBuilder(w, "corelib")
	wk := core.SeedCoreLibrary()
	app := meta.NewBuilder(w, "app")

	fx := &fixture{w: w, app: app.Module()}
	i4 := w.Primitive(meta.PrimI4)

	fx.box = app.GenericClass("Box", 1, wk.Object, 0)
	app.Field(fx.box, "item", app.TypeParam(0), 0)
	fx.getDef = app.Method(fx.box, "Get", 0, app.TypeParam(0))

	fx.list = app.GenericClass("List", 1, wk.Object, 0)
	count := app.Field(fx.list, "count", i4, 0)
	literal := app.Field(fx.list, "DefaultCapacity", i4, meta.FieldStatic|meta.FieldLiteral)
	fx.addDef = app.Method(fx.list, "Add", 0, w.Primitive(meta.PrimVoid), app.TypeParam(0))

	boxOpen := w.Instantiate(fx.box, []meta.TypeID{app.TypeParam(0)})
	fx.boxSpec = app.TypeToken(boxOpen)
	fx.getRef = app.MethodToken(w.MethodOnType(fx.getDef, boxOpen))
	fx.countRef = app.FieldToken(count)
	fx.literalRef = app.FieldToken(literal)
	return fx
}

// addOn materializes List<arg>.Add as a resolution context.
func (fx *fixture) addOn(arg meta.TypeID) Context {
	owner := fx.w.Instantiate(fx.list, []meta.TypeID{arg})
	return Context{Module: fx.app, Method: fx.w.MethodOnType(fx.addDef, owner)}
}

func TestResolutionDeterminism(t *testing.T) {
	fx := newFixture(t)
	r := NewResolver(fx.w)
	ctx := fx.addOn(fx.w.WellKnown().String)

	a, err := r.Resolve(ctx, fx.boxSpec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := r.Resolve(ctx, fx.boxSpec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a != b {
		t.Fatalf("resolution not deterministic: %+v vs %+v", a, b)
	}
}

func TestContextSubstitution(t *testing.T) {
	fx := newFixture(t)
	w := fx.w
	r := NewResolver(w)
	str := w.WellKnown().String

	tests := []struct {
		name string
		arg  meta.TypeID
		want meta.TypeID
	}{
		{"exact context", str, w.Instantiate(fx.box, []meta.TypeID{str})},
		{"shared context", w.Canon(), w.Instantiate(fx.box, []meta.TypeID{w.Canon()})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Resolve(fx.addOn(tc.arg), fx.boxSpec)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Entity.Type != tc.want {
				t.Fatalf("exact = %s, want %s", w.TypeName(res.Entity.Type), w.TypeName(tc.want))
			}
			open := w.Instantiate(fx.box, []meta.TypeID{w.ParamOf(meta.ParamOfType, 0)})
			if res.Open.Type != open {
				t.Fatalf("open form = %s, want %s", w.TypeName(res.Open.Type), w.TypeName(open))
			}
		})
	}
}

func TestMethodTokenCarriesOwner(t *testing.T) {
	fx := newFixture(t)
	w := fx.w
	r := NewResolver(w)

	res, err := r.Resolve(fx.addOn(w.Canon()), fx.getRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.Kind != meta.EntityMethod {
		t.Fatalf("kind = %s", res.Entity.Kind)
	}
	owner := w.Method(res.Entity.Method).Owner
	if want := w.Instantiate(fx.box, []meta.TypeID{w.Canon()}); owner != want {
		t.Fatalf("owner = %s, want %s", w.TypeName(owner), w.TypeName(want))
	}
	if got := w.Method(res.Entity.Method).Return; got != w.Canon() {
		t.Fatalf("return = %s, want __Canon", w.TypeName(got))
	}
}

func TestFieldTokens(t *testing.T) {
	fx := newFixture(t)
	w := fx.w
	r := NewResolver(w)
	ctx := fx.addOn(w.WellKnown().String)

	res, err := r.Resolve(ctx, fx.countRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Entity.Kind != meta.EntityField {
		t.Fatalf("kind = %s", res.Entity.Kind)
	}
	if owner := w.Field(res.Entity.Field).Owner; owner != w.Method(ctx.Method).Owner {
		t.Fatalf("field not materialized on the context owner: %s", w.TypeName(owner))
	}

	_, err = r.Resolve(ctx, fx.literalRef)
	if !errors.Is(err, ErrLiteralField) {
		t.Fatalf("literal field: err = %v", err)
	}
	if !jitabi.IsFatal(err) {
		t.Fatalf("literal field must poison the compilation, got %v", err)
	}
	var me *jitabi.MethodError
	if errors.As(err, &me) {
		t.Fatalf("literal field must not read as a method abort: %v", err)
	}
}

func TestDanglingTokenAbortsMethod(t *testing.T) {
	fx := newFixture(t)
	r := NewResolver(fx.w)
	ctx := fx.addOn(fx.w.WellKnown().String)

	_, err := r.Resolve(ctx, meta.MakeToken(meta.TokenTypeSpec, 0x4242))
	var me *jitabi.MethodError
	if !errors.As(err, &me) || !errors.Is(err, ErrDanglingToken) {
		t.Fatalf("dangling token: err = %v", err)
	}
	if jitabi.IsFatal(err) {
		t.Fatalf("dangling token must stay method-scoped")
	}
}

func TestSynthesizedBodyCookies(t *testing.T) {
	fx := newFixture(t)
	w := fx.w
	app := meta.NewBuilder(w, "glue")
	holder := app.Class("Thunks", w.WellKnown().Object, 0)
	thunk := app.Method(holder, "Dispatch", meta.MethodStatic, w.Primitive(meta.PrimVoid))
	app.Body(thunk, &meta.Body{
		Synthesized: true,
		Cookies:     []meta.Entity{meta.TypeEntity(fx.box)},
	})
	r := NewResolver(w)
	ctx := Context{Module: app.Module(), Method: thunk}

	res, err := r.Resolve(ctx, meta.MakeToken(meta.TokenTypeSpec, 1))
	if err != nil {
		t.Fatalf("cookie resolve: %v", err)
	}
	if res.Entity.Type != fx.box {
		t.Fatalf("cookie = %s", w.TypeName(res.Entity.Type))
	}

	_, err = r.Resolve(ctx, meta.MakeToken(meta.TokenTypeSpec, 9))
	if !jitabi.IsFatal(err) {
		t.Fatalf("out-of-range cookie must be fatal, got %v", err)
	}
}

func TestResolveArrayWraps(t *testing.T) {
	fx := newFixture(t)
	w := fx.w
	r := NewResolver(w)
	ctx := fx.addOn(w.WellKnown().String)

	res, err := r.ResolveArray(ctx, fx.boxSpec)
	if err != nil {
		t.Fatalf("ResolveArray: %v", err)
	}
	boxStr := w.Instantiate(fx.box, []meta.TypeID{w.WellKnown().String})
	if res.Entity.Type != w.ArrayOf(boxStr) {
		t.Fatalf("exact = %s", w.TypeName(res.Entity.Type))
	}

	if _, err := r.ResolveArray(ctx, fx.getRef); err == nil {
		t.Fatalf("newarr over a method token must fail")
	}
}

func TestMethodWithTokenKey(t *testing.T) {
	fx := newFixture(t)
	base := MethodWithToken{Method: 7, Module: fx.app, Token: fx.getRef}

	same := base
	if base.Key() != same.Key() {
		t.Fatalf("identical identities produced distinct keys")
	}
	variants := []MethodWithToken{
		{Method: 8, Module: base.Module, Token: base.Token},
		{Method: 7, Module: base.Module + 1, Token: base.Token},
		{Method: 7, Module: base.Module, Token: base.Token + 1},
		{Method: 7, Module: base.Module, Token: base.Token, Constraint: 3},
		{Method: 7, Module: base.Module, Token: base.Token, Unboxing: true},
	}
	seen := map[string]bool{base.Key(): true}
	for i, v := range variants {
		if seen[v.Key()] {
			t.Fatalf("variant %d collides: %s", i, v.Key())
		}
		seen[v.Key()] = true
	}
}

func TestContextFor(t *testing.T) {
	fx := newFixture(t)
	w := fx.w

	generic := meta.NewBuilder(w, "g")
	holder := generic.Class("Util", w.WellKnown().Object, 0)
	mapDef := generic.GenericMethod(holder, "Map", meta.MethodStatic, 1, generic.MethodParam(0))

	if g := ContextFor(w, mapDef); !g.IsMethod() {
		t.Fatalf("generic method must use a method context")
	}
	shared := w.MethodOnType(fx.addDef, w.Instantiate(fx.list, []meta.TypeID{w.Canon()}))
	g := ContextFor(w, shared)
	if g.IsMethod() || g.Type != w.Method(shared).Owner {
		t.Fatalf("non-generic method must use the owner type context: %+v", g)
	}
}
