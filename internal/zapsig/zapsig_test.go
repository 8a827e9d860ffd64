package zapsig

import (
	"errors"
	"testing"

	"pregen/internal/meta"
)

type fixture struct {
	w    *meta.World
	wk   meta.WellKnown
	app  *meta.Builder
	ext  *meta.Builder
	box  meta.TypeID // app: Box<T>
	get  meta.MethodID
	pick meta.MethodID // app: generic method Pick<U> on Box<T>
	fld  meta.FieldID
	far  meta.TypeID // ext: Foreign
	pt   meta.TypeID // app: struct Point
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := meta.NewWorld()
	core := meta.NewBuilder(w, "corelib")
	wk := core.SeedCoreLibrary()
	app := meta.NewBuilder(w, "app")
	ext := meta.NewBuilder(w, "ext")

	f := &fixture{w: w, wk: wk, app: app, ext: ext}
	f.box = app.GenericClass("Box", 1, wk.Object, 0)
	tVar := app.TypeParam(0)
	f.fld = app.Field(f.box, "item", tVar, 0)
	f.get = app.Method(f.box, "Get", 0, tVar)
	f.pick = app.GenericMethod(f.box, "Pick", 0, 1, app.MethodParam(0))
	f.far = ext.Class("Foreign", wk.Object, 0)
	f.pt = app.Struct("Point", meta.LayoutSequential)
	app.Field(f.pt, "x", w.Primitive(meta.PrimI4), 0)
	return f
}

func TestCompressedIntegers(t *testing.T) {
	cases := []struct {
		v    uint32
		size int
	}{
		{0, 1}, {0x7F, 1},
		{0x80, 2}, {0x3FFF, 2},
		{0x4000, 4}, {0x1FFFFFFF, 4},
	}
	for _, tc := range cases {
		buf, err := AppendCompressed(nil, tc.v)
		if err != nil {
			t.Fatalf("append %#x: %v", tc.v, err)
		}
		if len(buf) != tc.size {
			t.Fatalf("width of %#x = %d, want %d", tc.v, len(buf), tc.size)
		}
		got, rest, err := ReadCompressed(buf)
		if err != nil || got != tc.v || len(rest) != 0 {
			t.Fatalf("round-trip %#x: got %#x rest %d err %v", tc.v, got, len(rest), err)
		}
	}
	if _, err := AppendCompressed(nil, 0x20000000); !errors.Is(err, ErrBadCompressed) {
		t.Fatalf("oversized value accepted: %v", err)
	}
	if _, _, err := ReadCompressed([]byte{0x80}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated read: %v", err)
	}
	if _, _, err := ReadCompressed([]byte{0xFF, 0, 0, 0}); !errors.Is(err, ErrBadCompressed) {
		t.Fatalf("invalid lead byte accepted: %v", err)
	}
}

func TestTypeRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.w
	c := New(w, f.app.Module())

	boxStr := w.Instantiate(f.box, []meta.TypeID{f.wk.String})
	nested := w.Instantiate(f.box, []meta.TypeID{w.ArrayOf(boxStr)})

	cases := []struct {
		name string
		ty   meta.TypeID
	}{
		{"primitive", w.Primitive(meta.PrimI4)},
		{"string", f.wk.String},
		{"object", f.wk.Object},
		{"canon", w.Canon()},
		{"value type", f.pt},
		{"array of primitive", w.ArrayOf(w.Primitive(meta.PrimU2))},
		{"local definition", f.box},
		{"cross-module definition", f.far},
		{"instantiation", boxStr},
		{"nested instantiation", nested},
		{"canonical instantiation", w.Instantiate(f.box, []meta.TypeID{w.Canon()})},
		{"cross-module argument", w.Instantiate(f.box, []meta.TypeID{f.far})},
		{"array of instantiation", w.ArrayOf(boxStr)},
		{"type parameter", w.ParamOf(meta.ParamOfType, 1)},
		{"method parameter", w.ParamOf(meta.ParamOfMethod, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := c.EncodeType(tc.ty)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, rest, err := c.DecodeType(blob)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(rest) != 0 {
				t.Fatalf("%d trailing bytes", len(rest))
			}
			if got != tc.ty {
				t.Fatalf("round-trip %s -> %s", w.TypeName(tc.ty), w.TypeName(got))
			}
		})
	}
}

func TestMethodRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.w
	c := New(w, f.app.Module())

	boxStr := w.Instantiate(f.box, []meta.TypeID{f.wk.String})
	onInst := w.MethodOnType(f.get, boxStr)
	generic := w.InstantiateMethod(w.MethodOnType(f.pick, boxStr), []meta.TypeID{w.Primitive(meta.PrimI8)})
	farM := f.ext.Method(f.far, "Run", 0, w.Primitive(meta.PrimVoid))

	cases := []struct {
		name       string
		m          meta.MethodID
		extra      MethodFlags
		constraint meta.TypeID
	}{
		{"plain definition", f.get, 0, meta.NoTypeID},
		{"on instantiated owner", onInst, 0, meta.NoTypeID},
		{"generic instantiation", generic, 0, meta.NoTypeID},
		{"cross-module", farM, 0, meta.NoTypeID},
		{"unboxing stub", onInst, MethodFlagUnboxingStub, meta.NoTypeID},
		{"constrained", f.get, 0, f.pt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := c.EncodeMethod(tc.m, tc.extra, tc.constraint)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			sig, rest, err := c.DecodeMethod(blob)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(rest) != 0 {
				t.Fatalf("%d trailing bytes", len(rest))
			}
			if sig.Method != tc.m {
				t.Fatalf("round-trip %s -> %s", w.MethodName(tc.m), w.MethodName(sig.Method))
			}
			if sig.Flags&MethodFlagUnboxingStub != tc.extra&MethodFlagUnboxingStub {
				t.Fatalf("unboxing flag lost")
			}
			if sig.Constraint != tc.constraint {
				t.Fatalf("constraint %s -> %s", w.TypeName(tc.constraint), w.TypeName(sig.Constraint))
			}
		})
	}
}

func TestFieldRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.w
	c := New(w, f.app.Module())

	boxStr := w.Instantiate(f.box, []meta.TypeID{f.wk.String})
	cases := []struct {
		name string
		fld  meta.FieldID
	}{
		{"definition", f.fld},
		{"on instantiated owner", w.FieldOnType(f.fld, boxStr)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := c.AppendField(nil, tc.fld)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			sig, rest, err := c.DecodeField(blob)
			if err != nil || len(rest) != 0 {
				t.Fatalf("decode: %v, rest %d", err, len(rest))
			}
			if sig.Field != tc.fld {
				t.Fatalf("round-trip mismatch: %d -> %d", tc.fld, sig.Field)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	f := newFixture(t)
	c := New(f.w, f.app.Module())

	if _, _, err := c.DecodeType(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("empty buffer: %v", err)
	}
	if _, _, err := c.DecodeType([]byte{0x7A}); !errors.Is(err, ErrBadElement) {
		t.Fatalf("unknown element: %v", err)
	}
	// CLASS with a RID that was never defined.
	if _, _, err := c.DecodeType([]byte{elemClass, 0x6E}); !errors.Is(err, ErrBadToken) {
		t.Fatalf("dangling token: %v", err)
	}
	// GENERICINST cut off after the definition.
	blob, err := c.EncodeType(f.w.Instantiate(f.box, []meta.TypeID{f.wk.String}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := c.DecodeType(blob[:len(blob)-1]); err == nil {
		t.Fatalf("truncated instantiation accepted")
	}
}
