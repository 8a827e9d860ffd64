package dict

import (
	"errors"
	"fmt"
	"testing"

	"pregen/internal/fixup"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/zapsig"
)

type fixtureWorld struct {
	w   *meta.World
	app meta.ModuleID

	list      meta.TypeID // List<T> definition
	canonList meta.TypeID // List<__Canon>

	addShared  meta.MethodID // instance method on List<__Canon>
	growShared meta.MethodID // second instance method on List<__Canon>
	sortShared meta.MethodID // static method on List<__Canon>
	mapShared  meta.MethodID // Map<__Canon> on List<__Canon>
	plain      meta.MethodID // non-generic
}

func newFixture(t *testing.T) (*fixtureWorld, *Planner) {
	t.Helper()
	w := meta.NewWorld()
	core := meta.NewBuilder(w, "corelib")
	wk := core.SeedCoreLibrary()
	app := meta.NewBuilder(w, "app")

	fw := &fixtureWorld{w: w, app: app.Module()}
	i4 := w.Primitive(meta.PrimI4)

	fw.list = app.GenericClass("List", 1, wk.Object, 0)
	tVar := app.TypeParam(0)
	add := app.Method(fw.list, "Add", 0, w.Primitive(meta.PrimVoid), tVar)
	grow := app.Method(fw.list, "Grow", 0, w.Primitive(meta.PrimVoid), i4)
	sort := app.Method(fw.list, "Sort", meta.MethodStatic, w.Primitive(meta.PrimVoid))
	mapM := app.GenericMethod(fw.list, "Map", 0, 1, app.MethodParam(0))

	holder := app.Class("Holder", wk.Object, 0)
	fw.plain = app.Method(holder, "Run", 0, w.Primitive(meta.PrimVoid))

	fw.canonList = w.Instantiate(fw.list, []meta.TypeID{w.Canon()})
	fw.addShared = w.MethodOnType(add, fw.canonList)
	fw.growShared = w.MethodOnType(grow, fw.canonList)
	fw.sortShared = w.MethodOnType(sort, fw.canonList)
	fw.mapShared = w.InstantiateMethod(w.MethodOnType(mapM, fw.canonList), []meta.TypeID{w.Canon()})

	enc := fixup.NewEncoder(zapsig.New(w, app.Module()))
	return fw, NewPlanner(w, enc, 8)
}

func TestAnchorSelection(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w
	target := w.ArrayOf(w.Canon())

	tests := []struct {
		name    string
		ctx     meta.MethodID
		kind    jitabi.DictLookupKind
		anchor  fixup.Kind
		offsets []uint32
	}{
		{"instance method walks this", fw.addShared, jitabi.LookupThisObj,
			fixup.KindThisObjDictionaryLookup, []uint32{0, 48, 0}},
		{"static method walks the type arg", fw.sortShared, jitabi.LookupClassParam,
			fixup.KindTypeDictionaryLookup, []uint32{48, 0}},
		{"generic method walks the method desc", fw.mapShared, jitabi.LookupMethodParam,
			fixup.KindMethodDictionaryLookup, []uint32{40}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lookup, err := p.PlanType(tc.ctx, target)
			if err != nil {
				t.Fatalf("PlanType: %v", err)
			}
			if lookup.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", lookup.Kind, tc.kind)
			}
			if lookup.UseHelper {
				t.Fatalf("fresh dictionary must not need the helper")
			}
			if got, want := len(lookup.Offsets), len(tc.offsets); got != want {
				t.Fatalf("chain length = %d, want %d", got, want)
			}
			for i, off := range tc.offsets {
				if lookup.Offsets[i] != off {
					t.Fatalf("offsets[%d] = %d, want %d", i, lookup.Offsets[i], off)
				}
			}
			if lookup.SlotImport == nil || lookup.SlotImport.Kind != uint16(tc.anchor) {
				t.Fatalf("slot import anchored wrong: %+v", lookup.SlotImport)
			}
		})
	}
}

func TestSlotAssignmentIsInterned(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w

	arr := w.ArrayOf(w.Canon())
	first, err := p.PlanType(fw.addShared, arr)
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	again, err := p.PlanType(fw.addShared, arr)
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	if first.Slot != again.Slot {
		t.Fatalf("same signature got slots %d and %d", first.Slot, again.Slot)
	}
	if first.SlotImport.Key() != again.SlotImport.Key() {
		t.Fatalf("same signature produced distinct import keys")
	}

	other, err := p.PlanType(fw.addShared, w.ArrayOf(arr))
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	if other.Slot == first.Slot {
		t.Fatalf("distinct signatures share slot %d", first.Slot)
	}

	// Methods on the same canonical owner share one type dictionary.
	sibling, err := p.PlanType(fw.growShared, arr)
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	if sibling.Slot != first.Slot {
		t.Fatalf("owner dictionary not shared: slot %d vs %d", sibling.Slot, first.Slot)
	}
	if got := p.SlotCount(fw.canonList); got != 2 {
		t.Fatalf("owner dictionary has %d slots, want 2", got)
	}
}

func TestMethodDictionaryIsPerMethod(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w
	arr := w.ArrayOf(w.Canon())

	mLookup, err := p.PlanType(fw.mapShared, arr)
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	tLookup, err := p.PlanType(fw.addShared, arr)
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	if mLookup.Slot != 0 || tLookup.Slot != 0 {
		t.Fatalf("independent dictionaries must both start at slot 0: %d, %d",
			mLookup.Slot, tLookup.Slot)
	}
	if got := p.MethodSlotCount(w.CanonicalizeMethod(fw.mapShared)); got != 1 {
		t.Fatalf("method dictionary has %d slots, want 1", got)
	}
	if p.SlotCount(fw.canonList) != 1 {
		t.Fatalf("type dictionary leaked method slots")
	}
}

func TestHelperFallbackPastCap(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w

	// Nested arrays give an unbounded supply of distinct signatures.
	target := w.ArrayOf(w.Canon())
	var last *jitabi.RuntimeLookup
	for i := 0; i < maxPlannedSlots+3; i++ {
		lookup, err := p.PlanType(fw.addShared, target)
		if err != nil {
			t.Fatalf("PlanType #%d: %v", i, err)
		}
		if want := uint32(i); lookup.Slot != want {
			t.Fatalf("slot #%d = %d", i, lookup.Slot)
		}
		planned := i < maxPlannedSlots
		if lookup.UseHelper == planned {
			t.Fatalf("slot %d: UseHelper = %v", i, lookup.UseHelper)
		}
		if !planned && len(lookup.Offsets) != 0 {
			t.Fatalf("helper fallback still carries a deref chain")
		}
		if lookup.Helper != jitabi.HelperGenericHandleClass {
			t.Fatalf("helper = %v", lookup.Helper)
		}
		last = lookup
		target = w.ArrayOf(target)
	}
	if last.SlotImport == nil {
		t.Fatalf("helper fallback still needs the slot signature")
	}

	over, err := p.PlanMethodHandle(fw.mapShared, fw.mapShared)
	if err != nil {
		t.Fatalf("PlanMethodHandle: %v", err)
	}
	if over.Helper != jitabi.HelperGenericHandleMethod {
		t.Fatalf("method lookups use %v, want generic_handle_method", over.Helper)
	}
}

func TestLookupKindsCarryTargetKind(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w

	tests := []struct {
		name string
		plan func() (*jitabi.RuntimeLookup, error)
		want fixup.Kind
	}{
		{"type handle", func() (*jitabi.RuntimeLookup, error) {
			return p.PlanType(fw.addShared, w.ArrayOf(w.Canon()))
		}, fixup.KindTypeHandle},
		{"method handle", func() (*jitabi.RuntimeLookup, error) {
			return p.PlanMethodHandle(fw.addShared, fw.mapShared)
		}, fixup.KindMethodHandle},
		{"method entry", func() (*jitabi.RuntimeLookup, error) {
			return p.PlanMethodEntry(fw.addShared, fw.mapShared, 0, meta.NoTypeID)
		}, fixup.KindMethodEntry},
		{"virtual entry", func() (*jitabi.RuntimeLookup, error) {
			return p.PlanVirtualEntry(fw.addShared, fw.mapShared)
		}, fixup.KindVirtualEntry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lookup, err := tc.plan()
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			kind, _, err := zapsig.ReadCompressed(lookup.SlotImport.Blob)
			if err != nil {
				t.Fatalf("slot blob header: %v", err)
			}
			if fixup.Kind(kind) != tc.want {
				t.Fatalf("embedded target kind = %v, want %v", fixup.Kind(kind), tc.want)
			}
		})
	}
}

func TestExactContextRejected(t *testing.T) {
	fw, p := newFixture(t)
	w := fw.w

	if _, err := p.PlanType(fw.plain, w.ArrayOf(w.Canon())); !errors.Is(err, errNoContext) {
		t.Fatalf("non-generic context: err = %v", err)
	}

	exact := w.MethodOnType(w.MethodDefOf(fw.addShared),
		w.Instantiate(fw.list, []meta.TypeID{w.WellKnown().String}))
	if _, err := p.PlanType(exact, w.ArrayOf(w.Canon())); err == nil {
		t.Fatalf("exact instantiation should not plan dictionary lookups")
	}
}

func TestChainOffsetsScaleWithPointerSize(t *testing.T) {
	fw, _ := newFixture(t)
	w := fw.w

	enc := fixup.NewEncoder(zapsig.New(w, fw.app))
	p32 := NewPlanner(w, enc, 4)
	lookup, err := p32.PlanType(fw.sortShared, w.ArrayOf(w.Canon()))
	if err != nil {
		t.Fatalf("PlanType: %v", err)
	}
	want := fmt.Sprintf("%v", []uint32{24, 0})
	if got := fmt.Sprintf("%v", lookup.Offsets); got != want {
		t.Fatalf("32-bit chain = %s, want %s", got, want)
	}
}
