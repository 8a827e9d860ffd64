package publish

import (
	"encoding/binary"
	"testing"

	"pregen/internal/handle"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

func newPub(t *testing.T, s Sizes) (*Publisher, *BufferSet, *handle.Registry) {
	t.Helper()
	reg := handle.NewRegistry(3)
	p := New(meta.MethodID(7), reg)
	set, err := p.AllocBuffers(s)
	if err != nil {
		t.Fatalf("alloc buffers: %v", err)
	}
	return p, set, reg
}

func wantFatal(t *testing.T, err error, what string) {
	t.Helper()
	if err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("%s: want fatal, got %v", what, err)
	}
}

func TestBufferLayout(t *testing.T) {
	p, set, _ := newPub(t, Sizes{Hot: 64, Cold: 32, ROData: 16, Counters: 2})

	bufs := []*Buffer{set.Hot, set.Cold, set.ROData, set.Counters}
	for i, b := range bufs {
		if b == nil {
			t.Fatalf("buffer %d missing", i)
		}
		for j, o := range bufs[:i] {
			if b.Base < o.Base+uint64(len(o.Data)) && o.Base < b.Base+uint64(len(b.Data)) {
				t.Fatalf("buffers %d and %d overlap", i, j)
			}
		}
		// Region addresses must never be mistakable for handles.
		if b.Base+uint64(len(b.Data)) >= 0x5A000000 {
			t.Fatalf("buffer %d reaches the handle range: %#x", i, b.Base)
		}
	}
	if len(set.Counters.Data) != 16 {
		t.Fatalf("counter block = %d bytes, want 2 slots", len(set.Counters.Data))
	}

	if _, err := p.AllocBuffers(Sizes{Hot: 8}); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("second allocation accepted: %v", err)
	}

	q := New(meta.MethodID(8), handle.NewRegistry(3))
	if _, err := q.AllocBuffers(Sizes{}); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("empty hot request accepted: %v", err)
	}
	if _, err := q.AllocBuffers(Sizes{Hot: 8, Align: 12}); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("non-power-of-two alignment accepted: %v", err)
	}
}

func TestCellInterning(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 16})

	a := &jitabi.ImportRef{Kind: 0x1F, Blob: []byte{2, 7}}
	b := &jitabi.ImportRef{Kind: 0x1F, Blob: []byte{2, 7}}
	c := &jitabi.ImportRef{Kind: 0x1F, Blob: []byte{2, 8}}

	addrA, err := p.CellAddress(a)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	addrB, err := p.CellAddress(b)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	addrC, err := p.CellAddress(c)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if addrA != addrB {
		t.Fatalf("identical cells got two slots: %#x %#x", addrA, addrB)
	}
	if addrC != addrA+cellSlot {
		t.Fatalf("distinct cell not in the next slot: %#x after %#x", addrC, addrA)
	}

	if _, err := p.CellAddress(nil); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("nil cell accepted: %v", err)
	}
}

func TestClassifyAndPatch(t *testing.T) {
	p, set, reg := newPub(t, Sizes{Hot: 64, ROData: 32, Counters: 1})

	cell := &jitabi.ImportRef{Kind: 0x1F, Blob: []byte{0x42}}
	cellAddr, err := p.CellAddress(cell)
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	callee := reg.MethodHandle(meta.MethodID(42))

	recs := []struct {
		offset uint32
		kind   jitabi.RelocKind
		target uint64
	}{
		{0, jitabi.RelocAbs64, set.ROData.Base + 12},
		{8, jitabi.RelocAbs64, uint64(callee)},
		{16, jitabi.RelocRel32, cellAddr},
		{24, jitabi.RelocAbs64, set.Counters.Base},
		{32, jitabi.RelocAbs64, set.Hot.Base + 4},
	}
	for _, r := range recs {
		if err := p.Record(RegionHot, r.offset, r.kind, r.target); err != nil {
			t.Fatalf("record +%#x: %v", r.offset, err)
		}
	}

	out, err := p.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(out.Relocs) != len(recs) {
		t.Fatalf("got %d relocs, want %d", len(out.Relocs), len(recs))
	}
	if out.Counters != 1 || len(out.Cells) != 1 || out.Cells[0] != cell {
		t.Fatalf("object tables wrong: counters=%d cells=%v", out.Counters, out.Cells)
	}
	if out.Align != 16 {
		t.Fatalf("default alignment = %d", out.Align)
	}

	want := []struct {
		kind   SymbolKind
		region Region
		delta  uint32
		method meta.MethodID
	}{
		{kind: SymbolSection, region: RegionROData, delta: 12},
		{kind: SymbolMethod, method: meta.MethodID(42)},
		{kind: SymbolImport},
		{kind: SymbolSection, region: RegionCounters},
		{kind: SymbolSection, region: RegionHot, delta: 4},
	}
	for i, w := range want {
		got := out.Relocs[i].Target
		if got.Kind != w.kind {
			t.Fatalf("reloc %d classified %s, want %s", i, got.Kind, w.kind)
		}
		switch w.kind {
		case SymbolSection:
			if got.Region != w.region || got.Delta != w.delta {
				t.Fatalf("reloc %d = %s+%d, want %s+%d", i, got.Region, got.Delta, w.region, w.delta)
			}
		case SymbolMethod:
			if got.Method != w.method {
				t.Fatalf("reloc %d method = %d", i, got.Method)
			}
		case SymbolImport:
			if got.Cell != cell {
				t.Fatalf("reloc %d lost its cell", i)
			}
		}
	}

	// Section targets keep their delta in the slot, symbolic targets go to
	// zero for the image writer to fill.
	if v := binary.LittleEndian.Uint64(out.Hot[0:]); v != 12 {
		t.Fatalf("rodata addend = %d", v)
	}
	if v := binary.LittleEndian.Uint64(out.Hot[8:]); v != 0 {
		t.Fatalf("method slot not zeroed: %d", v)
	}
	if v := binary.LittleEndian.Uint32(out.Hot[16:]); v != 0 {
		t.Fatalf("import slot not zeroed: %d", v)
	}
	if v := binary.LittleEndian.Uint64(out.Hot[24:]); v != 0 {
		t.Fatalf("counter addend = %d", v)
	}
	if v := binary.LittleEndian.Uint64(out.Hot[32:]); v != 4 {
		t.Fatalf("self addend = %d", v)
	}
}

func TestRecordValidation(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 64})

	if err := p.Record(RegionHot, 16, jitabi.RelocAbs64, regionAddr(RegionHot)); err != nil {
		t.Fatalf("record: %v", err)
	}
	wantFatal(t, p.Record(RegionHot, 8, jitabi.RelocAbs64, regionAddr(RegionHot)), "regressed offset")
	wantFatal(t, p.Record(RegionHot, 16, jitabi.RelocAbs64, regionAddr(RegionHot)), "duplicate offset")
	wantFatal(t, p.Record(RegionHot, 60, jitabi.RelocAbs64, regionAddr(RegionHot)), "overrunning slot")
	wantFatal(t, p.Record(RegionCold, 0, jitabi.RelocAbs64, regionAddr(RegionHot)), "unallocated region")
	wantFatal(t, p.Record(RegionHot, 24, jitabi.RelocInvalid, regionAddr(RegionHot)), "invalid kind")
}

func TestUnknownTargetIsFatal(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 16})
	if err := p.Record(RegionHot, 0, jitabi.RelocAbs64, 0x777); err != nil {
		t.Fatalf("record: %v", err)
	}
	_, err := p.Finish()
	wantFatal(t, err, "garbage target")

	// A handle from a foreign generation is just as unknown.
	p2, _, _ := newPub(t, Sizes{Hot: 16})
	foreign := handle.NewRegistry(9).MethodHandle(meta.MethodID(5))
	if err := p2.Record(RegionHot, 0, jitabi.RelocAbs64, uint64(foreign)); err != nil {
		t.Fatalf("record: %v", err)
	}
	_, err = p2.Finish()
	wantFatal(t, err, "stale handle target")
}

func TestEHRecords(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 64})

	clauses := []jitabi.EHClause{
		{Kind: meta.EHTyped, TryStart: 0, TryEnd: 16, HandlerStart: 16, HandlerEnd: 32, ClassToken: 0x02000011},
		{Kind: meta.EHFilter, TryStart: 0, TryEnd: 16, HandlerStart: 40, HandlerEnd: 48, FilterOffset: 32},
		{Kind: meta.EHFinally, TryStart: 0, TryEnd: 32, HandlerStart: 48, HandlerEnd: 64},
	}
	if err := p.SetEH(clauses); err != nil {
		t.Fatalf("set EH: %v", err)
	}
	wantFatal(t, p.SetEH(clauses), "second EH set")

	out, err := p.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(out.EH) != 3*ehRecord {
		t.Fatalf("EH blob = %d bytes", len(out.EH))
	}
	words := func(i, w int) uint32 {
		return binary.LittleEndian.Uint32(out.EH[i*ehRecord+w*4:])
	}
	checks := []struct {
		clause int
		word   int
		want   uint32
	}{
		{0, 0, 0x0}, {0, 1, 0}, {0, 2, 16}, {0, 3, 16}, {0, 4, 32}, {0, 5, 0x02000011},
		{1, 0, 0x1}, {1, 5, 32},
		{2, 0, 0x2}, {2, 5, 0},
	}
	for _, c := range checks {
		if got := words(c.clause, c.word); got != c.want {
			t.Fatalf("clause %d word %d = %#x, want %#x", c.clause, c.word, got, c.want)
		}
	}

	p2, _, _ := newPub(t, Sizes{Hot: 64})
	bad := []jitabi.EHClause{{Kind: meta.EHFinally, TryStart: 0, TryEnd: 80, HandlerStart: 0, HandlerEnd: 8}}
	wantFatal(t, p2.SetEH(bad), "clause past the code")
	inverted := []jitabi.EHClause{{Kind: meta.EHFinally, TryStart: 16, TryEnd: 8, HandlerStart: 0, HandlerEnd: 8}}
	wantFatal(t, p2.SetEH(inverted), "inverted try range")
	strayFilter := []jitabi.EHClause{{Kind: meta.EHFilter, TryStart: 0, TryEnd: 16, HandlerStart: 16, HandlerEnd: 32, FilterOffset: 64}}
	wantFatal(t, p2.SetEH(strayFilter), "filter outside the code")
}

func TestFramesAndGCInfo(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 64})

	frames := []jitabi.FrameInfo{
		{Start: 0, End: 16, Unwind: []byte{1, 2}},
		{Start: 16, End: 64, Unwind: []byte{3}},
	}
	if err := p.SetFrames(frames); err != nil {
		t.Fatalf("set frames: %v", err)
	}
	wantFatal(t, p.SetFrames(frames), "second frame set")
	if err := p.SetGCInfo([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("set gc info: %v", err)
	}

	out, err := p.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(out.Frames) != 2 || out.Frames[1].Start != 16 {
		t.Fatalf("frames lost: %+v", out.Frames)
	}
	if len(out.GCInfo) != 2 || out.GCInfo[0] != 0xAA {
		t.Fatalf("gc info lost: %v", out.GCInfo)
	}

	p2, _, _ := newPub(t, Sizes{Hot: 32})
	wantFatal(t, p2.SetFrames([]jitabi.FrameInfo{{Start: 8, End: 8}}), "empty frame")
	wantFatal(t, p2.SetFrames([]jitabi.FrameInfo{{Start: 0, End: 16}, {Start: 8, End: 24}}), "overlapping frames")
	wantFatal(t, p2.SetFrames([]jitabi.FrameInfo{{Start: 0, End: 40}}), "frame past the code")
}

func TestFinishSealsThePublisher(t *testing.T) {
	p, _, _ := newPub(t, Sizes{Hot: 16})
	if _, err := p.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := p.Finish(); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("second finish accepted: %v", err)
	}
	wantFatal(t, p.Record(RegionHot, 0, jitabi.RelocAbs64, regionAddr(RegionHot)), "record after finish")
	if _, err := p.CellAddress(&jitabi.ImportRef{Kind: 1}); err == nil || !jitabi.IsFatal(err) {
		t.Fatalf("intern after finish accepted: %v", err)
	}
	wantFatal(t, p.SetGCInfo(nil), "gc info after finish")
}

func TestFailStub(t *testing.T) {
	out := FailStub(meta.MethodID(99))
	if !out.Failed || out.Method != meta.MethodID(99) {
		t.Fatalf("stub shape: %+v", out)
	}
	if len(out.Hot) != 0 || len(out.Relocs) != 0 || len(out.EH) != 0 {
		t.Fatalf("stub is not empty: %+v", out)
	}
}
