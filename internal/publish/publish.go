// Package publish assembles one method's generated artifacts into a finished
// object record: code and data buffers, an interned import cell table,
// classified relocations, encoded exception clauses, unwind frames, and the
// GC liveness blob. One Publisher serves one method; Finish seals the record
// and detaches the buffers, so anything holding a stale reference fails loud
// instead of corrupting the next method.
package publish

import (
	"encoding/binary"

	"fortio.org/safecast"

	"pregen/internal/handle"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

// Region names one buffer the publisher hands out.
type Region uint8

const (
	RegionHot Region = iota
	RegionCold
	RegionROData
	RegionCounters
	RegionImports
	numRegions
)

func (r Region) String() string {
	switch r {
	case RegionHot:
		return "hot"
	case RegionCold:
		return "cold"
	case RegionROData:
		return "rodata"
	case RegionCounters:
		return "counters"
	case RegionImports:
		return "imports"
	default:
		return "region(?)"
	}
}

// Synthetic address space. Regions sit at fixed bases well below the handle
// range, so scanning a target value classifies it: inside a region, an
// import slot, or a handle.
const (
	regionBase   = 0x10000000
	regionStride = 0x08000000 // span per region, far beyond any one method

	cellSlot    = 8 // import cells are pointer slots
	counterSlot = 8
	ehRecord    = 24
)

func regionAddr(r Region) uint64 {
	return regionBase + uint64(r)*regionStride
}

// Buffer is one allocated region: a synthetic base plus backing bytes the
// generator writes through.
type Buffer struct {
	Region Region
	Base   uint64
	Data   []byte
}

// Contains reports whether addr falls inside the buffer.
func (b *Buffer) Contains(addr uint64) bool {
	return b != nil && addr >= b.Base && addr < b.Base+uint64(len(b.Data))
}

// Sizes requests the per-method buffers. Hot is required, the rest are
// optional. Counters counts instrumentation slots, not bytes.
type Sizes struct {
	Hot      uint32
	Cold     uint32
	ROData   uint32
	Counters uint32
	Align    uint32 // code alignment, defaults to 16
}

// BufferSet is what AllocBuffers hands the generator. Absent regions are nil.
type BufferSet struct {
	Hot      *Buffer
	Cold     *Buffer
	ROData   *Buffer
	Counters *Buffer
}

// SymbolKind classifies a relocation target after scanning.
type SymbolKind uint8

const (
	SymbolInvalid SymbolKind = iota
	// SymbolSection targets a spot inside one of this method's own regions.
	SymbolSection
	// SymbolMethod targets the published entry of another method.
	SymbolMethod
	// SymbolImport targets an interned import cell.
	SymbolImport
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolSection:
		return "section"
	case SymbolMethod:
		return "method"
	case SymbolImport:
		return "import"
	default:
		return "invalid"
	}
}

// SymbolRef is the classified destination of one relocation.
type SymbolRef struct {
	Kind   SymbolKind
	Region Region // SymbolSection
	Delta  uint32 // offset within the section target
	Method meta.MethodID
	Cell   *jitabi.ImportRef
}

// Relocation is one classified patch site in the finished object.
type Relocation struct {
	Region Region
	Offset uint32
	Kind   jitabi.RelocKind
	Target SymbolRef
}

// ObjectData is the finished record for one method. Slot addends are already
// patched into the bytes: section targets carry their delta, symbolic
// targets carry zero and the image writer supplies the final address.
type ObjectData struct {
	Method meta.MethodID
	Failed bool
	Align  uint32

	Hot      []byte
	Cold     []byte
	ROData   []byte
	Counters uint32 // slot count; the writer allocates zeroed storage

	Cells  []*jitabi.ImportRef // import table in slot order
	Relocs []Relocation
	EH     []byte // frozen 24-byte records
	Frames []jitabi.FrameInfo
	GCInfo []byte
}

// FailStub is the stand-in for a method whose compilation failed partway:
// an empty body published under the method's symbol, so downstream consumers
// never observe a half-built record.
func FailStub(m meta.MethodID) *ObjectData {
	return &ObjectData{Method: m, Failed: true, Align: 1}
}

type site struct {
	region Region
	offset uint32
	kind   jitabi.RelocKind
	target uint64
}

// Publisher assembles the record. Not goroutine-safe: one method compiles on
// one thread, and the scratch state is exclusively its own.
type Publisher struct {
	method meta.MethodID
	reg    *handle.Registry

	bufs    [numRegions]*Buffer
	align   uint32
	cells   []*jitabi.ImportRef
	cellIdx map[string]uint32
	sites   []site
	lastOff [numRegions]int64
	eh      []byte
	frames  []jitabi.FrameInfo
	gcinfo  []byte
	done    bool
}

// New builds a publisher for one method against the session's handle
// registry.
func New(m meta.MethodID, reg *handle.Registry) *Publisher {
	p := &Publisher{
		method:  m,
		reg:     reg,
		cellIdx: make(map[string]uint32),
	}
	for i := range p.lastOff {
		p.lastOff[i] = -1
	}
	return p
}

func (p *Publisher) live(op string) error {
	if p.done {
		return jitabi.Fatalf("publish: method %d: %s after finish", p.method, op)
	}
	return nil
}

// AllocBuffers reserves the method's regions. Called exactly once, before
// any recording.
func (p *Publisher) AllocBuffers(s Sizes) (*BufferSet, error) {
	if err := p.live("alloc buffers"); err != nil {
		return nil, err
	}
	if p.bufs[RegionHot] != nil {
		return nil, jitabi.Fatalf("publish: method %d allocated buffers twice", p.method)
	}
	if s.Hot == 0 {
		return nil, jitabi.Fatalf("publish: method %d requested no hot code", p.method)
	}
	if uint64(s.Hot) >= regionStride || uint64(s.Cold) >= regionStride ||
		uint64(s.ROData) >= regionStride || uint64(s.Counters)*counterSlot >= regionStride {
		return nil, jitabi.Fatalf("publish: method %d buffer request exceeds the region span", p.method)
	}
	align := s.Align
	if align == 0 {
		align = 16
	}
	if align&(align-1) != 0 {
		return nil, jitabi.Fatalf("publish: alignment %d is not a power of two", align)
	}
	p.align = align

	set := &BufferSet{Hot: p.alloc(RegionHot, s.Hot)}
	if s.Cold > 0 {
		set.Cold = p.alloc(RegionCold, s.Cold)
	}
	if s.ROData > 0 {
		set.ROData = p.alloc(RegionROData, s.ROData)
	}
	if s.Counters > 0 {
		set.Counters = p.alloc(RegionCounters, s.Counters*counterSlot)
	}
	return set, nil
}

func (p *Publisher) alloc(r Region, n uint32) *Buffer {
	b := &Buffer{Region: r, Base: regionAddr(r), Data: make([]byte, n)}
	p.bufs[r] = b
	return b
}

// CellAddress interns an import cell and returns the synthetic address of
// its slot. Identical cells share one slot across the method.
func (p *Publisher) CellAddress(ref *jitabi.ImportRef) (uint64, error) {
	if err := p.live("intern cell"); err != nil {
		return 0, err
	}
	if ref == nil {
		return 0, jitabi.Fatalf("publish: method %d interned a nil cell", p.method)
	}
	key := ref.Key()
	slot, ok := p.cellIdx[key]
	if !ok {
		var err error
		slot, err = safecast.Conv[uint32](len(p.cells))
		if err != nil {
			return 0, jitabi.FatalWrap("publish", err)
		}
		p.cells = append(p.cells, ref)
		p.cellIdx[key] = slot
	}
	return regionAddr(RegionImports) + uint64(slot)*cellSlot, nil
}

func relocWidth(k jitabi.RelocKind) uint32 {
	switch k {
	case jitabi.RelocAbs64:
		return 8
	case jitabi.RelocRel32:
		return 4
	default:
		return 0
	}
}

// Record notes one patch site. Generators emit sites in ascending source
// order per region; a regression is a generator bug, not bad IL.
func (p *Publisher) Record(r Region, offset uint32, kind jitabi.RelocKind, target uint64) error {
	if err := p.live("record relocation"); err != nil {
		return err
	}
	b := p.bufs[r]
	if b == nil {
		return jitabi.Fatalf("publish: method %d relocates unallocated %s", p.method, r)
	}
	w := relocWidth(kind)
	if w == 0 {
		return jitabi.Fatalf("publish: method %d uses unknown reloc kind %d", p.method, kind)
	}
	if uint64(offset)+uint64(w) > uint64(len(b.Data)) {
		return jitabi.Fatalf("publish: method %d reloc at %s+%#x overruns the buffer", p.method, r, offset)
	}
	if int64(offset) <= p.lastOff[r] {
		return jitabi.Fatalf("publish: method %d reloc order regressed at %s+%#x", p.method, r, offset)
	}
	p.lastOff[r] = int64(offset)
	p.sites = append(p.sites, site{region: r, offset: offset, kind: kind, target: target})
	return nil
}

// SetEH encodes the clauses as the frozen 24-byte little-endian records the
// runtime walks: flags, try start/end, handler start/end, class token or
// filter offset. Offsets are hot-code offsets.
func (p *Publisher) SetEH(clauses []jitabi.EHClause) error {
	if err := p.live("set EH info"); err != nil {
		return err
	}
	hot := p.bufs[RegionHot]
	if hot == nil {
		return jitabi.Fatalf("publish: method %d set EH before buffers", p.method)
	}
	if p.eh != nil {
		return jitabi.Fatalf("publish: method %d set EH twice", p.method)
	}
	limit := uint32(len(hot.Data))
	out := make([]byte, 0, len(clauses)*ehRecord)
	for i, c := range clauses {
		if c.TryStart > c.TryEnd || c.TryEnd > limit ||
			c.HandlerStart > c.HandlerEnd || c.HandlerEnd > limit {
			return jitabi.Fatalf("publish: method %d EH clause %d out of range", p.method, i)
		}
		if c.Kind == meta.EHFilter && c.FilterOffset >= limit {
			return jitabi.Fatalf("publish: method %d EH clause %d filter outside hot code", p.method, i)
		}
		var rec [ehRecord]byte
		binary.LittleEndian.PutUint32(rec[0:], uint32(c.Kind))
		binary.LittleEndian.PutUint32(rec[4:], c.TryStart)
		binary.LittleEndian.PutUint32(rec[8:], c.TryEnd)
		binary.LittleEndian.PutUint32(rec[12:], c.HandlerStart)
		binary.LittleEndian.PutUint32(rec[16:], c.HandlerEnd)
		var last uint32
		switch c.Kind {
		case meta.EHTyped:
			last = uint32(c.ClassToken)
		case meta.EHFilter:
			last = c.FilterOffset
		}
		binary.LittleEndian.PutUint32(rec[20:], last)
		out = append(out, rec[:]...)
	}
	p.eh = out
	return nil
}

// SetFrames records the unwind regions. Ranges ascend and stay inside the
// hot code.
func (p *Publisher) SetFrames(frames []jitabi.FrameInfo) error {
	if err := p.live("set frame info"); err != nil {
		return err
	}
	hot := p.bufs[RegionHot]
	if hot == nil {
		return jitabi.Fatalf("publish: method %d set frames before buffers", p.method)
	}
	if p.frames != nil {
		return jitabi.Fatalf("publish: method %d set frames twice", p.method)
	}
	prev := uint32(0)
	for i, f := range frames {
		if f.Start < prev || f.Start >= f.End || f.End > uint32(len(hot.Data)) {
			return jitabi.Fatalf("publish: method %d frame %d out of range", p.method, i)
		}
		prev = f.End
	}
	p.frames = frames
	return nil
}

// SetGCInfo attaches the GC liveness blob.
func (p *Publisher) SetGCInfo(blob []byte) error {
	if err := p.live("set GC info"); err != nil {
		return err
	}
	p.gcinfo = blob
	return nil
}

// Finish classifies every recorded site, patches slot addends, and seals the
// record. The publisher is dead afterwards.
func (p *Publisher) Finish() (*ObjectData, error) {
	if err := p.live("finish"); err != nil {
		return nil, err
	}
	hot := p.bufs[RegionHot]
	if hot == nil {
		return nil, jitabi.Fatalf("publish: method %d finished without code", p.method)
	}
	out := &ObjectData{
		Method: p.method,
		Align:  p.align,
		Hot:    hot.Data,
		Cells:  p.cells,
		EH:     p.eh,
		Frames: p.frames,
		GCInfo: p.gcinfo,
	}
	if b := p.bufs[RegionCold]; b != nil {
		out.Cold = b.Data
	}
	if b := p.bufs[RegionROData]; b != nil {
		out.ROData = b.Data
	}
	if b := p.bufs[RegionCounters]; b != nil {
		out.Counters = uint32(len(b.Data) / counterSlot)
	}

	out.Relocs = make([]Relocation, 0, len(p.sites))
	for _, s := range p.sites {
		ref, err := p.classify(s.target)
		if err != nil {
			return nil, err
		}
		if err := p.patch(s, ref); err != nil {
			return nil, err
		}
		out.Relocs = append(out.Relocs, Relocation{
			Region: s.region,
			Offset: s.offset,
			Kind:   s.kind,
			Target: ref,
		})
	}

	p.done = true
	p.bufs = [numRegions]*Buffer{}
	p.sites = nil
	return out, nil
}

// classify scans the method's own regions first, then falls back to the
// handle table for externally referenced symbols.
func (p *Publisher) classify(target uint64) (SymbolRef, error) {
	impBase := regionAddr(RegionImports)
	if target >= impBase && target < impBase+uint64(len(p.cells))*cellSlot {
		off := target - impBase
		if off%cellSlot != 0 {
			return SymbolRef{}, jitabi.Fatalf(
				"publish: method %d reloc hits the middle of import slot %d", p.method, off/cellSlot)
		}
		return SymbolRef{Kind: SymbolImport, Cell: p.cells[off/cellSlot]}, nil
	}
	for _, b := range p.bufs {
		if b.Contains(target) {
			return SymbolRef{
				Kind:   SymbolSection,
				Region: b.Region,
				Delta:  uint32(target - b.Base),
			}, nil
		}
	}
	if m, err := p.reg.Method(handle.Handle(target)); err == nil {
		return SymbolRef{Kind: SymbolMethod, Method: m}, nil
	}
	return SymbolRef{}, jitabi.Fatalf(
		"publish: method %d reloc target %#x escapes every buffer and the handle table", p.method, target)
}

// patch writes the addend back into the slot: section targets keep their
// delta, symbolic targets get zero and the image writer supplies the final
// address.
func (p *Publisher) patch(s site, ref SymbolRef) error {
	slot := p.bufs[s.region].Data[s.offset:]
	var addend uint32
	if ref.Kind == SymbolSection {
		addend = ref.Delta
	}
	switch s.kind {
	case jitabi.RelocAbs64:
		binary.LittleEndian.PutUint64(slot, uint64(addend))
	case jitabi.RelocRel32:
		v, err := safecast.Conv[int32](addend)
		if err != nil {
			return jitabi.FatalWrap("publish", err)
		}
		binary.LittleEndian.PutUint32(slot, uint32(v))
	}
	return nil
}
