// Package codegen holds the reference code generator. It emits a placeholder
// instruction set of fixed 16-byte slots, one per materialization, and drives
// every jitabi.Env operation a real backend would: dispatch decisions, field
// encodings, embeddings, dictionary lookups. The pipeline and its tests run
// end to end against it; production backends plug in behind the same
// interface.
package codegen

import (
	"context"
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

const slotSize = 16

// Slot layout: tag byte, three reserved bytes, a 32-bit immediate, then the
// 64-bit target field relocations patch. Rel32 patches the low four bytes of
// the target field.
const (
	tagNop       byte = 0x00
	tagNullCheck byte = 0x01
	tagThis      byte = 0x02 // immediate: the this-transform
	tagLoad      byte = 0x10 // materialize a cell value
	tagLookup    byte = 0x11 // dictionary lookup; immediate: the slot
	tagCall      byte = 0x20 // pc-relative call
	tagCallCell  byte = 0x21 // call through a cell or a materialized entry
	tagHelper    byte = 0x22 // helper call; immediate: the helper id
	tagField     byte = 0x30 // field address; immediate: the encoded offset
)

// TemplateGenerator is the reference backend. Stateless and safe to share.
type TemplateGenerator struct{}

var _ jitabi.CodeGenerator = TemplateGenerator{}

// Name identifies the backend in reports and cache keys.
func (TemplateGenerator) Name() string { return "template" }

// Generate walks the body's site list in order and emits one slot sequence
// per site. Cancellation between sites defers the method to the runtime JIT.
func (TemplateGenerator) Generate(ctx context.Context, env jitabi.Env) (*jitabi.CompiledCode, error) {
	body := env.Body()
	if body == nil {
		return nil, jitabi.Fatalf("codegen: method %d has no body", env.Method())
	}
	b := &builder{env: env, starts: make([]uint32, 0, len(body.Sites))}
	for i, site := range body.Sites {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("codegen: canceled at site %d: %w", i, jitabi.ErrDeferToRuntimeJIT)
		}
		b.starts = append(b.starts, b.pos())
		if err := b.site(site); err != nil {
			return nil, err
		}
	}
	if len(b.code) == 0 {
		// A body with no token-bearing sites still publishes a unit.
		b.emit(tagNop, 0, 0)
	}
	eh, err := b.clauses(body.EH)
	if err != nil {
		return nil, err
	}
	size, err := safecast.Conv[uint32](len(b.code))
	if err != nil {
		return nil, jitabi.FatalWrap("codegen", err)
	}
	return &jitabi.CompiledCode{
		Code:   b.code,
		Relocs: b.relocs,
		EH:     eh,
		Frames: []jitabi.FrameInfo{{Start: 0, End: size, Unwind: []byte{1, 0, 0, 0}}},
		GCInfo: gcInfo(size),
	}, nil
}

// gcInfo is the trivial liveness blob: format version plus the code size,
// no tracked slots. Enough for consumers that only frame the method.
func gcInfo(size uint32) []byte {
	blob := make([]byte, 8)
	blob[0] = 1
	binary.LittleEndian.PutUint32(blob[4:], size)
	return blob
}

type builder struct {
	env    jitabi.Env
	code   []byte
	relocs []jitabi.Reloc
	starts []uint32 // code offset where each site's slots begin
}

func (b *builder) pos() uint32 { return uint32(len(b.code)) }

func (b *builder) emit(tag byte, imm uint32, target uint64) uint32 {
	off := b.pos()
	var s [slotSize]byte
	s[0] = tag
	binary.LittleEndian.PutUint32(s[4:], imm)
	binary.LittleEndian.PutUint64(s[8:], target)
	b.code = append(b.code, s[:]...)
	return off
}

// patched emits a slot whose target field is a relocation site.
func (b *builder) patched(tag byte, imm uint32, kind jitabi.RelocKind, t jitabi.RelocTarget) {
	off := b.emit(tag, imm, 0)
	b.relocs = append(b.relocs, jitabi.Reloc{Offset: off + 8, Kind: kind, Target: t})
}

func (b *builder) helper(h jitabi.HelperID) {
	b.patched(tagHelper, uint32(h), jitabi.RelocAbs64, jitabi.HelperTarget(h))
}

// value materializes an embedding: a cell slot styled by cellTag, or the
// lookup sequence for runtime-determined targets. Lookup cells resolve
// lazily on first touch, so loading one doubles as the load-time probe for
// verification cells.
func (b *builder) value(cellTag byte, e *jitabi.EmbedInfo) error {
	if e == nil {
		return nil
	}
	if l := e.Lookup; l != nil {
		b.patched(tagLookup, l.Slot, jitabi.RelocAbs64, jitabi.ImportTarget(l.SlotImport))
		if l.UseHelper {
			b.helper(l.Helper)
		}
		return nil
	}
	if e.Import == nil {
		return jitabi.Fatalf("codegen: method %d materialization carries neither cell nor lookup", b.env.Method())
	}
	b.patched(cellTag, 0, jitabi.RelocAbs64, jitabi.ImportTarget(e.Import))
	return nil
}

// callThrough invokes a materialized entry point: cells are called in place,
// looked-up entries are materialized first and called indirect.
func (b *builder) callThrough(e *jitabi.EmbedInfo) error {
	if e == nil {
		return jitabi.Fatalf("codegen: method %d call without a target materialization", b.env.Method())
	}
	if e.Lookup != nil {
		if err := b.value(tagLoad, e); err != nil {
			return err
		}
		b.emit(tagCallCell, 0, 0)
		return nil
	}
	return b.value(tagCallCell, e)
}

func (b *builder) site(site meta.Site) error {
	switch {
	case site.Op.IsCall():
		return b.call(site)
	case site.Op.IsFieldAccess():
		return b.field(site)
	default:
		return b.embed(site)
	}
}

func (b *builder) call(site meta.Site) error {
	if site.Op == meta.SiteNewObj {
		// Allocate before constructing. Shared code materializes the type
		// from its dictionary and allocates through the generic helper.
		alloc, err := b.env.Embed(site)
		if err != nil {
			return err
		}
		if alloc.Lookup != nil {
			if err := b.value(tagLoad, alloc); err != nil {
				return err
			}
			b.helper(jitabi.HelperNewObject)
		} else if err := b.value(tagCallCell, alloc); err != nil {
			return err
		}
	}

	info, err := b.env.CallInfo(site)
	if err != nil {
		return err
	}
	if info.ClassInit != nil {
		// Trigger cells run the class constructor when called.
		if err := b.value(tagCallCell, info.ClassInit); err != nil {
			return err
		}
	}
	if info.NeedsNullCheck {
		b.emit(tagNullCheck, 0, 0)
	}
	if info.ThisTransform != jitabi.ThisNone {
		b.emit(tagThis, uint32(info.ThisTransform), 0)
	}
	if info.InstArg != nil {
		if err := b.value(tagLoad, info.InstArg); err != nil {
			return err
		}
	}

	switch info.Kind {
	case jitabi.CallDirect:
		b.patched(tagCall, 0, jitabi.RelocRel32, jitabi.MethodTarget(info.Target))
		return nil
	case jitabi.CallDirectCell, jitabi.CallStubDispatch:
		return b.callThrough(info.Address)
	case jitabi.CallVirtualHelper:
		// The helper resolves the target from the method handle; callvirt
		// then invokes it, ldvirtftn keeps the pointer.
		if err := b.value(tagLoad, info.Address); err != nil {
			return err
		}
		b.helper(info.Helper)
		if site.Op == meta.SiteCallVirt {
			b.emit(tagCallCell, 0, 0)
		}
		return nil
	default:
		return jitabi.Fatalf("codegen: method %d got call kind %v for %s", b.env.Method(), info.Kind, site.Op)
	}
}

func (b *builder) field(site meta.Site) error {
	info, err := b.env.FieldInfo(site)
	if err != nil {
		return err
	}
	if info.Import != nil {
		b.patched(tagLoad, 0, jitabi.RelocAbs64, jitabi.ImportTarget(info.Import))
	}
	if info.Helper != jitabi.HelperInvalid {
		b.helper(info.Helper)
	}
	b.emit(tagField, info.Offset, 0)
	if site.Op == meta.SiteStfld || site.Op == meta.SiteStsfld {
		// Stores may hit the heap; without type knowledge the checked
		// barrier is the conservative choice.
		b.helper(jitabi.HelperCheckedWriteBarrier)
	}
	return nil
}

func (b *builder) embed(site meta.Site) error {
	info, err := b.env.Embed(site)
	if err != nil {
		return err
	}
	switch site.Op {
	case meta.SiteNewArr, meta.SiteCastClass, meta.SiteIsInst:
		// Fused cells name the type and perform the operation in one call.
		// Shared code materializes the type and uses the generic helper.
		if info.Lookup != nil {
			if err := b.value(tagLoad, info); err != nil {
				return err
			}
			b.helper(fusedHelper(site.Op))
			return nil
		}
		return b.value(tagCallCell, info)
	case meta.SiteBox:
		if err := b.value(tagLoad, info); err != nil {
			return err
		}
		b.helper(jitabi.HelperBox)
		return nil
	case meta.SiteUnbox:
		if err := b.value(tagLoad, info); err != nil {
			return err
		}
		b.helper(jitabi.HelperUnbox)
		return nil
	case meta.SiteLdstr, meta.SiteLdtoken:
		return b.value(tagLoad, info)
	default:
		return jitabi.AbortMethod(b.env.Method(), "code generation",
			fmt.Errorf("unhandled site op %s", site.Op))
	}
}

func fusedHelper(op meta.SiteOp) jitabi.HelperID {
	switch op {
	case meta.SiteNewArr:
		return jitabi.HelperNewArray
	case meta.SiteCastClass:
		return jitabi.HelperCastClass
	default:
		return jitabi.HelperIsInstance
	}
}

// clauses translates exception regions from site-index space into code
// offsets. A filter runs at its handler's head in the placeholder layout.
func (b *builder) clauses(regions []meta.EHRegion) ([]jitabi.EHClause, error) {
	if len(regions) == 0 {
		return nil, nil
	}
	out := make([]jitabi.EHClause, 0, len(regions))
	for _, r := range regions {
		ts, err := b.boundary(r.TryStart)
		if err != nil {
			return nil, err
		}
		te, err := b.boundary(r.TryEnd)
		if err != nil {
			return nil, err
		}
		hs, err := b.boundary(r.HandlerStart)
		if err != nil {
			return nil, err
		}
		he, err := b.boundary(r.HandlerEnd)
		if err != nil {
			return nil, err
		}
		c := jitabi.EHClause{Kind: r.Kind, TryStart: ts, TryEnd: te, HandlerStart: hs, HandlerEnd: he}
		switch r.Kind {
		case meta.EHTyped:
			c.ClassToken = r.ClassToken
		case meta.EHFilter:
			c.FilterOffset = hs
		}
		out = append(out, c)
	}
	return out, nil
}

// boundary maps a site index to the offset where that site's slots begin;
// one past the last site is the end of code.
func (b *builder) boundary(idx uint16) (uint32, error) {
	if int(idx) < len(b.starts) {
		return b.starts[idx], nil
	}
	if int(idx) == len(b.starts) {
		return b.pos(), nil
	}
	return 0, jitabi.AbortMethod(b.env.Method(), "code generation",
		fmt.Errorf("exception region boundary %d beyond %d sites", idx, len(b.starts)))
}
