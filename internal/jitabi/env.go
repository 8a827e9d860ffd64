package jitabi

import (
	"context"
	"fmt"

	"pregen/internal/handle"
	"pregen/internal/meta"
)

// ImportRef names an import cell: a fixup kind plus its encoded signature.
// The publisher interns cells by Key, so two sites asking for the same
// fixup share one slot.
type ImportRef struct {
	Kind uint16
	Blob []byte
}

// Key returns the interning key for the cell.
func (r *ImportRef) Key() string {
	return fmt.Sprintf("%04x:%x", r.Kind, r.Blob)
}

// RelocKind says how a site in the code buffer gets patched.
type RelocKind uint8

const (
	RelocInvalid RelocKind = iota
	// RelocAbs64 stores the full target address.
	RelocAbs64
	// RelocRel32 stores target minus end-of-site, as call/jmp immediates do.
	RelocRel32
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "abs64"
	case RelocRel32:
		return "rel32"
	default:
		return "invalid"
	}
}

// TargetKind discriminates what a relocation points at.
type TargetKind uint8

const (
	TargetInvalid TargetKind = iota
	// TargetMethod points at the entry of a method compiled in this image.
	TargetMethod
	// TargetImport points at an import cell.
	TargetImport
	// TargetHelper points at a runtime helper's cell.
	TargetHelper
)

// RelocTarget is the destination of one relocation.
type RelocTarget struct {
	Kind   TargetKind
	Method handle.Handle // TargetMethod
	Import *ImportRef    // TargetImport
	Helper HelperID      // TargetHelper
}

// MethodTarget builds a method-entry target.
func MethodTarget(h handle.Handle) RelocTarget {
	return RelocTarget{Kind: TargetMethod, Method: h}
}

// ImportTarget builds an import-cell target.
func ImportTarget(ref *ImportRef) RelocTarget {
	return RelocTarget{Kind: TargetImport, Import: ref}
}

// HelperTarget builds a helper-cell target.
func HelperTarget(h HelperID) RelocTarget {
	return RelocTarget{Kind: TargetHelper, Helper: h}
}

// Reloc is one patch site in generated code.
type Reloc struct {
	Offset uint32 // byte offset of the patch site in Code
	Kind   RelocKind
	Target RelocTarget
}

// EHClause is one protected region in code-offset space.
type EHClause struct {
	Kind         meta.EHKind
	TryStart     uint32
	TryEnd       uint32
	HandlerStart uint32
	HandlerEnd   uint32
	ClassToken   meta.RawToken // typed clauses
	FilterOffset uint32        // filter clauses
}

// FrameInfo is one unwind region: a code range plus its encoded unwind data.
type FrameInfo struct {
	Start  uint32
	End    uint32
	Unwind []byte
}

// CompiledCode is what a generator hands back for one method.
type CompiledCode struct {
	Code   []byte
	Relocs []Reloc
	EH     []EHClause
	Frames []FrameInfo
	GCInfo []byte
}

// Env is the engine surface a generator compiles against. One Env serves
// one method; implementations are not required to be goroutine-safe.
type Env interface {
	// PointerSize reports the target pointer width in bytes.
	PointerSize() uint32
	// Method is the form being compiled, canonical for shared code.
	Method() meta.MethodID
	// Body is the site skeleton of the method.
	Body() *meta.Body
	// ProfileWeight reports the profile-assigned hotness, zero when cold.
	ProfileWeight() uint32

	// ResolveToken resolves a body token to an entity.
	ResolveToken(tok meta.RawToken) (meta.Entity, error)
	// CallInfo decides how one call-shaped site must be emitted.
	CallInfo(site meta.Site) (*CallInfo, error)
	// FieldInfo decides how one field-shaped site must be emitted.
	FieldInfo(site meta.Site) (*FieldInfo, error)
	// Embed materializes the value a token-bearing site bakes into code:
	// allocator and cast cells, type and field handles, string literals.
	// Shared code gets a runtime lookup plan instead of a cell. Raw method
	// handles defer to the runtime JIT.
	Embed(site meta.Site) (*EmbedInfo, error)
}

// CodeGenerator turns an Env into code. Implementations must treat ctx
// cancellation as a defer.
type CodeGenerator interface {
	Name() string
	Generate(ctx context.Context, env Env) (*CompiledCode, error)
}
