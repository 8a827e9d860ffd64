// Package dict plans generic dictionary lookups for shared code. A shared
// method body cannot embed List<T>'s type handle, because T is only known at
// run time; instead the code walks from its generic context anchor to a
// dictionary and reads a slot the loader populates from the slot's
// signature. The planner assigns those slots and builds the deref chains.
package dict

import (
	"errors"
	"fmt"
	"sync"

	"pregen/internal/fixup"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/zapsig"
)

// Model offsets of the runtime structures the chains walk. These are ABI:
// generated code hard-codes them.
const (
	// Word index of the per-instantiation info pointer in a MethodTable.
	methodTablePerInstWord = 6
	// Word index of the dictionary pointer in a MethodDesc.
	methodDescDictWord = 5
)

// maxPlannedSlots caps a dictionary's statically planned portion. Lookups
// past the cap fall back to the population helper, which can grow the
// dictionary at run time.
const maxPlannedSlots = 64

var errNoContext = errors.New("method has no generic context to plan against")

// Planner assigns dictionary slots per canonical context and emits lookup
// plans. Safe for concurrent use.
type Planner struct {
	world *meta.World
	enc   *fixup.Encoder
	ptr   uint32

	mu          sync.Mutex
	typeSlots   map[meta.TypeID]map[string]uint32
	methodSlots map[meta.MethodID]map[string]uint32
}

// NewPlanner builds a planner over one world. ptrSize is the target pointer
// width used for chain offsets.
func NewPlanner(w *meta.World, enc *fixup.Encoder, ptrSize uint32) *Planner {
	if ptrSize == 0 {
		ptrSize = 8
	}
	return &Planner{
		world:       w,
		enc:         enc,
		ptr:         ptrSize,
		typeSlots:   make(map[meta.TypeID]map[string]uint32, 16),
		methodSlots: make(map[meta.MethodID]map[string]uint32, 16),
	}
}

// PlanType plans the materialization of target's type handle inside ctx.
func (p *Planner) PlanType(ctx meta.MethodID, target meta.TypeID) (*jitabi.RuntimeLookup, error) {
	inner, err := p.enc.TypeHandle(target)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, inner)
}

// PlanMethodHandle plans the materialization of target's method handle
// inside ctx. This backs hidden MethodDesc arguments and ldtoken.
func (p *Planner) PlanMethodHandle(ctx meta.MethodID, target meta.MethodID) (*jitabi.RuntimeLookup, error) {
	inner, err := p.enc.MethodHandle(target)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, inner)
}

// PlanFieldHandle plans the materialization of target's field handle inside
// ctx. This backs ldtoken on fields of shared instantiations.
func (p *Planner) PlanFieldHandle(ctx meta.MethodID, target meta.FieldID) (*jitabi.RuntimeLookup, error) {
	inner, err := p.enc.FieldHandle(target)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, inner)
}

// PlanMethodEntry plans the materialization of a callable entry point for
// target inside ctx. flags carries stub qualifiers; a valid constraint
// records an unresolved constrained-call prefix for the loader to finish.
func (p *Planner) PlanMethodEntry(ctx, target meta.MethodID, flags zapsig.MethodFlags, constraint meta.TypeID) (*jitabi.RuntimeLookup, error) {
	inner, err := p.enc.MethodEntry(target, flags, constraint)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, inner)
}

// PlanVirtualEntry plans the materialization of a dispatch cell address for
// target inside ctx. Shared interface dispatch lands here when the exact
// interface method is only known per instantiation.
func (p *Planner) PlanVirtualEntry(ctx, target meta.MethodID) (*jitabi.RuntimeLookup, error) {
	inner, err := p.enc.VirtualEntry(target)
	if err != nil {
		return nil, err
	}
	return p.plan(ctx, inner)
}

func (p *Planner) plan(ctx meta.MethodID, inner *jitabi.ImportRef) (*jitabi.RuntimeLookup, error) {
	w := p.world
	source := w.ContextSource(ctx)

	var (
		anchor  fixup.Kind
		kind    jitabi.DictLookupKind
		offsets []uint32
		helper  jitabi.HelperID
	)
	switch source {
	case meta.ContextThisObj:
		anchor = fixup.KindThisObjDictionaryLookup
		kind = jitabi.LookupThisObj
		// this -> MethodTable -> per-inst info -> level dictionary.
		offsets = []uint32{0, methodTablePerInstWord * p.ptr, 0}
		helper = jitabi.HelperGenericHandleClass
	case meta.ContextTypeArg:
		anchor = fixup.KindTypeDictionaryLookup
		kind = jitabi.LookupClassParam
		offsets = []uint32{methodTablePerInstWord * p.ptr, 0}
		helper = jitabi.HelperGenericHandleClass
	case meta.ContextMethodDescArg:
		anchor = fixup.KindMethodDictionaryLookup
		kind = jitabi.LookupMethodParam
		offsets = []uint32{methodDescDictWord * p.ptr}
		helper = jitabi.HelperGenericHandleMethod
	default:
		return nil, fmt.Errorf("dict: %s: %w", w.MethodName(ctx), errNoContext)
	}

	slotImport, err := p.enc.DictionarySlot(anchor, inner)
	if err != nil {
		return nil, err
	}
	slot, planned := p.assignSlot(ctx, source, slotImport.Key())

	lookup := &jitabi.RuntimeLookup{
		Kind:       kind,
		Slot:       slot,
		SlotImport: slotImport,
		Helper:     helper,
	}
	if !planned {
		lookup.UseHelper = true
		return lookup, nil
	}
	lookup.Offsets = offsets
	return lookup, nil
}

// assignSlot interns the slot for (canonical context, signature). The bool
// result is false when the dictionary's planned portion is full.
func (p *Planner) assignSlot(ctx meta.MethodID, source meta.GenericContextSource, key string) (uint32, bool) {
	w := p.world
	p.mu.Lock()
	defer p.mu.Unlock()

	var table map[string]uint32
	if source == meta.ContextMethodDescArg {
		owner := w.CanonicalizeMethod(ctx)
		table = p.methodSlots[owner]
		if table == nil {
			table = make(map[string]uint32, 8)
			p.methodSlots[owner] = table
		}
	} else {
		owner := w.CanonicalizeType(w.Method(ctx).Owner)
		table = p.typeSlots[owner]
		if table == nil {
			table = make(map[string]uint32, 8)
			p.typeSlots[owner] = table
		}
	}
	if slot, ok := table[key]; ok {
		return slot, slot < maxPlannedSlots
	}
	slot := uint32(len(table))
	table[key] = slot
	return slot, slot < maxPlannedSlots
}

// SlotCount reports how many slots the canonical type dictionary has
// accumulated. The publisher sizes dictionary layouts from this.
func (p *Planner) SlotCount(canonOwner meta.TypeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.typeSlots[canonOwner])
}

// MethodSlotCount reports the slot count of a canonical method dictionary.
func (p *Planner) MethodSlotCount(canonMethod meta.MethodID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.methodSlots[canonMethod])
}
