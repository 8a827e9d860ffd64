// Package bubble tracks version bubble membership: the set of modules
// compiled together whose internals may be baked into generated code.
// Anything outside the bubble may change between compile time and run time,
// so facts about it must travel as fixups instead of constants.
package bubble

import "pregen/internal/meta"

// Bubble is an immutable membership set over one world.
type Bubble struct {
	world   *meta.World
	members map[meta.ModuleID]bool
}

// New builds a bubble over the given member modules.
func New(w *meta.World, members []meta.ModuleID) *Bubble {
	set := make(map[meta.ModuleID]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return &Bubble{world: w, members: set}
}

// ContainsModule reports plain membership.
func (b *Bubble) ContainsModule(m meta.ModuleID) bool { return b.members[m] }

// Members returns the member modules in unspecified order.
func (b *Bubble) Members() []meta.ModuleID {
	out := make([]meta.ModuleID, 0, len(b.members))
	for m := range b.members {
		out = append(out, m)
	}
	return out
}

// VersionsWithType reports whether t cannot change independently of the
// bubble: its definition is in a member module (or carries the
// non-versionable mark) and every instantiation argument versions with the
// bubble too. Primitives, the canonical placeholder, and generic parameters
// never version independently.
func (b *Bubble) VersionsWithType(t meta.TypeID) bool {
	d := b.world.Type(t)
	if d == nil {
		return false
	}
	switch d.Kind {
	case meta.KindPrimitive, meta.KindCanon, meta.KindParam:
		return true
	case meta.KindArray:
		return b.VersionsWithType(d.Elem)
	}
	if !b.members[d.Module] && d.Flags&meta.TypeNonVersionable == 0 {
		return false
	}
	for _, a := range d.Inst {
		if !b.VersionsWithType(a) {
			return false
		}
	}
	return true
}

// VersionsWithMethod reports whether m cannot change independently of the
// bubble: owner, declaring module, and method instantiation all version
// with it.
func (b *Bubble) VersionsWithMethod(m meta.MethodID) bool {
	d := b.world.Method(m)
	if d == nil {
		return false
	}
	if !b.VersionsWithType(d.Owner) {
		return false
	}
	owner := b.world.Type(d.Owner)
	if !b.members[d.Module] && (owner == nil || owner.Flags&meta.TypeNonVersionable == 0) {
		return false
	}
	for _, a := range d.Inst {
		if !b.VersionsWithType(a) {
			return false
		}
	}
	return true
}

// VersionsWithField reports whether f's identity is stable relative to the
// bubble. Offsets are a separate question answered by layout stability.
func (b *Bubble) VersionsWithField(f meta.FieldID) bool {
	d := b.world.Field(f)
	if d == nil {
		return false
	}
	return b.VersionsWithType(d.Owner)
}
