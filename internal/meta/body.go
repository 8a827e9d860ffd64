package meta

import "fmt"

// SiteOp enumerates the token-bearing operations a method body can contain.
// Bodies are carried as site lists rather than raw IL: the bridge only ever
// inspects token-bearing instructions, everything in between belongs to the
// external code generator.
type SiteOp uint8

const (
	SiteInvalid SiteOp = iota
	SiteCall
	SiteCallVirt
	SiteLdftn
	SiteLdvirtftn
	SiteNewObj
	SiteNewArr
	SiteLdfld
	SiteStfld
	SiteLdsfld
	SiteStsfld
	SiteLdtoken
	SiteBox
	SiteUnbox
	SiteCastClass
	SiteIsInst
	SiteLdstr
)

func (op SiteOp) String() string {
	names := [...]string{
		"invalid", "call", "callvirt", "ldftn", "ldvirtftn", "newobj",
		"newarr", "ldfld", "stfld", "ldsfld", "stsfld", "ldtoken", "box",
		"unbox", "castclass", "isinst", "ldstr",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("SiteOp(%d)", op)
}

// IsFieldAccess reports whether the operation resolves a field token.
func (op SiteOp) IsFieldAccess() bool {
	switch op {
	case SiteLdfld, SiteStfld, SiteLdsfld, SiteStsfld:
		return true
	default:
		return false
	}
}

// IsCall reports whether the operation resolves a method token.
func (op SiteOp) IsCall() bool {
	switch op {
	case SiteCall, SiteCallVirt, SiteLdftn, SiteLdvirtftn, SiteNewObj:
		return true
	default:
		return false
	}
}

// Site is one token-bearing instruction in a body.
type Site struct {
	Op         SiteOp
	Token      RawToken
	Constraint RawToken // constrained. prefix target, calls only
}

// EHKind is the exception-region flavor, matching the published clause flag
// values bit for bit.
type EHKind uint32

const (
	EHTyped   EHKind = 0x0
	EHFilter  EHKind = 0x1
	EHFinally EHKind = 0x2
	EHFault   EHKind = 0x4
)

// EHRegion describes a protected region in site-index space. The code
// generator translates site indices into code offsets when it lays the
// method out.
type EHRegion struct {
	Kind         EHKind
	TryStart     uint16 // first protected site
	TryEnd       uint16 // one past the last protected site
	HandlerStart uint16
	HandlerEnd   uint16
	ClassToken   RawToken // typed clauses: the caught exception type
}

// Entity is a resolved reference to one of the three entity families.
type Entity struct {
	Kind   EntityKind
	Type   TypeID
	Method MethodID
	Field  FieldID
}

// EntityKind tags the populated arm of an Entity.
type EntityKind uint8

const (
	EntityInvalid EntityKind = iota
	EntityType
	EntityMethod
	EntityField
)

func (k EntityKind) String() string {
	switch k {
	case EntityType:
		return "type"
	case EntityMethod:
		return "method"
	case EntityField:
		return "field"
	default:
		return "invalid"
	}
}

// IsValid reports whether the entity references anything.
func (e Entity) IsValid() bool { return e.Kind != EntityInvalid }

// TypeEntity wraps a type reference.
func TypeEntity(id TypeID) Entity { return Entity{Kind: EntityType, Type: id} }

// MethodEntity wraps a method reference.
func MethodEntity(id MethodID) Entity { return Entity{Kind: EntityMethod, Method: id} }

// FieldEntity wraps a field reference.
func FieldEntity(id FieldID) Entity { return Entity{Kind: EntityField, Field: id} }

// Body carries the token-bearing skeleton of a method implementation.
//
// Physical bodies resolve tokens through their module's token tables.
// Synthesized bodies (internal glue emitted by the compiler itself, with no
// backing metadata) use tokens as cookies: the RID indexes Cookies directly
// and an out-of-range cookie is a hard internal error, since synthesized
// bodies are generated together with their cookie tables.
type Body struct {
	Synthesized bool
	Cookies     []Entity
	Sites       []Site
	EH          []EHRegion
	HotWeight   uint32 // advisory size hint for buffer allocation
}

// Cookie resolves a synthesized-body token to its table entry.
func (b *Body) Cookie(tok RawToken) (Entity, bool) {
	idx := int(tok.RID()) - 1
	if idx < 0 || idx >= len(b.Cookies) {
		return Entity{}, false
	}
	return b.Cookies[idx], true
}
