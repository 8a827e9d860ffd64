// Package session scopes one method's compilation. A Session is built fresh
// per method and dropped after Publish: it owns the method's handle table and
// publisher, and implements the callback surface the code generator drives.
// The resolvers behind it are shared, read-mostly, and live on the Engine;
// no scratch state outlives the session that made it.
package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"fortio.org/safecast"

	"pregen/internal/bubble"
	"pregen/internal/callsite"
	"pregen/internal/dict"
	"pregen/internal/fieldenc"
	"pregen/internal/fixup"
	"pregen/internal/handle"
	"pregen/internal/ibc"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/publish"
	"pregen/internal/tokens"
	"pregen/internal/zapsig"
)

// Config assembles an Engine.
type Config struct {
	World  *meta.World
	Bubble *bubble.Bubble
	// Module is the compilation context: signatures in import cells encode
	// relative to it.
	Module      meta.ModuleID
	PointerSize uint32 // 4 or 8, defaults to 8
	// InImage reports whether a canonical method body lands in the current
	// image; nil means none do.
	InImage func(meta.MethodID) bool
	// Profile is the ingested profile data, nil when compiling without one.
	Profile *ibc.ProfileData
}

// Engine carries the shared collaborators every session borrows: the world,
// the signature and import cell encoders, the dispatch and field resolvers,
// and the dictionary planner. Safe for concurrent Opens.
type Engine struct {
	world   *meta.World
	bubble  *bubble.Bubble
	module  meta.ModuleID
	ptr     uint32
	profile *ibc.ProfileData

	tokens  *tokens.Resolver
	calls   *callsite.Resolver
	fields  *fieldenc.Encoder
	planner *dict.Planner
	fixups  *fixup.Encoder

	gen atomic.Uint32
}

// NewEngine wires the resolver stack for one compilation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.World == nil {
		return nil, errors.New("session: engine needs a world")
	}
	if cfg.Bubble == nil {
		return nil, errors.New("session: engine needs a version bubble")
	}
	if !cfg.Module.IsValid() {
		return nil, errors.New("session: engine needs a context module")
	}
	ptr := cfg.PointerSize
	if ptr == 0 {
		ptr = 8
	}
	if ptr != 4 && ptr != 8 {
		return nil, fmt.Errorf("session: unsupported pointer size %d", ptr)
	}

	enc := fixup.NewEncoder(zapsig.New(cfg.World, cfg.Module))
	planner := dict.NewPlanner(cfg.World, enc, ptr)
	layout := meta.NewLayoutEngine(cfg.World, meta.LayoutOptions{PointerSize: ptr})
	return &Engine{
		world:   cfg.World,
		bubble:  cfg.Bubble,
		module:  cfg.Module,
		ptr:     ptr,
		profile: cfg.Profile,
		tokens:  tokens.NewResolver(cfg.World),
		calls:   callsite.NewResolver(cfg.World, cfg.Bubble, enc, planner, cfg.InImage),
		fields:  fieldenc.New(cfg.World, cfg.Bubble, enc, layout),
		planner: planner,
		fixups:  enc,
	}, nil
}

// Planner exposes the dictionary planner, which the image writer consults
// for final dictionary sizes.
func (e *Engine) Planner() *dict.Planner { return e.planner }

// Open starts the session for one method. Every session gets its own handle
// generation, so a handle leaking across sessions fails on first use instead
// of silently aliasing another method's entities.
func (e *Engine) Open(m meta.MethodID) (*Session, error) {
	d := e.world.Method(m)
	if d == nil {
		return nil, jitabi.Fatalf("session: method %d missing from the world", m)
	}
	if d.Body == nil {
		return nil, jitabi.Fatalf("session: %s has no body to compile", e.world.MethodName(m))
	}
	gen := uint16(e.gen.Add(1)) // wraps after 64k methods; the guard stays probabilistic
	reg := handle.NewRegistry(gen)
	return &Session{
		eng:    e,
		method: m,
		module: d.Module,
		body:   d.Body,
		reg:    reg,
		pub:    publish.New(m, reg),
		weight: e.profile.Weight(m),
	}, nil
}

// Session is the per-method scratch state plus the generator-facing callback
// surface. Not goroutine-safe: one method compiles on one goroutine.
type Session struct {
	eng    *Engine
	method meta.MethodID
	module meta.ModuleID // token table scope: the method's defining module
	body   *meta.Body
	reg    *handle.Registry
	pub    *publish.Publisher
	weight uint32
	done   bool
}

var _ jitabi.Env = (*Session)(nil)

func (s *Session) live(op string) error {
	if s.done {
		return jitabi.Fatalf("session: method %d: %s after publish", s.method, op)
	}
	return nil
}

func (s *Session) ctx() tokens.Context {
	return tokens.Context{Module: s.module, Method: s.method}
}

// PointerSize reports the target pointer width in bytes.
func (s *Session) PointerSize() uint32 { return s.eng.ptr }

// Method is the form being compiled, canonical for shared code.
func (s *Session) Method() meta.MethodID { return s.method }

// Body is the site skeleton of the method.
func (s *Session) Body() *meta.Body { return s.body }

// ProfileWeight reports the profile-assigned hotness, zero when cold.
func (s *Session) ProfileWeight() uint32 { return s.weight }

// Registry exposes the session's handle table.
func (s *Session) Registry() *handle.Registry { return s.reg }

// ResolveToken resolves a body token in the method's context.
func (s *Session) ResolveToken(tok meta.RawToken) (meta.Entity, error) {
	if err := s.live("resolve token"); err != nil {
		return meta.Entity{}, err
	}
	res, err := s.eng.tokens.Resolve(s.ctx(), tok)
	if err != nil {
		return meta.Entity{}, err
	}
	return res.Entity, nil
}

// CallInfo answers one call-shaped site: token resolution, the dispatch
// decision ladder, then the session's handles stamped onto the result.
func (s *Session) CallInfo(site meta.Site) (*jitabi.CallInfo, error) {
	if err := s.live("call info"); err != nil {
		return nil, err
	}
	if !site.Op.IsCall() {
		return nil, jitabi.Fatalf("session: call info for a %s site", site.Op)
	}
	res, err := s.eng.tokens.Resolve(s.ctx(), site.Token)
	if err != nil {
		return nil, err
	}
	req := &callsite.Request{Caller: s.method, Op: site.Op, Method: res}
	if site.Constraint != 0 {
		c, err := s.eng.tokens.Resolve(s.ctx(), site.Constraint)
		if err != nil {
			return nil, err
		}
		if c.Entity.Kind != meta.EntityType {
			return nil, jitabi.AbortMethod(s.method, "call site",
				fmt.Errorf("constrained. prefix over a %s token", c.Entity.Kind))
		}
		req.Constraint, req.OpenConstraint = c.Entity.Type, c.Open.Type
	}
	// Function-pointer sites must yield a bare entry point; everything else
	// may take the hidden context argument inline.
	req.AllowInstParam = site.Op == meta.SiteCall ||
		site.Op == meta.SiteCallVirt || site.Op == meta.SiteNewObj

	info, err := s.eng.calls.Resolve(req)
	if err != nil {
		return nil, err
	}
	info.Target = s.reg.MethodHandle(info.Method)
	s.stamp(info.InstArg)
	s.stamp(info.Address)
	s.stamp(info.ClassInit)
	return info, nil
}

// FieldInfo answers one field-shaped site.
func (s *Session) FieldInfo(site meta.Site) (*jitabi.FieldInfo, error) {
	if err := s.live("field info"); err != nil {
		return nil, err
	}
	if !site.Op.IsFieldAccess() {
		return nil, jitabi.Fatalf("session: field info for a %s site", site.Op)
	}
	res, err := s.eng.tokens.Resolve(s.ctx(), site.Token)
	if err != nil {
		return nil, err
	}
	if res.Entity.Kind != meta.EntityField {
		return nil, jitabi.AbortMethod(s.method, "field site",
			fmt.Errorf("%s site over a %s token", site.Op, res.Entity.Kind))
	}
	info, err := s.eng.fields.Encode(s.method, res.Entity.Field)
	if err != nil {
		return nil, err
	}
	info.Handle = s.reg.FieldHandle(info.Field)
	return info, nil
}

// Embed materializes the value a token-bearing site bakes into code. The
// cell kind tracks the site flavor: allocator cells for newobj/newarr, cast
// cells for castclass/isinst, plain handles for box, unbox, and ldtoken.
// Canonical or open targets get a runtime lookup plan instead of a cell.
func (s *Session) Embed(site meta.Site) (*jitabi.EmbedInfo, error) {
	if err := s.live("embed"); err != nil {
		return nil, err
	}
	w := s.eng.world

	if site.Op == meta.SiteLdstr {
		cell, err := s.eng.fixups.StringHandle(site.Token)
		if err != nil {
			return nil, jitabi.AbortMethod(s.method, "embed", err)
		}
		// String literals are heap entries, not entities; there is no
		// handle to stamp.
		return &jitabi.EmbedInfo{Import: cell}, nil
	}

	var res tokens.Resolved
	var err error
	if site.Op == meta.SiteNewArr {
		res, err = s.eng.tokens.ResolveArray(s.ctx(), site.Token)
	} else {
		res, err = s.eng.tokens.Resolve(s.ctx(), site.Token)
	}
	if err != nil {
		return nil, err
	}

	var exact, open meta.TypeID
	switch res.Entity.Kind {
	case meta.EntityType:
		exact, open = res.Entity.Type, res.Open.Type
	case meta.EntityMethod:
		switch site.Op {
		case meta.SiteNewObj:
			// Allocation embeds the constructed type, not the .ctor.
			exact = w.Method(res.Entity.Method).Owner
			if om := res.Open.Method; om.IsValid() {
				open = w.Method(om).Owner
			}
		case meta.SiteLdtoken:
			return nil, fmt.Errorf("%s: embedding a raw method handle: %w",
				w.MethodName(res.Entity.Method), jitabi.ErrDeferToRuntimeJIT)
		default:
			return nil, jitabi.AbortMethod(s.method, "embed",
				fmt.Errorf("%s site over a method token", site.Op))
		}
	case meta.EntityField:
		if site.Op != meta.SiteLdtoken {
			return nil, jitabi.AbortMethod(s.method, "embed",
				fmt.Errorf("%s site over a field token", site.Op))
		}
		return s.embedField(res)
	default:
		return nil, jitabi.Fatalf("session: embed over a %s token", res.Entity.Kind)
	}
	if !open.IsValid() {
		open = exact
	}

	te := meta.TypeEntity(exact)
	if w.ContainsCanon(exact) || w.ContainsParams(exact) {
		lookup, err := s.eng.planner.PlanType(s.method, open)
		if err != nil {
			return nil, err
		}
		return &jitabi.EmbedInfo{Entity: te, Lookup: lookup}, nil
	}
	cell, err := s.cellFor(site.Op, exact)
	if err != nil {
		return nil, jitabi.FatalWrap("embed", err)
	}
	return &jitabi.EmbedInfo{Entity: te, Handle: s.reg.TypeHandle(exact), Import: cell}, nil
}

func (s *Session) embedField(res tokens.Resolved) (*jitabi.EmbedInfo, error) {
	w := s.eng.world
	f := res.Entity.Field
	fe := meta.FieldEntity(f)
	if owner := w.Field(f).Owner; w.ContainsCanon(owner) || w.ContainsParams(owner) {
		open := res.Open.Field
		if !open.IsValid() {
			open = f
		}
		lookup, err := s.eng.planner.PlanFieldHandle(s.method, open)
		if err != nil {
			return nil, err
		}
		return &jitabi.EmbedInfo{Entity: fe, Lookup: lookup}, nil
	}
	cell, err := s.eng.fixups.FieldHandle(f)
	if err != nil {
		return nil, jitabi.FatalWrap("embed", err)
	}
	return &jitabi.EmbedInfo{Entity: fe, Handle: s.reg.FieldHandle(f), Import: cell}, nil
}

func (s *Session) cellFor(op meta.SiteOp, t meta.TypeID) (*jitabi.ImportRef, error) {
	switch op {
	case meta.SiteNewObj:
		return s.eng.fixups.NewObject(t)
	case meta.SiteNewArr:
		return s.eng.fixups.NewArray(t)
	case meta.SiteCastClass:
		return s.eng.fixups.ChkCast(t)
	case meta.SiteIsInst:
		return s.eng.fixups.IsInstanceOf(t)
	default:
		return s.eng.fixups.TypeHandle(t)
	}
}

// stamp mints a session handle for an exact embedding. Runtime lookups have
// no compile-time value to stamp.
func (s *Session) stamp(e *jitabi.EmbedInfo) {
	if e == nil || e.Lookup != nil {
		return
	}
	switch e.Entity.Kind {
	case meta.EntityType:
		e.Handle = s.reg.TypeHandle(e.Entity.Type)
	case meta.EntityMethod:
		e.Handle = s.reg.MethodHandle(e.Entity.Method)
	case meta.EntityField:
		e.Handle = s.reg.FieldHandle(e.Entity.Field)
	}
}

// Publish runs the generator's artifacts through the publisher: code into
// the hot buffer, symbolic relocation targets translated to addresses, EH
// and unwind and GC blobs attached, then Finish. The session is dead
// afterwards.
func (s *Session) Publish(cc *jitabi.CompiledCode) (*publish.ObjectData, error) {
	if err := s.live("publish"); err != nil {
		return nil, err
	}
	if cc == nil || len(cc.Code) == 0 {
		return nil, jitabi.Fatalf("session: method %d published no code", s.method)
	}
	size, err := safecast.Conv[uint32](len(cc.Code))
	if err != nil {
		return nil, jitabi.FatalWrap("session", err)
	}
	bufs, err := s.pub.AllocBuffers(publish.Sizes{Hot: size})
	if err != nil {
		return nil, err
	}
	copy(bufs.Hot.Data, cc.Code)

	for _, rel := range cc.Relocs {
		addr, err := s.relocAddr(rel.Target)
		if err != nil {
			return nil, err
		}
		if err := s.pub.Record(publish.RegionHot, rel.Offset, rel.Kind, addr); err != nil {
			return nil, err
		}
	}
	if len(cc.EH) > 0 {
		if err := s.pub.SetEH(cc.EH); err != nil {
			return nil, err
		}
	}
	if len(cc.Frames) > 0 {
		if err := s.pub.SetFrames(cc.Frames); err != nil {
			return nil, err
		}
	}
	if len(cc.GCInfo) > 0 {
		if err := s.pub.SetGCInfo(cc.GCInfo); err != nil {
			return nil, err
		}
	}
	out, err := s.pub.Finish()
	if err != nil {
		return nil, err
	}
	s.done = true
	return out, nil
}

func (s *Session) relocAddr(t jitabi.RelocTarget) (uint64, error) {
	switch t.Kind {
	case jitabi.TargetMethod:
		return uint64(t.Method), nil
	case jitabi.TargetImport:
		return s.pub.CellAddress(t.Import)
	case jitabi.TargetHelper:
		ref, err := s.eng.fixups.Helper(t.Helper)
		if err != nil {
			return 0, jitabi.FatalWrap("session", err)
		}
		return s.pub.CellAddress(ref)
	default:
		return 0, jitabi.Fatalf("session: method %d relocation with an invalid target", s.method)
	}
}
