package meta

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
)

// Loader builds a World from TOML module fixtures. One loader accumulates any
// number of modules into a single world; the core library is pre-seeded, so
// fixtures can derive from corelib/System.Object and friends right away.
//
// Member references name the declaring type: "app/Widget::Make" resolves the
// Make defined on Widget, never an inherited one. Unqualified type names bind
// to the module being loaded.
type Loader struct {
	world *World
	wk    WellKnown

	modules map[string]ModuleID
	types   map[string]TypeID   // "module/Name", definitions only
	methods map[string]MethodID // "module/Type::Name", definitions only
	fields  map[string]FieldID
}

// LoadedModule reports what one fixture contributed.
type LoadedModule struct {
	ID      ModuleID
	Name    string
	Methods []MethodID // definition order
	Digest  [32]byte   // content hash of the fixture source
}

// NewLoader returns a loader over a fresh world with the core library seeded.
func NewLoader() *Loader {
	w := NewWorld()
	core := NewBuilder(w, "corelib")
	wk := core.SeedCoreLibrary()
	l := &Loader{
		world:   w,
		wk:      wk,
		modules: map[string]ModuleID{"corelib": core.Module()},
		types:   make(map[string]TypeID, 16),
		methods: make(map[string]MethodID, 16),
		fields:  make(map[string]FieldID, 16),
	}
	for _, id := range []TypeID{wk.Object, wk.String, wk.ValueType, wk.EnumBase} {
		l.types[l.typeKey(id)] = id
	}
	l.methods[l.methodKey(wk.GetHashCode)] = wk.GetHashCode
	return l
}

// World exposes the world under construction. Compile only after every
// fixture is loaded; the world is append-only but bodies attach late.
func (l *Loader) World() *World { return l.world }

// WellKnown returns the seeded core-library entities.
func (l *Loader) WellKnown() WellKnown { return l.wk }

// LoadModule reads and loads one fixture file.
func (l *Loader) LoadModule(path string) (*LoadedModule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	lm, err := l.LoadModuleBytes(src)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return lm, nil
}

// LoadModuleBytes loads one fixture from memory.
func (l *Loader) LoadModuleBytes(src []byte) (*LoadedModule, error) {
	var file moduleFile
	md, err := toml.Decode(string(src), &file)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("unknown key %q", undec[0].String())
	}
	if !md.IsDefined("name") {
		return nil, fmt.Errorf("missing required field %q", "name")
	}
	if _, dup := l.modules[file.Name]; dup {
		return nil, fmt.Errorf("module %q already loaded", file.Name)
	}

	b := NewBuilder(l.world, file.Name)
	l.modules[file.Name] = b.Module()

	// Declared names land before anything resolves, so bases, signatures
	// and bodies may reference any type in the file regardless of order.
	ids := make([]TypeID, len(file.Types))
	for i := range file.Types {
		id, err := l.declareType(b, file.Name, &file.Types[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	for i := range file.Types {
		d := &file.Types[i]
		if d.Base == "" {
			continue
		}
		base, err := l.typeExpr(file.Name, d.Base)
		if err != nil {
			return nil, fmt.Errorf("type %s: base: %w", d.Name, err)
		}
		bt := l.world.Type(base)
		if bt.Kind != KindClass || bt.Flags&TypeSealed != 0 {
			return nil, fmt.Errorf("type %s: cannot derive from %s", d.Name, l.world.TypeName(base))
		}
		l.setBase(ids[i], base)
	}
	// Bases patch in declaration order, so a cycle through a forward
	// reference is only visible once the whole file is wired.
	for i := range file.Types {
		if file.Types[i].Base == "" {
			continue
		}
		seen := make(map[TypeID]bool, 8)
		for t := ids[i]; t.IsValid(); t = l.world.Type(t).Base {
			if seen[t] {
				return nil, fmt.Errorf("type %s: inheritance cycle", file.Types[i].Name)
			}
			seen[t] = true
		}
	}

	var methods []MethodID
	for i := range file.Types {
		if err := l.declareMembers(b, file.Name, ids[i], &file.Types[i], &methods); err != nil {
			return nil, err
		}
	}

	// Bodies and overrides resolve last, once every member in the file has
	// an identity. Tokens are interned per fixture: referencing the same
	// entity from two sites yields one table entry, as an assembler would.
	seen := make(map[Entity]RawToken)
	for i := range file.Types {
		d := &file.Types[i]
		for _, ov := range d.Overrides {
			decl, err := l.methodRef(file.Name, ov.Decl)
			if err != nil {
				return nil, fmt.Errorf("type %s: override: %w", d.Name, err)
			}
			impl, err := l.methodRef(file.Name, ov.Impl)
			if err != nil {
				return nil, fmt.Errorf("type %s: override: %w", d.Name, err)
			}
			b.Override(ids[i], decl, impl)
		}
		for j := range d.Methods {
			if err := l.attachBody(b, file.Name, d, &d.Methods[j], seen); err != nil {
				return nil, err
			}
		}
	}

	return &LoadedModule{
		ID:      b.Module(),
		Name:    file.Name,
		Methods: methods,
		Digest:  sha256.Sum256(src),
	}, nil
}

// TypeByName resolves a qualified type expression, "app/Box<int32>[]" style.
func (l *Loader) TypeByName(expr string) (TypeID, error) {
	return l.typeExpr("", expr)
}

// MethodByName resolves a qualified method reference, instantiations
// included: "app/Box<int32>::Get<uint8>".
func (l *Loader) MethodByName(ref string) (MethodID, error) {
	return l.methodRef("", ref)
}

// FieldByName resolves a qualified field reference.
func (l *Loader) FieldByName(ref string) (FieldID, error) {
	return l.fieldRef("", ref)
}

// Fixture file shape. Every table is keyed the way it reads in TOML; decode
// errors surface with the offending key, and unknown keys are rejected.
type moduleFile struct {
	Name  string     `toml:"name"`
	Types []typeDecl `toml:"types"`
}

type typeDecl struct {
	Name       string   `toml:"name"`
	Kind       string   `toml:"kind"` // class | struct | interface | enum
	Base       string   `toml:"base"`
	Arity      uint16   `toml:"arity"`
	Layout     string   `toml:"layout"`     // structs: auto | sequential | explicit
	Underlying string   `toml:"underlying"` // enums, defaults to int32
	Flags      []string `toml:"flags"`
	Implements []string `toml:"implements"`

	Fields    []fieldDecl    `toml:"fields"`
	Methods   []methodDecl   `toml:"methods"`
	Overrides []overrideDecl `toml:"overrides"`
}

type fieldDecl struct {
	Name         string `toml:"name"`
	Type         string `toml:"type"`
	Static       bool   `toml:"static"`
	Literal      bool   `toml:"literal"`
	ThreadStatic bool   `toml:"threadstatic"`
	Offset       *int32 `toml:"offset"` // explicit layout only
}

type methodDecl struct {
	Name    string   `toml:"name"`
	Returns string   `toml:"returns"` // defaults to void
	Params  []string `toml:"params"`
	Arity   uint16   `toml:"arity"`
	Flags   []string `toml:"flags"`
	Weight  uint32   `toml:"weight"`

	Sites []siteDecl `toml:"sites"`
	EH    []ehDecl   `toml:"eh"`
}

type siteDecl struct {
	Op         string `toml:"op"`
	Method     string `toml:"method"`
	Field      string `toml:"field"`
	Type       string `toml:"type"`
	String     uint32 `toml:"string"`
	Constraint string `toml:"constraint"`
}

type ehDecl struct {
	Kind    string  `toml:"kind"` // typed | filter | finally | fault
	Try     []int64 `toml:"try"`  // [start, end) in site indices
	Handler []int64 `toml:"handler"`
	Class   string  `toml:"class"` // typed regions only
}

type overrideDecl struct {
	Decl string `toml:"decl"`
	Impl string `toml:"impl"`
}

func (l *Loader) declareType(b *Builder, mod string, d *typeDecl) (TypeID, error) {
	if d.Name == "" {
		return NoTypeID, fmt.Errorf("type missing required field %q", "name")
	}
	key := mod + "/" + d.Name
	if _, dup := l.types[key]; dup {
		return NoTypeID, fmt.Errorf("type %s declared twice", key)
	}
	flags, err := typeFlagsFromNames(d.Flags)
	if err != nil {
		return NoTypeID, fmt.Errorf("type %s: %w", key, err)
	}
	if d.Layout != "" && d.Kind != "struct" {
		return NoTypeID, fmt.Errorf("type %s: layout applies to structs only", key)
	}
	if d.Underlying != "" && d.Kind != "enum" {
		return NoTypeID, fmt.Errorf("type %s: underlying applies to enums only", key)
	}

	var id TypeID
	switch d.Kind {
	case "class", "":
		// The base defaults to System.Object here and is re-pointed in a
		// second pass, so forward references within the file work.
		if d.Arity > 0 {
			id = b.GenericClass(d.Name, d.Arity, l.wk.Object, flags)
		} else {
			id = b.Class(d.Name, l.wk.Object, flags)
		}
	case "struct":
		if d.Base != "" {
			return NoTypeID, fmt.Errorf("type %s: struct bases are fixed", key)
		}
		order, err := layoutFromName(d.Layout)
		if err != nil {
			return NoTypeID, fmt.Errorf("type %s: %w", key, err)
		}
		if d.Arity > 0 {
			id = b.GenericStruct(d.Name, d.Arity, order)
		} else {
			id = b.Struct(d.Name, order)
		}
		l.addFlags(id, flags)
	case "interface":
		if d.Base != "" {
			return NoTypeID, fmt.Errorf("type %s: interfaces have no base", key)
		}
		if d.Arity > 0 {
			id = b.GenericInterface(d.Name, d.Arity)
		} else {
			id = b.Interface(d.Name)
		}
		l.addFlags(id, flags)
	case "enum":
		if d.Arity > 0 || d.Base != "" {
			return NoTypeID, fmt.Errorf("type %s: enums take neither arity nor base", key)
		}
		under := PrimI4
		if d.Underlying != "" {
			p, ok := fixturePrims[d.Underlying]
			if !ok || p == PrimVoid {
				return NoTypeID, fmt.Errorf("type %s: unknown underlying %q", key, d.Underlying)
			}
			under = p
		}
		id = b.Enum(d.Name, under)
		l.addFlags(id, flags)
	default:
		return NoTypeID, fmt.Errorf("type %s: unknown kind %q", key, d.Kind)
	}
	l.types[key] = id
	return id, nil
}

func (l *Loader) declareMembers(b *Builder, mod string, owner TypeID, d *typeDecl, out *[]MethodID) error {
	key := mod + "/" + d.Name
	if len(d.Implements) > 0 {
		ifaces := make([]TypeID, len(d.Implements))
		for i, expr := range d.Implements {
			t, err := l.typeExpr(mod, expr)
			if err != nil {
				return fmt.Errorf("type %s: implements: %w", key, err)
			}
			if l.world.Type(t).Kind != KindInterface {
				return fmt.Errorf("type %s: implements %s: not an interface", key, l.world.TypeName(t))
			}
			ifaces[i] = t
		}
		b.Implements(owner, ifaces...)
	}

	explicit := l.world.Type(owner).Layout == LayoutExplicit
	for i := range d.Fields {
		fd := &d.Fields[i]
		if fd.Name == "" || fd.Type == "" {
			return fmt.Errorf("type %s: field needs name and type", key)
		}
		fkey := key + "::" + fd.Name
		if _, dup := l.fields[fkey]; dup {
			return fmt.Errorf("field %s declared twice", fkey)
		}
		ft, err := l.typeExpr(mod, fd.Type)
		if err != nil {
			return fmt.Errorf("field %s: %w", fkey, err)
		}
		var flags FieldFlags
		if fd.Static {
			flags |= FieldStatic
		}
		if fd.Literal {
			flags |= FieldStatic | FieldLiteral
		}
		if fd.ThreadStatic {
			flags |= FieldStatic | FieldThreadStatic
		}
		var id FieldID
		switch {
		case fd.Offset != nil:
			if !explicit || flags != 0 {
				return fmt.Errorf("field %s: offsets belong to explicit-layout instance fields", fkey)
			}
			id = b.FieldAt(owner, fd.Name, ft, *fd.Offset)
		case explicit && flags&FieldStatic == 0:
			return fmt.Errorf("field %s: explicit layout requires an offset", fkey)
		default:
			id = b.Field(owner, fd.Name, ft, flags)
		}
		l.fields[fkey] = id
	}

	for i := range d.Methods {
		m := &d.Methods[i]
		if m.Name == "" {
			return fmt.Errorf("type %s: method missing required field %q", key, "name")
		}
		mkey := key + "::" + m.Name
		if _, dup := l.methods[mkey]; dup {
			return fmt.Errorf("method %s declared twice", mkey)
		}
		flags, err := methodFlagsFromNames(m.Flags)
		if err != nil {
			return fmt.Errorf("method %s: %w", mkey, err)
		}
		ret := l.world.Primitive(PrimVoid)
		if m.Returns != "" {
			ret, err = l.typeExpr(mod, m.Returns)
			if err != nil {
				return fmt.Errorf("method %s: returns: %w", mkey, err)
			}
		}
		params := make([]TypeID, len(m.Params))
		for j, expr := range m.Params {
			params[j], err = l.typeExpr(mod, expr)
			if err != nil {
				return fmt.Errorf("method %s: param %d: %w", mkey, j, err)
			}
		}
		var id MethodID
		if m.Arity > 0 {
			id = b.GenericMethod(owner, m.Name, flags, m.Arity, ret, params...)
		} else {
			id = b.Method(owner, m.Name, flags, ret, params...)
		}
		l.methods[mkey] = id
		*out = append(*out, id)
	}
	return nil
}

func (l *Loader) attachBody(b *Builder, mod string, owner *typeDecl, m *methodDecl, seen map[Entity]RawToken) error {
	mkey := mod + "/" + owner.Name + "::" + m.Name
	id := l.methods[mkey]
	if l.world.Method(id).Flags&(MethodAbstract|MethodInternalCall) != 0 {
		if len(m.Sites) > 0 || len(m.EH) > 0 {
			return fmt.Errorf("method %s: bodiless methods cannot carry sites", mkey)
		}
		return nil
	}
	body := &Body{HotWeight: m.Weight}
	for i := range m.Sites {
		site, err := l.site(b, mod, &m.Sites[i], seen)
		if err != nil {
			return fmt.Errorf("method %s: site %d: %w", mkey, i, err)
		}
		body.Sites = append(body.Sites, site)
	}
	for i := range m.EH {
		region, err := l.region(b, mod, &m.EH[i], len(body.Sites), seen)
		if err != nil {
			return fmt.Errorf("method %s: eh %d: %w", mkey, i, err)
		}
		body.EH = append(body.EH, region)
	}
	b.Body(id, body)
	return nil
}

func (l *Loader) site(b *Builder, mod string, s *siteDecl, seen map[Entity]RawToken) (Site, error) {
	op, ok := fixtureOps[s.Op]
	if !ok {
		return Site{}, fmt.Errorf("unknown op %q", s.Op)
	}
	refs := 0
	for _, set := range [...]bool{s.Method != "", s.Field != "", s.Type != "", s.String != 0} {
		if set {
			refs++
		}
	}
	if refs != 1 {
		return Site{}, fmt.Errorf("%s needs exactly one of method, field, type, string", op)
	}

	var tok RawToken
	switch {
	case s.Method != "":
		if !op.IsCall() && op != SiteLdtoken {
			return Site{}, fmt.Errorf("%s cannot reference a method", op)
		}
		m, err := l.methodRef(mod, s.Method)
		if err != nil {
			return Site{}, err
		}
		kind := TokenMemberRef
		if l.world.Method(m).HasInstantiation() {
			kind = TokenMethodSpec
		}
		tok = l.bindOnce(b, seen, kind, MethodEntity(m))
	case s.Field != "":
		if !op.IsFieldAccess() && op != SiteLdtoken {
			return Site{}, fmt.Errorf("%s cannot reference a field", op)
		}
		f, err := l.fieldRef(mod, s.Field)
		if err != nil {
			return Site{}, err
		}
		tok = l.bindOnce(b, seen, TokenMemberRef, FieldEntity(f))
	case s.Type != "":
		switch op {
		case SiteNewArr, SiteBox, SiteUnbox, SiteCastClass, SiteIsInst, SiteLdtoken:
		default:
			return Site{}, fmt.Errorf("%s cannot reference a type", op)
		}
		t, err := l.typeExpr(mod, s.Type)
		if err != nil {
			return Site{}, err
		}
		tok = l.bindOnce(b, seen, TokenTypeSpec, TypeEntity(t))
	default:
		if op != SiteLdstr {
			return Site{}, fmt.Errorf("%s cannot reference a string", op)
		}
		tok = MakeToken(TokenString, s.String)
	}

	site := Site{Op: op, Token: tok}
	if s.Constraint != "" {
		if op != SiteCall && op != SiteCallVirt {
			return Site{}, fmt.Errorf("constraint outside call/callvirt")
		}
		ct, err := l.typeExpr(mod, s.Constraint)
		if err != nil {
			return Site{}, fmt.Errorf("constraint: %w", err)
		}
		site.Constraint = l.bindOnce(b, seen, TokenTypeSpec, TypeEntity(ct))
	}
	return site, nil
}

func (l *Loader) region(b *Builder, mod string, e *ehDecl, sites int, seen map[Entity]RawToken) (EHRegion, error) {
	var kind EHKind
	switch e.Kind {
	case "typed":
		kind = EHTyped
	case "filter":
		kind = EHFilter
	case "finally":
		kind = EHFinally
	case "fault":
		kind = EHFault
	default:
		return EHRegion{}, fmt.Errorf("unknown region kind %q", e.Kind)
	}
	if len(e.Try) != 2 || len(e.Handler) != 2 {
		return EHRegion{}, fmt.Errorf("try and handler need [start, end] pairs")
	}
	var bounds [4]uint16
	for i, v := range [...]int64{e.Try[0], e.Try[1], e.Handler[0], e.Handler[1]} {
		u, err := safecast.Conv[uint16](v)
		if err != nil || int(u) > sites {
			return EHRegion{}, fmt.Errorf("boundary %d outside %d sites", v, sites)
		}
		bounds[i] = u
	}
	region := EHRegion{
		Kind:         kind,
		TryStart:     bounds[0],
		TryEnd:       bounds[1],
		HandlerStart: bounds[2],
		HandlerEnd:   bounds[3],
	}
	switch {
	case kind == EHTyped && e.Class == "":
		return EHRegion{}, fmt.Errorf("typed region missing required field %q", "class")
	case kind != EHTyped && e.Class != "":
		return EHRegion{}, fmt.Errorf("%s region cannot catch a class", e.Kind)
	case kind == EHTyped:
		t, err := l.typeExpr(mod, e.Class)
		if err != nil {
			return EHRegion{}, err
		}
		region.ClassToken = l.bindOnce(b, seen, TokenTypeSpec, TypeEntity(t))
	}
	return region, nil
}

func (l *Loader) bindOnce(b *Builder, seen map[Entity]RawToken, kind TokenKind, e Entity) RawToken {
	if tok, ok := seen[e]; ok {
		return tok
	}
	tok := b.Bind(kind, e)
	seen[e] = tok
	return tok
}

// methodRef resolves "Type::Name" or "Type::Name<args>", where Type is any
// type expression. Methods on constructed owners and instantiated generic
// methods intern through the world like any other constructed form.
func (l *Loader) methodRef(mod, ref string) (MethodID, error) {
	ownerExpr, member, ok := strings.Cut(ref, "::")
	if !ok {
		return NoMethodID, fmt.Errorf("method reference %q missing ::", ref)
	}
	owner, err := l.typeExpr(mod, ownerExpr)
	if err != nil {
		return NoMethodID, err
	}

	name := member
	var margs []TypeID
	if i := strings.IndexByte(member, '<'); i >= 0 {
		name = member[:i]
		margs, err = l.typeArgs(mod, member[i:])
		if err != nil {
			return NoMethodID, err
		}
	}

	key, err := l.defKey(owner, name)
	if err != nil {
		return NoMethodID, err
	}
	def, ok := l.methods[key]
	if !ok {
		return NoMethodID, fmt.Errorf("unknown method %s", key)
	}
	m := l.world.MethodOnType(def, owner)
	if len(margs) > 0 {
		if arity := l.world.Method(def).Arity; int(arity) != len(margs) {
			return NoMethodID, fmt.Errorf("method %s expects %d type arguments, got %d", key, arity, len(margs))
		}
		m = l.world.InstantiateMethod(m, margs)
	}
	return m, nil
}

func (l *Loader) fieldRef(mod, ref string) (FieldID, error) {
	ownerExpr, name, ok := strings.Cut(ref, "::")
	if !ok {
		return NoFieldID, fmt.Errorf("field reference %q missing ::", ref)
	}
	owner, err := l.typeExpr(mod, ownerExpr)
	if err != nil {
		return NoFieldID, err
	}
	key, err := l.defKey(owner, name)
	if err != nil {
		return NoFieldID, err
	}
	def, ok := l.fields[key]
	if !ok {
		return NoFieldID, fmt.Errorf("unknown field %s", key)
	}
	return l.world.FieldOnType(def, owner), nil
}

// defKey names a member by its declaring definition, so lookups work whether
// the owner expression was open or instantiated.
func (l *Loader) defKey(owner TypeID, name string) (string, error) {
	t := l.world.Type(owner)
	if t.Definition.IsValid() {
		t = l.world.Type(t.Definition)
	}
	if t.Name == "" {
		return "", fmt.Errorf("%s declares no members", l.world.TypeName(owner))
	}
	return l.world.Module(t.Module).Name + "/" + t.Name + "::" + name, nil
}

func (l *Loader) typeKey(id TypeID) string {
	t := l.world.Type(id)
	return l.world.Module(t.Module).Name + "/" + t.Name
}

func (l *Loader) methodKey(id MethodID) string {
	m := l.world.Method(id)
	return l.typeKey(m.Owner) + "::" + m.Name
}

// setBase re-points a class base after declaration; see declareType.
func (l *Loader) setBase(t, base TypeID) {
	w := l.world
	w.mu.Lock()
	w.types[t].Base = base
	w.mu.Unlock()
}

func (l *Loader) addFlags(t TypeID, flags TypeFlags) {
	if flags == 0 {
		return
	}
	w := l.world
	w.mu.Lock()
	w.types[t].Flags |= flags
	w.mu.Unlock()
}

// Type expressions: primitives by their metadata names, "__Canon", "!0" and
// "!!0" generic parameters, "module/Name" definitions, "<...>" instantiation
// argument lists and "[]" array suffixes, nestable as in
// "app/Box<corelib/System.String[]>".
type typeScanner struct {
	l   *Loader
	mod string
	src string
	pos int
}

func (l *Loader) typeExpr(mod, src string) (TypeID, error) {
	s := typeScanner{l: l, mod: mod, src: src}
	id, err := s.expr()
	if err != nil {
		return NoTypeID, fmt.Errorf("type %q: %w", src, err)
	}
	s.skipSpace()
	if s.pos != len(s.src) {
		return NoTypeID, fmt.Errorf("type %q: trailing %q", src, s.src[s.pos:])
	}
	return id, nil
}

// typeArgs parses a bare "<...>" list, used for method instantiations.
func (l *Loader) typeArgs(mod, src string) ([]TypeID, error) {
	s := typeScanner{l: l, mod: mod, src: src}
	if s.peek() != '<' {
		return nil, fmt.Errorf("type arguments %q: expected <", src)
	}
	args, err := s.args()
	if err != nil {
		return nil, fmt.Errorf("type arguments %q: %w", src, err)
	}
	if s.pos != len(s.src) {
		return nil, fmt.Errorf("type arguments %q: trailing %q", src, s.src[s.pos:])
	}
	return args, nil
}

func (s *typeScanner) expr() (TypeID, error) {
	id, err := s.atom()
	if err != nil {
		return NoTypeID, err
	}
	for s.eat("[]") {
		id = s.l.world.ArrayOf(id)
	}
	return id, nil
}

func (s *typeScanner) atom() (TypeID, error) {
	s.skipSpace()
	if s.eat("!!") {
		idx, err := s.index()
		if err != nil {
			return NoTypeID, err
		}
		return s.l.world.ParamOf(ParamOfMethod, idx), nil
	}
	if s.eat("!") {
		idx, err := s.index()
		if err != nil {
			return NoTypeID, err
		}
		return s.l.world.ParamOf(ParamOfType, idx), nil
	}
	name := s.ident()
	if name == "" {
		return NoTypeID, fmt.Errorf("type name expected at offset %d", s.pos)
	}
	if name == "__Canon" {
		return s.l.world.Canon(), nil
	}
	if p, ok := fixturePrims[name]; ok {
		return s.l.world.Primitive(p), nil
	}
	key := name
	if !strings.ContainsRune(name, '/') {
		key = s.mod + "/" + name
	}
	id, ok := s.l.types[key]
	if !ok {
		return NoTypeID, fmt.Errorf("unknown type %s", key)
	}
	if s.peek() == '<' {
		args, err := s.args()
		if err != nil {
			return NoTypeID, err
		}
		if arity := s.l.world.Type(id).Arity; int(arity) != len(args) {
			return NoTypeID, fmt.Errorf("%s expects %d type arguments, got %d", key, arity, len(args))
		}
		id = s.l.world.Instantiate(id, args)
	}
	return id, nil
}

func (s *typeScanner) args() ([]TypeID, error) {
	s.pos++ // consume '<'
	var args []TypeID
	for {
		id, err := s.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, id)
		s.skipSpace()
		switch s.peek() {
		case ',':
			s.pos++
		case '>':
			s.pos++
			return args, nil
		default:
			return nil, fmt.Errorf("expected , or > at offset %d", s.pos)
		}
	}
}

func (s *typeScanner) index() (uint16, error) {
	start := s.pos
	for s.pos < len(s.src) && s.src[s.pos] >= '0' && s.src[s.pos] <= '9' {
		s.pos++
	}
	if s.pos == start {
		return 0, fmt.Errorf("parameter index expected at offset %d", start)
	}
	n, err := strconv.ParseUint(s.src[start:s.pos], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parameter index %s out of range", s.src[start:s.pos])
	}
	return uint16(n), nil
}

func (s *typeScanner) ident() string {
	start := s.pos
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '<', '>', ',', '[', ']', ' ', '\t':
			return s.src[start:s.pos]
		}
		s.pos++
	}
	return s.src[start:]
}

func (s *typeScanner) eat(prefix string) bool {
	if strings.HasPrefix(s.src[s.pos:], prefix) {
		s.pos += len(prefix)
		return true
	}
	return false
}

func (s *typeScanner) peek() byte {
	if s.pos < len(s.src) {
		return s.src[s.pos]
	}
	return 0
}

func (s *typeScanner) skipSpace() {
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

// Name tables derive from the String methods so the vocabulary cannot drift.
var fixturePrims = func() map[string]PrimKind {
	m := make(map[string]PrimKind, int(primCount))
	for p := PrimVoid; p < primCount; p++ {
		m[p.String()] = p
	}
	return m
}()

var fixtureOps = func() map[string]SiteOp {
	m := make(map[string]SiteOp, 16)
	for op := SiteCall; op <= SiteLdstr; op++ {
		m[op.String()] = op
	}
	return m
}()

func typeFlagsFromNames(names []string) (TypeFlags, error) {
	var flags TypeFlags
	for _, n := range names {
		switch n {
		case "sealed":
			flags |= TypeSealed
		case "abstract":
			flags |= TypeAbstract
		case "nonversionable":
			flags |= TypeNonVersionable
		case "cctor":
			flags |= TypeHasCctor
		case "beforefieldinit":
			flags |= TypeBeforeFieldInit
		default:
			return 0, fmt.Errorf("unknown type flag %q", n)
		}
	}
	return flags, nil
}

func methodFlagsFromNames(names []string) (MethodFlags, error) {
	var flags MethodFlags
	for _, n := range names {
		switch n {
		case "static":
			flags |= MethodStatic
		case "virtual":
			flags |= MethodVirtual
		case "final":
			flags |= MethodFinal
		case "abstract":
			flags |= MethodAbstract
		case "ctor":
			flags |= MethodCtor
		case "internalcall":
			flags |= MethodInternalCall
		default:
			return 0, fmt.Errorf("unknown method flag %q", n)
		}
	}
	return flags, nil
}

func layoutFromName(name string) (LayoutOrder, error) {
	switch name {
	case "", "auto":
		return LayoutAuto, nil
	case "sequential":
		return LayoutSequential, nil
	case "explicit":
		return LayoutExplicit, nil
	default:
		return LayoutAuto, fmt.Errorf("unknown layout %q", name)
	}
}
