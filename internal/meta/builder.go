package meta

// Builder assembles one module's definitions: it assigns tokens, registers
// descriptors, and wires member lists. The fixture loader and the tests both
// go through it, so worlds built from TOML and worlds built in code share
// token discipline. Not safe for concurrent use; build first, compile after.
type Builder struct {
	World *World

	mod ModuleID
	rid map[TokenKind]uint32
}

// NewBuilder registers a fresh module in w and returns its builder.
func NewBuilder(w *World, module string) *Builder {
	return &Builder{
		World: w,
		mod:   w.AddModule(module),
		rid:   make(map[TokenKind]uint32, 8),
	}
}

// Module returns the ID of the module under construction.
func (b *Builder) Module() ModuleID { return b.mod }

func (b *Builder) nextToken(kind TokenKind) RawToken {
	b.rid[kind]++
	return MakeToken(kind, b.rid[kind])
}

// Bind assigns the next token of the given kind and points it at e. Use it
// for the reference tables: TypeRef, MemberRef, TypeSpec, MethodSpec,
// standalone signatures.
func (b *Builder) Bind(kind TokenKind, e Entity) RawToken {
	tok := b.nextToken(kind)
	b.World.RegisterToken(b.mod, tok, e)
	return tok
}

// TypeToken binds a TypeSpec token to t.
func (b *Builder) TypeToken(t TypeID) RawToken { return b.Bind(TokenTypeSpec, TypeEntity(t)) }

// MethodToken binds a MemberRef token to m. Instantiated methods usually
// travel as MethodSpec instead.
func (b *Builder) MethodToken(m MethodID) RawToken { return b.Bind(TokenMemberRef, MethodEntity(m)) }

// MethodSpecToken binds a MethodSpec token to an instantiated method.
func (b *Builder) MethodSpecToken(m MethodID) RawToken {
	return b.Bind(TokenMethodSpec, MethodEntity(m))
}

// FieldToken binds a MemberRef token to f.
func (b *Builder) FieldToken(f FieldID) RawToken { return b.Bind(TokenMemberRef, FieldEntity(f)) }

func (b *Builder) defineType(t Type) TypeID {
	t.Module = b.mod
	t.Token = b.nextToken(TokenTypeDef)
	id := b.World.RegisterType(t)
	b.World.RegisterToken(b.mod, t.Token, TypeEntity(id))
	return id
}

// Class defines a reference type. base may be NoTypeID for a root.
func (b *Builder) Class(name string, base TypeID, flags TypeFlags) TypeID {
	return b.defineType(Type{Kind: KindClass, Name: name, Base: base, Flags: flags})
}

// GenericClass defines a generic reference type with the given arity.
func (b *Builder) GenericClass(name string, arity uint16, base TypeID, flags TypeFlags) TypeID {
	return b.defineType(Type{Kind: KindClass, Name: name, Base: base, Flags: flags, Arity: arity})
}

// Struct defines a value type with the given layout order.
func (b *Builder) Struct(name string, order LayoutOrder) TypeID {
	return b.defineType(Type{Kind: KindStruct, Name: name, Layout: order, Base: b.World.wk.ValueType})
}

// GenericStruct defines a generic value type.
func (b *Builder) GenericStruct(name string, arity uint16, order LayoutOrder) TypeID {
	return b.defineType(Type{Kind: KindStruct, Name: name, Layout: order, Arity: arity, Base: b.World.wk.ValueType})
}

// Interface defines an interface type.
func (b *Builder) Interface(name string) TypeID {
	return b.defineType(Type{Kind: KindInterface, Name: name, Flags: TypeAbstract})
}

// GenericInterface defines a generic interface type.
func (b *Builder) GenericInterface(name string, arity uint16) TypeID {
	return b.defineType(Type{Kind: KindInterface, Name: name, Flags: TypeAbstract, Arity: arity})
}

// Enum defines an enum over the given underlying primitive.
func (b *Builder) Enum(name string, underlying PrimKind) TypeID {
	return b.defineType(Type{
		Kind:       KindEnum,
		Name:       name,
		Base:       b.World.wk.EnumBase,
		Underlying: b.World.Primitive(underlying),
		Flags:      TypeSealed,
	})
}

// Implements appends interfaces to t's implemented set. Pass the transitive
// closure; subtype checks do not chase interface inheritance.
func (b *Builder) Implements(t TypeID, ifaces ...TypeID) {
	w := b.World
	w.mu.Lock()
	defer w.mu.Unlock()
	w.types[t].Interfaces = append(w.types[t].Interfaces, ifaces...)
}

// TypeParam returns the interned !index parameter.
func (b *Builder) TypeParam(index uint16) TypeID {
	return b.World.ParamOf(ParamOfType, index)
}

// MethodParam returns the interned !!index parameter.
func (b *Builder) MethodParam(index uint16) TypeID {
	return b.World.ParamOf(ParamOfMethod, index)
}

// Method defines a method on owner and returns its ID.
func (b *Builder) Method(owner TypeID, name string, flags MethodFlags, ret TypeID, params ...TypeID) MethodID {
	return b.defineMethod(owner, name, flags, 0, ret, params)
}

// GenericMethod defines a generic method with the given arity.
func (b *Builder) GenericMethod(owner TypeID, name string, flags MethodFlags, arity uint16, ret TypeID, params ...TypeID) MethodID {
	return b.defineMethod(owner, name, flags, arity, ret, params)
}

func (b *Builder) defineMethod(owner TypeID, name string, flags MethodFlags, arity uint16, ret TypeID, params []TypeID) MethodID {
	tok := b.nextToken(TokenMethodDef)
	id := b.World.RegisterMethod(Method{
		Module: b.mod,
		Owner:  owner,
		Name:   name,
		Token:  tok,
		Flags:  flags,
		Params: params,
		Return: ret,
		Arity:  arity,
	})
	b.World.RegisterToken(b.mod, tok, MethodEntity(id))
	return id
}

// Field defines an instance or static field on owner.
func (b *Builder) Field(owner TypeID, name string, typ TypeID, flags FieldFlags) FieldID {
	return b.defineField(owner, name, typ, flags, -1)
}

// FieldAt defines a field with an explicit byte offset.
func (b *Builder) FieldAt(owner TypeID, name string, typ TypeID, offset int32) FieldID {
	return b.defineField(owner, name, typ, 0, offset)
}

func (b *Builder) defineField(owner TypeID, name string, typ TypeID, flags FieldFlags, offset int32) FieldID {
	tok := b.nextToken(TokenFieldDef)
	id := b.World.RegisterField(Field{
		Module:         b.mod,
		Owner:          owner,
		Name:           name,
		Token:          tok,
		Flags:          flags,
		Type:           typ,
		ExplicitOffset: offset,
	})
	b.World.RegisterToken(b.mod, tok, FieldEntity(id))
	w := b.World
	w.mu.Lock()
	w.types[owner].Fields = append(w.types[owner].Fields, id)
	w.mu.Unlock()
	return id
}

// Override records typeDef's implementation of the virtual slot decl.
func (b *Builder) Override(typeDef TypeID, decl, impl MethodID) {
	b.World.RegisterOverride(typeDef, decl, impl)
}

// Body attaches an implementation skeleton to a method definition.
func (b *Builder) Body(m MethodID, body *Body) {
	w := b.World
	w.mu.Lock()
	w.methods[m].Body = body
	w.mu.Unlock()
}

// SeedCoreLibrary defines the minimal core types every world needs (object,
// string, value-type and enum bases, Object.GetHashCode) and registers them
// as well-known. Call it on the builder of the core module before defining
// anything that derives from them.
func (b *Builder) SeedCoreLibrary() WellKnown {
	object := b.Class("System.Object", NoTypeID, 0)
	str := b.Class("System.String", object, TypeSealed)
	valueType := b.Class("System.ValueType", object, TypeAbstract)
	enumBase := b.Class("System.Enum", valueType, TypeAbstract)
	getHashCode := b.Method(object, "GetHashCode", MethodVirtual, b.World.Primitive(PrimI4))
	wk := WellKnown{
		Object:      object,
		String:      str,
		ValueType:   valueType,
		EnumBase:    enumBase,
		GetHashCode: getHashCode,
	}
	b.World.SetWellKnown(wk)
	return wk
}
