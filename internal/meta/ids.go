package meta

// ModuleID identifies a loaded module inside the world arena.
type ModuleID uint32

// NoModuleID marks the absence of a module reference.
const NoModuleID ModuleID = 0

// IsValid reports whether the module ID refers to a loaded module.
func (id ModuleID) IsValid() bool { return id != NoModuleID }

// TypeID identifies a type descriptor inside the world arena.
type TypeID uint32

// NoTypeID marks the absence of a type.
const NoTypeID TypeID = 0

// IsValid reports whether the type ID refers to an allocated descriptor.
func (id TypeID) IsValid() bool { return id != NoTypeID }

// MethodID identifies a method descriptor inside the world arena.
type MethodID uint32

// NoMethodID marks the absence of a method.
const NoMethodID MethodID = 0

// IsValid reports whether the method ID refers to an allocated descriptor.
func (id MethodID) IsValid() bool { return id != NoMethodID }

// FieldID identifies a field descriptor inside the world arena.
type FieldID uint32

// NoFieldID marks the absence of a field.
const NoFieldID FieldID = 0

// IsValid reports whether the field ID refers to an allocated descriptor.
func (id FieldID) IsValid() bool { return id != NoFieldID }
