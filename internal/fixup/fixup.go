// Package fixup enumerates the import cell kinds a published image may
// carry and encodes their signature blobs. A cell is (kind, blob); the
// loader materializes the value on first touch. Kind numbers are frozen the
// same way helper numbers are: append, never renumber.
package fixup

import "fmt"

// Kind tags one import cell class.
type Kind uint16

const (
	KindInvalid Kind = 0x00

	// Dictionary lookup cells, one per context anchor.
	KindThisObjDictionaryLookup Kind = 0x07
	KindTypeDictionaryLookup    Kind = 0x08
	KindMethodDictionaryLookup  Kind = 0x09

	// Handle materialization.
	KindTypeHandle   Kind = 0x10
	KindMethodHandle Kind = 0x11
	KindFieldHandle  Kind = 0x12

	// Call targets.
	KindMethodEntry  Kind = 0x13
	KindVirtualEntry Kind = 0x16

	// Inlined helper surrogates.
	KindHelper       Kind = 0x1F
	KindStringHandle Kind = 0x20
	KindNewObject    Kind = 0x21
	KindNewArray     Kind = 0x22
	KindIsInstanceOf Kind = 0x23
	KindChkCast      Kind = 0x24

	// Statics.
	KindFieldAddress          Kind = 0x25
	KindCctorTrigger          Kind = 0x26
	KindStaticBaseNonGC       Kind = 0x27
	KindStaticBaseGC          Kind = 0x28
	KindThreadStaticBaseNonGC Kind = 0x29
	KindThreadStaticBaseGC    Kind = 0x2A

	// Field layout resilience.
	KindFieldBaseOffset Kind = 0x2B
	KindFieldOffset     Kind = 0x2C

	// Whole dictionaries.
	KindTypeDictionary   Kind = 0x2D
	KindMethodDictionary Kind = 0x2E

	// Load-time verification.
	KindCheckTypeLayout  Kind = 0x2F
	KindCheckFieldOffset Kind = 0x30
)

var kindNames = map[Kind]string{
	KindThisObjDictionaryLookup: "thisobj_dictionary_lookup",
	KindTypeDictionaryLookup:    "type_dictionary_lookup",
	KindMethodDictionaryLookup:  "method_dictionary_lookup",
	KindTypeHandle:              "type_handle",
	KindMethodHandle:            "method_handle",
	KindFieldHandle:             "field_handle",
	KindMethodEntry:             "method_entry",
	KindVirtualEntry:            "virtual_entry",
	KindHelper:                  "helper",
	KindStringHandle:            "string_handle",
	KindNewObject:               "new_object",
	KindNewArray:                "new_array",
	KindIsInstanceOf:            "is_instance_of",
	KindChkCast:                 "chk_cast",
	KindFieldAddress:            "field_address",
	KindCctorTrigger:            "cctor_trigger",
	KindStaticBaseNonGC:         "static_base_nongc",
	KindStaticBaseGC:            "static_base_gc",
	KindThreadStaticBaseNonGC:   "thread_static_base_nongc",
	KindThreadStaticBaseGC:      "thread_static_base_gc",
	KindFieldBaseOffset:         "field_base_offset",
	KindFieldOffset:             "field_offset",
	KindTypeDictionary:          "type_dictionary",
	KindMethodDictionary:        "method_dictionary",
	KindCheckTypeLayout:         "check_type_layout",
	KindCheckFieldOffset:        "check_field_offset",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("fixup(%#04x)", uint16(k))
}
