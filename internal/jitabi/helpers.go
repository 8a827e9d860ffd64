package jitabi

import "fmt"

// HelperID numbers the runtime helpers generated code may call. The values
// are frozen: published images encode them in import cells, so renumbering
// breaks every image on disk. Append only.
type HelperID uint16

const (
	HelperInvalid HelperID = 0x00

	// Image plumbing.
	HelperModule      HelperID = 0x01
	HelperGSCookie    HelperID = 0x02
	HelperEmptyString HelperID = 0x03

	// Delay-load thunks backing import cells.
	HelperDelayLoadMethodCall HelperID = 0x08
	HelperDelayLoadHelper     HelperID = 0x10
	HelperDelayLoadHelperObj  HelperID = 0x11

	// Exception paths.
	HelperThrow                     HelperID = 0x20
	HelperRethrow                   HelperID = 0x21
	HelperOverflow                  HelperID = 0x22
	HelperRangeCheck                HelperID = 0x23
	HelperFailFast                  HelperID = 0x24
	HelperThrowNullRef              HelperID = 0x25
	HelperThrowDivZero              HelperID = 0x26
	HelperThrowPlatformNotSupported HelperID = 0x27

	// Write barriers.
	HelperWriteBarrier        HelperID = 0x30
	HelperCheckedWriteBarrier HelperID = 0x31
	HelperByRefWriteBarrier   HelperID = 0x32

	// Allocation and casting.
	HelperNewObject   HelperID = 0x51
	HelperNewArray    HelperID = 0x52
	HelperBox         HelperID = 0x55
	HelperBoxNullable HelperID = 0x56
	HelperUnbox       HelperID = 0x57
	HelperCastClass   HelperID = 0x5B
	HelperIsInstance  HelperID = 0x5C

	// Static bases. The generic variants take the exact type handle as an
	// argument instead of reading it from an import cell.
	HelperGCStaticBase           HelperID = 0x60
	HelperNonGCStaticBase        HelperID = 0x61
	HelperThreadStaticBase       HelperID = 0x62
	HelperGenericGCStaticBase    HelperID = 0x63
	HelperGenericNonGCStaticBase HelperID = 0x64
	HelperGenericThreadStatic    HelperID = 0x65

	// Generic code paths.
	HelperGenericHandleClass  HelperID = 0x66
	HelperGenericHandleMethod HelperID = 0x67
	HelperVirtualFuncPtr      HelperID = 0x68
	HelperMonitorEnter        HelperID = 0x6A
	HelperMonitorExit         HelperID = 0x6B
)

var helperNames = map[HelperID]string{
	HelperInvalid:                   "invalid",
	HelperModule:                    "module",
	HelperGSCookie:                  "gs_cookie",
	HelperEmptyString:               "empty_string",
	HelperDelayLoadMethodCall:       "delayload_methodcall",
	HelperDelayLoadHelper:           "delayload_helper",
	HelperDelayLoadHelperObj:        "delayload_helper_obj",
	HelperThrow:                     "throw",
	HelperRethrow:                   "rethrow",
	HelperOverflow:                  "overflow",
	HelperRangeCheck:                "range_check_fail",
	HelperFailFast:                  "fail_fast",
	HelperThrowNullRef:              "throw_null_ref",
	HelperThrowDivZero:              "throw_div_zero",
	HelperThrowPlatformNotSupported: "throw_platform_not_supported",
	HelperWriteBarrier:              "write_barrier",
	HelperCheckedWriteBarrier:       "checked_write_barrier",
	HelperByRefWriteBarrier:         "byref_write_barrier",
	HelperNewObject:                 "new_object",
	HelperNewArray:                  "new_array",
	HelperBox:                       "box",
	HelperBoxNullable:               "box_nullable",
	HelperUnbox:                     "unbox",
	HelperCastClass:                 "cast_class",
	HelperIsInstance:                "is_instance",
	HelperGCStaticBase:              "gc_static_base",
	HelperNonGCStaticBase:           "nongc_static_base",
	HelperThreadStaticBase:          "thread_static_base",
	HelperGenericGCStaticBase:       "generic_gc_static_base",
	HelperGenericNonGCStaticBase:    "generic_nongc_static_base",
	HelperGenericThreadStatic:       "generic_thread_static_base",
	HelperGenericHandleClass:        "generic_handle_class",
	HelperGenericHandleMethod:       "generic_handle_method",
	HelperVirtualFuncPtr:            "virtual_func_ptr",
	HelperMonitorEnter:              "monitor_enter",
	HelperMonitorExit:               "monitor_exit",
}

func (h HelperID) String() string {
	if s, ok := helperNames[h]; ok {
		return s
	}
	return fmt.Sprintf("helper(%#04x)", uint16(h))
}

// Known reports whether h is one of the frozen helper numbers.
func (h HelperID) Known() bool {
	_, ok := helperNames[h]
	return ok
}
