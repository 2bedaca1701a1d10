package ort

import "unsafe"

// maxCStringLen bounds the scan for a terminator in runtime-owned memory.
const maxCStringLen = 1 << 20

// minValidAddress is the first address past the unmapped null page.
const minValidAddress = 4096

// CstringToGo copies a NUL-terminated C string into a Go string. Null and
// null-page pointers yield "".
func CstringToGo(ptr uintptr) string {
	if ptr < minValidAddress {
		return ""
	}
	// #nosec G103 -- ptr comes from the runtime and stays valid for this call.
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxCStringLen)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GoToCstring returns a NUL-terminated copy of s and a pointer to its first
// byte. The returned slice must stay reachable while C code uses the
// pointer.
func GoToCstring(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

// makeCStringPointerArray converts names into C strings and an array of
// pointers to them. Both return values must stay reachable for the
// duration of the C call.
func makeCStringPointerArray(names []string) ([][]byte, []uintptr) {
	backings := make([][]byte, len(names))
	ptrs := make([]uintptr, len(names))
	for i, name := range names {
		backings[i], ptrs[i] = GoToCstring(name)
	}
	return backings, ptrs
}
