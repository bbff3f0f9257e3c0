//go:build tinygo || wasm

// Package guest implements the plugin side of the host ABI.
package guest

import "unsafe"

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

// buffers keeps host-written and returned memory reachable until the host
// calls dealloc.
var buffers = map[uintptr][]byte{}

//export alloc
func alloc(size uint32) uintptr {
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	buffers[ptr] = buf
	return ptr
}

//export dealloc
func dealloc(ptr uintptr, _ uint32) {
	delete(buffers, ptr)
}

// Input returns the bytes the host wrote at ptr.
func Input(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

// Output hands data back to the host as ptr<<32|len. Empty data tells the
// host to keep its input.
func Output(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	ptr := uintptr(unsafe.Pointer(&data[0]))
	buffers[ptr] = data
	return uint64(ptr)<<32 | uint64(len(data))
}
