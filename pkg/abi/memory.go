package abi

import (
	"encoding/binary"
	"fmt"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"
)

// memoryBytes returns the caller's default exported linear memory as a
// byte slice backed directly by the guest's own memory.
func memoryBytes(caller *wasmtime.Caller) ([]byte, error) {
	ext := caller.GetExport("memory")
	if ext == nil || ext.Memory() == nil {
		return nil, fmt.Errorf("abi: guest exports no memory")
	}
	return ext.Memory().UnsafeData(caller), nil
}

// readBytes copies ln bytes starting at ptr out of the guest's memory,
// rejecting any region that isn't fully in-bounds.
func readBytes(caller *wasmtime.Caller, ptr, ln int32) ([]byte, error) {
	data, err := memoryBytes(caller)
	if err != nil {
		return nil, err
	}
	if ptr < 0 || ln < 0 || int64(ptr)+int64(ln) > int64(len(data)) {
		return nil, fmt.Errorf("abi: out-of-bounds memory access ptr=%d len=%d", ptr, ln)
	}
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out, nil
}

// writeBytes copies payload into the guest's memory at ptr, rejecting any
// destination that isn't fully in-bounds.
func writeBytes(caller *wasmtime.Caller, ptr int32, payload []byte) error {
	data, err := memoryBytes(caller)
	if err != nil {
		return err
	}
	if ptr < 0 || int64(ptr)+int64(len(payload)) > int64(len(data)) {
		return fmt.Errorf("abi: out-of-bounds memory write ptr=%d len=%d", ptr, len(payload))
	}
	copy(data[ptr:], payload)
	return nil
}

// writeU32 writes a little-endian u32 at ptr, the convention host functions
// use to hand an out-parameter (a pointer or a length) back to the guest.
func writeU32(caller *wasmtime.Caller, ptr int32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return writeBytes(caller, ptr, buf[:])
}

// guestAlloc calls the guest's own exported "alloc" function to reserve n
// bytes inside its linear memory, the same convention hostAlloc exposes to
// the guest directly, used internally whenever a host function needs to
// hand the guest a freshly-allocated buffer (host_state_get,
// host_get_tx_data).
func guestAlloc(caller *wasmtime.Caller, n int32) (int32, error) {
	if n == 0 {
		return 0, nil
	}
	ext := caller.GetExport("alloc")
	if ext == nil || ext.Func() == nil {
		return 0, fmt.Errorf("abi: guest exports no alloc")
	}
	raw, err := ext.Func().Call(caller, n)
	if err != nil {
		return 0, err
	}
	ptr, ok := raw.(int32)
	if !ok {
		return 0, fmt.Errorf("abi: guest alloc returned non-i32")
	}
	return ptr, nil
}
