// Package abi implements the host-guest function surface: the "env"
// import namespace every guest links against, classifying every call's
// outcome into the fixed result-code table and mediating state, IPC,
// event, and capability access through the capability manager and VFS.
package abi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/events"
	"github.com/cuemby/helium/pkg/log"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

// ResultCode is the fixed integer the ABI returns to the guest for every
// call, following Unix conventions: zero is success.
type ResultCode int32

const (
	Success ResultCode = iota
	ErrorGeneric
	InvalidArg
	PermissionDenied
	NotFound
	OutOfMemory
	InvalidOperation
	SerializationError
	StoreError
)

// LogLevel names the severity host_log accepts.
type LogLevel int32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// maxAllocBytes is the hard per-call cap host_alloc enforces before
// forwarding to the guest's own allocator.
const maxAllocBytes = 1 * 1024 * 1024

// MessageSender enqueues an IPC payload addressed to another module. The
// module router implements this.
type MessageSender interface {
	Send(from, to string, payload []byte) error
}

// MessageReceiver returns the next queued IPC payload addressed to module,
// if any. The module router implements this.
type MessageReceiver interface {
	Receive(module string) ([]byte, bool)
}

// EventRecorder records an event a guest emitted via host_emit_event. The
// host adapter's per-block event accumulator implements this.
type EventRecorder interface {
	Record(ev events.Event)
}

// wireEvent is the JSON shape a guest's host_emit_event payload decodes
// into.
type wireEvent struct {
	Type       string             `json:"type"`
	Attributes []events.Attribute `json:"attributes"`
}

// Context is the per-module ABI context every linked host function closes
// over: capability set, VFS handle, current transaction bytes, and the
// stderr capture buffer a trap or abort writes into.
type Context struct {
	Module   string
	Caps     *capability.Manager
	VFS      *vfs.VFS
	Sender   MessageSender
	Receiver MessageReceiver
	Recorder EventRecorder
	Height   int64

	mu      sync.Mutex
	txBytes []byte
	stderr  bytes.Buffer
}

// NewContext creates an ABI context for module, wired against the given
// capability manager and VFS. Sender/Receiver/Recorder may be set
// afterwards by whoever installs the module (pkg/host does, per module).
func NewContext(module string, caps *capability.Manager, vfsRef *vfs.VFS) *Context {
	return &Context{Module: module, Caps: caps, VFS: vfsRef}
}

// SetTxContext installs the current transaction's serialized bytes, made
// available to the guest via host_get_tx_data.
func (c *Context) SetTxContext(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txBytes = data
}

// TakeStderr returns and clears the accumulated stderr buffer, e.g. after a
// module traps via host_abort.
func (c *Context) TakeStderr() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]byte(nil), c.stderr.Bytes()...)
	c.stderr.Reset()
	return out
}

func (c *Context) writeStderr(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr.Write(p)
}

func statePath(module, key string) string {
	return fmt.Sprintf("/state/%s/%s", module, key)
}

// Link builds the host function set for ctx and registers it under the
// "env" import namespace of linker. The composition root wraps it in a
// runtime.HostLinker that picks the right context per module name.
func Link(ctx *Context) func(*wasmtime.Linker) error {
	return func(linker *wasmtime.Linker) error {
		fns := []struct {
			name string
			fn   interface{}
		}{
			{"host_log", ctx.hostLog},
			{"host_alloc", ctx.hostAlloc},
			{"host_free", ctx.hostFree},
			{"host_state_get", ctx.hostStateGet},
			{"host_state_set", ctx.hostStateSet},
			{"host_get_tx_data", ctx.hostGetTxData},
			{"host_emit_event", ctx.hostEmitEvent},
			{"host_ipc_send", ctx.hostIPCSend},
			{"host_ipc_receive", ctx.hostIPCReceive},
			{"host_capability_check", ctx.hostCapabilityCheck},
			{"host_abort", ctx.hostAbort},
		}
		for _, f := range fns {
			if err := linker.FuncWrap("env", f.name, f.fn); err != nil {
				return fmt.Errorf("abi: link %s: %w", f.name, err)
			}
		}
		return nil
	}
}

func (c *Context) requireLog() bool {
	return c.Caps.Has(c.Module, types.Capability{Kind: types.CapLog})
}

func (c *Context) hostLog(caller *wasmtime.Caller, level, ptr, ln int32) int32 {
	if !c.requireLog() {
		return int32(PermissionDenied)
	}
	msg, err := readBytes(caller, ptr, ln)
	if err != nil {
		return int32(InvalidArg)
	}
	logger := log.WithModule(c.Module)
	switch LogLevel(level) {
	case LogDebug:
		logger.Debug().Msg(string(msg))
	case LogInfo:
		logger.Info().Msg(string(msg))
	case LogWarn:
		logger.Warn().Msg(string(msg))
	case LogError:
		logger.Error().Msg(string(msg))
	default:
		return int32(InvalidArg)
	}
	return int32(Success)
}

// hostAlloc forwards to the guest's own exported "alloc", capping the
// request at maxAllocBytes. The host never owns guest memory directly; it
// validates the request and lets the guest allocate.
func (c *Context) hostAlloc(caller *wasmtime.Caller, size int32) int32 {
	if !c.Caps.Has(c.Module, types.Capability{Kind: types.CapAllocateMemory}) {
		return 0
	}
	if size <= 0 || size > maxAllocBytes {
		return 0
	}
	ext := caller.GetExport("alloc")
	if ext == nil || ext.Func() == nil {
		return 0
	}
	raw, err := ext.Func().Call(caller, size)
	if err != nil {
		return 0
	}
	ptr, ok := raw.(int32)
	if !ok {
		return 0
	}
	return ptr
}

func (c *Context) hostFree(caller *wasmtime.Caller, ptr int32) int32 {
	if !c.Caps.Has(c.Module, types.Capability{Kind: types.CapAllocateMemory}) {
		return int32(PermissionDenied)
	}
	if ptr == 0 {
		return int32(InvalidArg)
	}
	ext := caller.GetExport("dealloc")
	if ext == nil || ext.Func() == nil {
		return int32(ErrorGeneric)
	}
	if _, err := ext.Func().Call(caller, ptr); err != nil {
		return int32(ErrorGeneric)
	}
	return int32(Success)
}

func (c *Context) hostStateGet(caller *wasmtime.Caller, kPtr, kLen, vPtr, vLenPtr int32) int32 {
	key, err := readBytes(caller, kPtr, kLen)
	if err != nil {
		return int32(InvalidArg)
	}
	path := statePath(c.Module, string(key))

	fd, err := c.VFS.Open(c.Module, path, false)
	if err != nil {
		return int32(PermissionDenied)
	}
	defer c.VFS.Close(fd)

	buf := make([]byte, 1<<20)
	n, err := c.VFS.Read(fd, buf)
	if err != nil {
		return int32(StoreError)
	}
	if n == 0 {
		return int32(NotFound)
	}
	value := buf[:n]

	outPtr, err := guestAlloc(caller, int32(len(value)))
	if err != nil {
		return int32(OutOfMemory)
	}
	if err := writeBytes(caller, outPtr, value); err != nil {
		return int32(InvalidArg)
	}
	if err := writeU32(caller, vPtr, uint32(outPtr)); err != nil {
		return int32(InvalidArg)
	}
	if err := writeU32(caller, vLenPtr, uint32(len(value))); err != nil {
		return int32(InvalidArg)
	}
	return int32(Success)
}

func (c *Context) hostStateSet(caller *wasmtime.Caller, kPtr, kLen, vPtr, vLen int32) int32 {
	key, err := readBytes(caller, kPtr, kLen)
	if err != nil {
		return int32(InvalidArg)
	}
	value, err := readBytes(caller, vPtr, vLen)
	if err != nil {
		return int32(InvalidArg)
	}
	path := statePath(c.Module, string(key))

	fd, err := c.VFS.Create(c.Module, path)
	if err != nil {
		fd, err = c.VFS.Open(c.Module, path, true)
	}
	if err != nil {
		return int32(PermissionDenied)
	}
	if _, err := c.VFS.Write(fd, value); err != nil {
		c.VFS.Close(fd)
		return int32(StoreError)
	}
	if err := c.VFS.Close(fd); err != nil {
		return int32(StoreError)
	}
	return int32(Success)
}

func (c *Context) hostGetTxData(caller *wasmtime.Caller, ptr, lenPtr int32) int32 {
	if !c.Caps.Has(c.Module, types.Capability{Kind: types.CapAccessTransaction}) {
		return int32(PermissionDenied)
	}
	c.mu.Lock()
	data := append([]byte(nil), c.txBytes...)
	c.mu.Unlock()

	outPtr, err := guestAlloc(caller, int32(len(data)))
	if err != nil {
		return int32(OutOfMemory)
	}
	if err := writeBytes(caller, outPtr, data); err != nil {
		return int32(InvalidArg)
	}
	if err := writeU32(caller, ptr, uint32(outPtr)); err != nil {
		return int32(InvalidArg)
	}
	if err := writeU32(caller, lenPtr, uint32(len(data))); err != nil {
		return int32(InvalidArg)
	}
	return int32(Success)
}

func (c *Context) hostEmitEvent(caller *wasmtime.Caller, ptr, ln int32) int32 {
	if !c.Caps.Has(c.Module, types.Capability{Kind: types.CapEmitEvent}) {
		return int32(PermissionDenied)
	}
	raw, err := readBytes(caller, ptr, ln)
	if err != nil {
		return int32(InvalidArg)
	}
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return int32(SerializationError)
	}
	if c.Recorder != nil {
		c.Recorder.Record(events.Event{
			Type:       we.Type,
			Module:     c.Module,
			Height:     c.Height,
			Attributes: we.Attributes,
		})
	}
	return int32(Success)
}

func (c *Context) hostIPCSend(caller *wasmtime.Caller, modPtr, modLen, msgPtr, msgLen int32) int32 {
	target, err := readBytes(caller, modPtr, modLen)
	if err != nil {
		return int32(InvalidArg)
	}
	if !c.Caps.Has(c.Module, types.Capability{Kind: types.CapSendMessage, Param: string(target)}) {
		return int32(PermissionDenied)
	}
	payload, err := readBytes(caller, msgPtr, msgLen)
	if err != nil {
		return int32(InvalidArg)
	}
	if c.Sender == nil {
		return int32(InvalidOperation)
	}
	if err := c.Sender.Send(c.Module, string(target), payload); err != nil {
		return int32(StoreError)
	}
	return int32(Success)
}

func (c *Context) hostIPCReceive(caller *wasmtime.Caller, bufPtr, bufLen, actualLenPtr int32) int32 {
	if c.Receiver == nil {
		return int32(Success)
	}
	msg, ok := c.Receiver.Receive(c.Module)
	if !ok {
		return int32(writeU32Code(caller, actualLenPtr, 0))
	}
	n := len(msg)
	if int32(n) > bufLen {
		n = int(bufLen)
	}
	if err := writeBytes(caller, bufPtr, msg[:n]); err != nil {
		return int32(InvalidArg)
	}
	if err := writeU32(caller, actualLenPtr, uint32(len(msg))); err != nil {
		return int32(InvalidArg)
	}
	return int32(Success)
}

func writeU32Code(caller *wasmtime.Caller, ptr int32, v uint32) ResultCode {
	if err := writeU32(caller, ptr, v); err != nil {
		return InvalidArg
	}
	return Success
}

func (c *Context) hostCapabilityCheck(caller *wasmtime.Caller, ptr, ln int32) int32 {
	raw, err := readBytes(caller, ptr, ln)
	if err != nil {
		return int32(InvalidArg)
	}
	parsed, err := types.ParseCapability(string(raw))
	if err != nil {
		return int32(InvalidArg)
	}
	if !c.Caps.Has(c.Module, parsed) {
		return int32(PermissionDenied)
	}
	return int32(Success)
}

func (c *Context) hostAbort(caller *wasmtime.Caller, ptr, ln int32) *wasmtime.Trap {
	msg, err := readBytes(caller, ptr, ln)
	if err != nil {
		msg = []byte("abort: invalid message")
	}
	c.writeStderr(msg)
	return wasmtime.NewTrap(string(msg))
}
