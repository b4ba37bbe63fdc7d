// Package procvm adapts a wasmer-go sandbox instance to the kernel's
// process host (spec.md §4.C): "guest code in a process host calls a host
// primitive". The guest module exports a single "_start" entrypoint and a
// linear "memory"; it imports one host function, "host_call", through which
// every guest-facing primitive in spec.md §4.C's table is dispatched as a
// tagged JSON command. This generalizes the teacher's per-primitive
// host_read/host_write/host_log import style (core/virtual_machine.go's
// HeavyVM.Execute/registerHost) into one exhaustive tagged enum, per the
// DESIGN NOTES re-architecture of "dynamic-typed JSON message bodies".
package procvm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// HostCall is the op tag a guest module sends through host_call. It mirrors
// the guest-facing primitive table of spec.md §4.C exactly.
type HostCall string

const (
	CallSendRequest          HostCall = "send_request"
	CallSendResponse         HostCall = "send_response"
	CallSendAndAwaitResponse HostCall = "send_and_await_response"
	CallReceive              HostCall = "receive"
	CallGetPayload           HostCall = "get_payload"
	CallGetState             HostCall = "get_state"
	CallSetState             HostCall = "set_state"
	CallClearState           HostCall = "clear_state"
	CallSpawn                HostCall = "spawn"
	CallGetCapability        HostCall = "get_capability"
	CallGetCapabilities      HostCall = "get_capabilities"
	CallAttachCapability     HostCall = "attach_capability"
	CallSaveCapabilities     HostCall = "save_capabilities"
	CallHasCapability        HostCall = "has_capability"
	CallCreateCapability     HostCall = "create_capability"
)

// Envelope is the wire shape of a host_call request/response pair. Op
// selects the primitive; Body is the tagged command's JSON payload, opaque
// to this package (the process host parses it per spec.md §4.C).
type Envelope struct {
	Op   HostCall        `json:"op"`
	Body json.RawMessage `json:"body"`
}

// Host is implemented by the process host; it serves one guest_call per
// invocation and returns the JSON-encoded result the guest should see.
type Host interface {
	HandleHostCall(Envelope) (json.RawMessage, error)
}

// Module wraps one instantiated sandbox. A Module is owned by exactly one
// process host for its lifetime (spec.md §4.C/§5: "the host owns one
// sandboxed module instance").
type Module struct {
	engine   *wasmer.Engine
	store    *wasmer.Store
	instance *wasmer.Instance
	mem      *wasmer.Memory
	host     Host
}

// scratchSize is the size, in bytes, of the guest-writable scratch region
// reserved at the start of linear memory for host_call request/response
// marshalling. Bytecode built against this ABI must reserve it too.
const scratchSize = 1 << 16

// Load compiles bytecode and instantiates it against host, wiring the single
// host_call import. It does not run the guest yet; call Run for that.
func Load(bytecode []byte, host Host) (*Module, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	mod, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		return nil, fmt.Errorf("procvm: compile module: %w", err)
	}

	m := &Module{engine: engine, store: store, host: host}

	importObject := wasmer.NewImportObject()
	hostCall := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			return []wasmer.Value{wasmer.NewI32(m.dispatch(ptr, ln))}, nil
		},
	)
	importObject.Register("env", map[string]wasmer.IntoExtern{
		"host_call": hostCall,
	})

	instance, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		return nil, fmt.Errorf("procvm: instantiate: %w", err)
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, errors.New("procvm: wasm memory export missing")
	}
	m.instance = instance
	m.mem = mem
	return m, nil
}

// dispatch reads a request Envelope from guest memory at [ptr:ptr+ln),
// forwards it to the host, writes the JSON reply back into the scratch
// region, and returns the reply's length (or -1 on error). This is the
// wasmer import trampoline; guest code is expected to read the result back
// from offset 0 of the scratch region.
func (m *Module) dispatch(ptr, ln int32) int32 {
	data := m.mem.Data()
	if int(ptr)+int(ln) > len(data) {
		return -1
	}
	raw := make([]byte, ln)
	copy(raw, data[ptr:ptr+ln])

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return -1
	}
	reply, err := m.host.HandleHostCall(env)
	if err != nil {
		reply, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if len(reply) > scratchSize {
		return -1
	}
	copy(data[0:], reply)
	return int32(len(reply))
}

// Run invokes the guest's "_start" export. It blocks until the guest
// returns or traps; the process host runs this inside its own task
// (spec.md §5: "each process runs cooperatively as one logical task").
func (m *Module) Run() error {
	start, err := m.instance.Exports.GetFunction("_start")
	if err != nil {
		return errors.New("procvm: _start function required")
	}
	_, err = start()
	return err
}

// Close releases the wasmer store and instance.
func (m *Module) Close() {
	if m.instance != nil {
		m.instance.Close()
	}
}
