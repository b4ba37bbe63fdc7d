package kernel

import (
	"context"
	"encoding/json"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/bus"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/procvm"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// handleKernelCommand parses and executes a Request addressed to the
// kernel's own process id (spec.md §4.D "Kernel commands").
func (l *Loop) handleKernelCommand(km types.KernelMessage) {
	var cmd Command
	if err := json.Unmarshal(km.Message.Request.Body, &cmd); err != nil {
		l.replyErr(km, types.ErrMalformedRequest)
		return
	}
	switch cmd.Op {
	case OpStartProcess:
		l.cmdStartProcess(km, cmd)
	case OpRebootProcess:
		l.cmdRebootProcess(km, cmd)
	case OpKillProcess:
		l.cmdKillProcess(km, cmd)
	case OpShutdown:
		l.shutdownAll()
	default:
		l.replyErr(km, types.ErrMalformedRequest)
	}
}

// handleKernelResponse reacts to Responses addressed to the kernel itself,
// e.g. a reply from a runtime endpoint the loop itself requested something
// from. There is currently nothing the loop awaits this way; unmatched
// responses are simply logged and dropped.
func (l *Loop) handleKernelResponse(km types.KernelMessage) {
	l.log.WithField("source", km.Source).Debug("kernel received unsolicited response")
}

func (l *Loop) replyIfExpected(km types.KernelMessage, reply CommandReply) {
	if km.Message.Request.ExpectsResponse == nil {
		return
	}
	resp := types.Response{Body: marshalReply(reply)}
	target := km.Source
	if km.Rsvp != nil {
		target = *km.Rsvp
	}
	l.envelopes <- types.KernelMessage{
		ID:      km.ID,
		Source:  l.kctx.KernelAddr(),
		Target:  target,
		Message: types.Message{Response: &resp},
	}
}

func (l *Loop) replyErr(km types.KernelMessage, err error) {
	l.replyIfExpected(km, CommandReply{Op: ReplyErr, Error: err.Error()})
}

// cmdStartProcess validates each signed initial capability against our own
// public key, constructs the process host, spawns its task, and updates and
// persists the process map (spec.md §4.D).
func (l *Loop) cmdStartProcess(km types.KernelMessage, cmd Command) {
	if _, exists := l.processes[cmd.ID]; exists {
		l.replyErr(km, types.ErrNameTaken)
		return
	}
	var bytecode []byte
	if km.Payload != nil {
		bytecode = km.Payload.Bytes
	}
	if bytecode == nil && cmd.BytecodeHandle != "" && l.loader != nil {
		b, err := l.loader.Load(cmd.BytecodeHandle)
		if err != nil {
			l.replyErr(km, types.ErrNoFileAtPath)
			return
		}
		bytecode = b
	}

	caps := make([]types.Capability, 0, len(cmd.InitialCapabilities))
	for _, sc := range cmd.InitialCapabilities {
		pub, ok := l.kctx.ProcessPubKeys.PublicKeyOf(sc.Capability.Issuer.Node)
		if !ok || !sc.Verify(pub) {
			continue
		}
		caps = append(caps, sc.Capability)
		l.kctx.CapStore.Add(cmd.ID, sc.Capability)
	}

	onPanic := types.OnPanic{Kind: types.OnPanicNone}
	if cmd.OnPanic != nil {
		onPanic = *cmd.OnPanic
	}
	persisted := types.PersistedProcess{
		BytecodeHandle: cmd.BytecodeHandle,
		OnPanic:        onPanic,
		Capabilities:   caps,
		Public:         cmd.Public,
	}

	l.spawn(cmd.ID, persisted, bytecode)
	l.processMap[cmd.ID] = persisted
	l.persistProcessMap()
	l.replyIfExpected(km, CommandReply{Op: ReplyStartedProcess, ID: cmd.ID})
}

// spawn registers pid's channel on the bus, builds its host, and runs the
// loaded module in its own goroutine, reporting its exit on l.exits.
func (l *Loop) spawn(pid types.ProcessID, persisted types.PersistedProcess, bytecode []byte) {
	recv := l.kctx.Bus.RegisterProcess(pid, bus.DefaultCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	host := NewProcessHost(l.kctx, pid, recv, l.envelopes)
	l.processes[pid] = &processEntry{host: host, cancel: cancel, persisted: persisted}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.exits <- hostExit{pid: pid, err: errRecovered(r)}
			}
		}()
		mod, err := procvm.Load(bytecode, host)
		if err != nil {
			l.exits <- hostExit{pid: pid, err: err}
			return
		}
		defer mod.Close()
		done := make(chan error, 1)
		go func() { done <- mod.Run() }()
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			l.exits <- hostExit{pid: pid, err: err}
		}
	}()
}

// cmdRebootProcess reloads bytecode and re-instantiates a process that was
// persisted but is not currently running; it never re-runs a process that
// is already present (spec.md §4.D).
func (l *Loop) cmdRebootProcess(km types.KernelMessage, cmd Command) {
	if _, exists := l.processes[cmd.ID]; exists {
		l.replyIfExpected(km, CommandReply{Op: ReplyStartedProcess, ID: cmd.ID})
		return
	}
	if cmd.Persisted == nil {
		l.replyErr(km, types.ErrMalformedRequest)
		return
	}
	var bytecode []byte
	if l.loader != nil {
		b, err := l.loader.Load(cmd.Persisted.BytecodeHandle)
		if err != nil {
			l.replyErr(km, types.ErrNoFileAtPath)
			return
		}
		bytecode = b
	}
	for _, c := range cmd.Persisted.Capabilities {
		l.kctx.CapStore.Add(cmd.ID, c)
	}
	l.spawn(cmd.ID, *cmd.Persisted, bytecode)
	l.processMap[cmd.ID] = *cmd.Persisted
	l.persistProcessMap()
	l.replyIfExpected(km, CommandReply{Op: ReplyStartedProcess, ID: cmd.ID})
}

// cmdKillProcess aborts the host task, removes the bus route and the
// ProcessMap entry, and persists (spec.md §4.D).
func (l *Loop) cmdKillProcess(km types.KernelMessage, cmd Command) {
	l.killProcess(cmd.ID)
	l.replyIfExpected(km, CommandReply{Op: ReplyKilledProcess, ID: cmd.ID})
}

func (l *Loop) killProcess(pid types.ProcessID) {
	entry, ok := l.processes[pid]
	if !ok {
		return
	}
	entry.cancel()
	delete(l.processes, pid)
	l.kctx.Bus.Deregister(pid)
	delete(l.processMap, pid)
	l.persistProcessMap()
}

// handleExit implements spec.md §4.D's failure semantics: gather the dying
// process's capability set, kill it, then dispatch its on-panic policy.
func (l *Loop) handleExit(e hostExit) {
	entry, ok := l.processes[e.pid]
	if !ok {
		return // already killed explicitly; nothing to do
	}
	persisted := entry.persisted
	persisted.Capabilities = l.kctx.CapStore.GetAll(e.pid)

	l.killProcess(e.pid)

	if e.err == nil {
		return
	}
	l.log.WithError(e.err).WithField("pid", e.pid).Warn("process host exited")

	switch persisted.OnPanic.Kind {
	case types.OnPanicNone:
		// no-op
	case types.OnPanicRestart:
		l.spawnSelfReboot(e.pid, persisted)
	case types.OnPanicRequests:
		for _, sr := range persisted.OnPanic.Requests {
			req := sr.Request
			req.ExpectsResponse = nil
			l.envelopes <- types.KernelMessage{
				ID:      randomID(),
				Source:  types.Address{Node: l.kctx.OurNode, Process: e.pid},
				Target:  sr.Target,
				Message: types.Message{Request: &req},
				Payload: sr.Payload,
			}
		}
	}
}

// spawnSelfReboot emits a self-addressed RebootProcess command, mirroring
// the original kernel's panic-restart path exactly (original_source/src/
// kernel/mod.rs: "tell ourselves to init the app again, with same
// capabilities").
func (l *Loop) spawnSelfReboot(pid types.ProcessID, persisted types.PersistedProcess) {
	body, _ := json.Marshal(Command{Op: OpRebootProcess, ID: pid, Persisted: &persisted})
	l.envelopes <- types.KernelMessage{
		ID:      randomID(),
		Source:  l.kctx.KernelAddr(),
		Target:  l.kctx.KernelAddr(),
		Message: types.Message{Request: &types.Request{Body: body}},
	}
}

func errRecovered(r any) error {
	return &panicError{v: r}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "process panicked" }
