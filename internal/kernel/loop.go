// Kernel event loop (spec.md §4.D): one task, single-threaded cooperative
// inside its own scope. Every envelope — whether from a process host, a
// runtime endpoint, or the network — passes through here so capability
// checks and routing are enforced uniformly (spec.md §8: "for all envelopes
// delivered to target T with source S on the local node, either S is
// kernel/filesystem, T.public is true, or T holds a messaging capability
// issued by S").
package kernel

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/fsendpoint"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// BytecodeLoader resolves a PersistedProcess.BytecodeHandle to the wasm
// bytes for StartProcess/RebootProcess. The package drive's internals are
// out of scope (spec.md §1); this is the narrow interface the kernel
// actually needs against it.
type BytecodeLoader interface {
	Load(handle string) ([]byte, error)
}

// NetworkSender delivers an envelope to a non-local node; returning an
// error marks the target offline for SendError purposes. This is the
// kernel's view of the "net" runtime endpoint (spec.md §1: networking
// transport internals are out of scope; only this interface is specified).
type NetworkSender interface {
	Send(types.KernelMessage) error
}

// processEntry is one row of the kernel's in-memory process-handles table
// (spec.md §3 "Lifecycle & ownership").
type processEntry struct {
	host      *ProcessHost
	cancel    context.CancelFunc
	persisted types.PersistedProcess
}

// hostExit is delivered on a dedicated channel when a process host task
// returns, successfully or not; the loop is the only place that reacts to
// it (spec.md §4.D "on-panic handling").
type hostExit struct {
	pid types.ProcessID
	err error
}

// Loop is the kernel's single event-loop task.
type Loop struct {
	kctx   *Context
	fs     *fsendpoint.Endpoint
	loader BytecodeLoader
	net    NetworkSender
	log    *logrus.Entry

	envelopes chan types.KernelMessage // the main envelope channel
	netErrors chan types.SendError     // errors reported by the network endpoint
	debug     chan bool                // toggles step-mode
	exits     chan hostExit

	processes  map[types.ProcessID]*processEntry
	processMap types.ProcessMap

	stepMode bool
}

// New builds a Loop. Call LoadProcessMap beforehand to seed it from the
// filesystem endpoint, and Run to start serving.
func New(kctx *Context, fs *fsendpoint.Endpoint, loader BytecodeLoader, net NetworkSender) *Loop {
	return &Loop{
		kctx:       kctx,
		fs:         fs,
		loader:     loader,
		net:        net,
		log:        kctx.Log.WithField("component", "kernel"),
		envelopes:  make(chan types.KernelMessage, 1024),
		netErrors:  make(chan types.SendError, 64),
		debug:      make(chan bool, 1),
		exits:      make(chan hostExit, 64),
		processes:  make(map[types.ProcessID]*processEntry),
		processMap: make(types.ProcessMap),
	}
}

// Envelopes returns the channel sends targeting this node's kernel routing
// table should use; process hosts' toLoop channel is this channel.
func (l *Loop) Envelopes() chan<- types.KernelMessage { return l.envelopes }

// LoadProcessMap seeds the in-memory table from the filesystem endpoint; it
// does not restart any processes (that is RebootProcess's job, issued
// explicitly by whatever starts the node).
func (l *Loop) LoadProcessMap() error {
	pm, err := l.fs.LoadProcessMap()
	if err != nil {
		return err
	}
	l.processMap = pm
	return nil
}

// Run drains, in priority order per iteration: the debug channel, the
// network-error channel, and the main envelope channel (spec.md §4.D). The
// capability oracle itself runs as its own task (internal/capstore.Store.Run)
// so there is nothing to drain for it here.
func (l *Loop) Run(ctx context.Context) {
	for {
		// Debug and network-error channels are drained ahead of the main
		// envelope channel whenever both are ready, approximating the
		// priority order of spec.md §4.D.
		select {
		case v := <-l.debug:
			l.stepMode = v
			continue
		case se := <-l.netErrors:
			l.deliverNetworkError(se)
			continue
		case exit := <-l.exits:
			l.handleExit(exit)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			l.shutdownAll()
			return
		case v := <-l.debug:
			l.stepMode = v
		case se := <-l.netErrors:
			l.deliverNetworkError(se)
		case exit := <-l.exits:
			l.handleExit(exit)
		case km := <-l.envelopes:
			l.handleEnvelope(km)
		}
	}
}

// deliverNetworkError routes a transport-level failure to the local process
// that is waiting on it, if that process is still live (spec.md §4.D).
func (l *Loop) deliverNetworkError(se types.SendError) {
	entry, ok := l.processes[se.Source.Process]
	if !ok {
		return
	}
	entry.host.DeliverSendError(se, 0)
}

// handleEnvelope applies the routing and capability checks of spec.md §4.D
// to every envelope before delivery.
func (l *Loop) handleEnvelope(km types.KernelMessage) {
	// 1. Non-local target: source must hold the network capability.
	if km.Target.Node != l.kctx.OurNode {
		if !l.kctx.CapStore.Has(km.Source.Process, types.NetworkCap(l.kctx.OurNode)) {
			l.log.WithField("source", km.Source).Warn("dropped: source lacks network capability")
			return
		}
		if l.net == nil {
			l.log.Warn("dropped: no network endpoint configured")
			return
		}
		if err := l.net.Send(km); err != nil {
			l.log.WithError(err).Debug("network send failed")
			if km.Message.Request != nil && km.Message.Request.ExpectsResponse != nil {
				l.netErrors <- types.SendError{Kind: types.SendErrorOffline, Source: km.Source, Target: km.Target}
			}
		}
		return
	}

	// 2. Kernel-addressed: source node must be ours.
	if km.Target.Process == types.RuntimeProcessID(types.ProcKernel) {
		if km.Source.Node != l.kctx.OurNode {
			l.log.Warn("dropped: remote source tried to address kernel directly")
			return
		}
		if km.Message.Request != nil {
			l.handleKernelCommand(km)
		} else if km.Message.Response != nil {
			l.handleKernelResponse(km)
		}
		return
	}

	// 3. Local delivery, runtime endpoint: the filesystem/eth/timer/net
	// endpoints are registered on the bus (RegisterEndpoint), not the
	// process-handles table, and enforce their own access control where
	// they need to (e.g. the eth provider's AccessSettings) rather than
	// going through the messaging-capability gate below (spec.md §2's
	// data-flow: "forwards... to a runtime endpoint such as the ethereum
	// provider or the filesystem").
	if l.kctx.Bus.IsRuntimeEndpoint(km.Target.Process) {
		if err := l.kctx.Bus.Route(km); err != nil {
			l.log.WithField("target", km.Target).Debug("dropped: no such runtime endpoint")
		}
		return
	}

	// 4. Local delivery, process host: messaging-capability check, unless
	// source is kernel/filesystem or the target is public.
	entry, ok := l.processes[km.Target.Process]
	if !ok {
		l.log.WithField("target", km.Target).Debug("dropped: no such process")
		return
	}
	sourceIsPrivileged := km.Source.Process == types.RuntimeProcessID(types.ProcKernel) ||
		km.Source.Process == types.RuntimeProcessID(types.ProcFilesystem)
	if !sourceIsPrivileged && !entry.persisted.Public {
		needed := types.MessagingCap(km.Target)
		if !l.kctx.CapStore.Has(km.Source.Process, needed) {
			l.log.WithFields(logrus.Fields{"source": km.Source, "target": km.Target}).
				Debug("dropped: source lacks messaging capability")
			return
		}
	}

	// 5. On a local Request, auto-grant the target messaging authority over
	// the source, if it doesn't already have it.
	if km.Message.Request != nil {
		auto := types.MessagingCap(km.Source)
		if !l.kctx.CapStore.Has(km.Target.Process, auto) {
			l.kctx.CapStore.Add(km.Target.Process, auto)
			l.persistProcessMap()
		}
	}

	entry.host.Deliver(km)
}

// persistProcessMap mirrors the current process table into l.processMap and
// writes it via the filesystem endpoint (spec.md §4.D).
func (l *Loop) persistProcessMap() {
	for pid, e := range l.processes {
		pp := e.persisted
		pp.Capabilities = l.kctx.CapStore.GetAll(pid)
		l.processMap[pid] = pp
	}
	if err := l.fs.SetProcessMap(l.processMap); err != nil {
		l.log.WithError(err).Error("failed to persist process map")
	}
}

func (l *Loop) shutdownAll() {
	for _, e := range l.processes {
		e.cancel()
	}
}
