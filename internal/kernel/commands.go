package kernel

import (
	"encoding/json"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// CommandOp tags a Request sent to the kernel's own process id. Per the
// DESIGN NOTES re-architecture of "dynamic-typed JSON message bodies", this
// is an exhaustive tagged enum; an unrecognized or malformed tag counts as
// MalformedRequest at this endpoint, not a runtime error.
type CommandOp string

const (
	OpStartProcess  CommandOp = "StartProcess"
	OpRebootProcess CommandOp = "RebootProcess"
	OpKillProcess   CommandOp = "KillProcess"
	OpShutdown      CommandOp = "Shutdown"
)

// Command is the envelope for every kernel command (spec.md §4.D).
type Command struct {
	Op CommandOp `json:"op"`

	// StartProcess fields.
	ID                  types.ProcessID          `json:"id,omitempty"`
	BytecodeHandle      string                   `json:"bytecode_handle,omitempty"`
	OnPanic             *types.OnPanic           `json:"on_panic,omitempty"`
	InitialCapabilities []types.SignedCapability `json:"initial_capabilities,omitempty"`
	Public              bool                     `json:"public,omitempty"`

	// RebootProcess.
	Persisted *types.PersistedProcess `json:"persisted,omitempty"`
}

// CommandReplyOp tags the kernel's response to a Command.
type CommandReplyOp string

const (
	ReplyStartedProcess CommandReplyOp = "StartedProcess"
	ReplyKilledProcess  CommandReplyOp = "KilledProcess"
	ReplyErr            CommandReplyOp = "Err"
)

// CommandReply is the body of the kernel's Response to a Command.
type CommandReply struct {
	Op    CommandReplyOp  `json:"op"`
	ID    types.ProcessID `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
}

func marshalReply(r CommandReply) []byte {
	b, _ := json.Marshal(r)
	return b
}
