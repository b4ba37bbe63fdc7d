package types

import (
	"errors"
	"fmt"
)

// Error kinds from spec.md §7. These are sentinel errors compared with
// errors.Is, following the same "errors.New + fmt.Errorf wrap" idiom the
// teacher uses throughout core/*.go rather than a custom error interface.
var (
	ErrOffline              = errors.New("offline")
	ErrTimeout              = errors.New("timeout")
	ErrMalformedRequest     = errors.New("malformed request")
	ErrInvalidMethod        = errors.New("invalid method")
	ErrNoRPCForChain        = errors.New("no rpc provider for chain")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNoCap                = errors.New("no capability for operation")
	ErrRPCMalformedResponse = errors.New("malformed rpc response")
	ErrRPCTimeout           = errors.New("rpc timeout")
	ErrNameTaken            = errors.New("process name taken")
	ErrNoFileAtPath         = errors.New("no file at path")
)

// SendErrorKind classifies why a Request the process sent could not be
// completed; delivered to the originator in place of the Response.
type SendErrorKind uint8

const (
	SendErrorOffline SendErrorKind = iota
	SendErrorTimeout
)

func (k SendErrorKind) String() string {
	switch k {
	case SendErrorOffline:
		return "offline"
	case SendErrorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SendError is delivered to the originator of a failed Request (spec.md §7).
// Source identifies which local process is waiting on it, for routing by
// the kernel loop; Target is the address the Request could not reach.
type SendError struct {
	Kind    SendErrorKind
	Source  Address
	Target  Address
	Message Message
	Payload *Payload
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %s", e.Target, e.Kind)
}

// RPCError wraps an upstream JSON-RPC error value returned by a provider.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
