// Package types defines the wire-level data model shared by the kernel,
// the message bus, the capability store and every runtime endpoint:
// addresses, messages, envelopes and capabilities (spec.md §3).
package types

import "fmt"

// ProcessID is the canonical (process, package, publisher_node) triple.
// Two ProcessIDs are equal iff all three parts match byte-for-byte.
type ProcessID struct {
	Process   string
	Package   string
	Publisher string
}

// String renders the canonical "process:package:publisher" form.
func (p ProcessID) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Process, p.Package, p.Publisher)
}

// Well-known process names for the distinguished runtime endpoints the
// kernel dispatches to directly instead of a sandboxed process host.
const (
	ProcKernel     = "kernel"
	ProcFilesystem = "filesystem"
	ProcNet        = "net"
	ProcHTTPServer = "http-server"
	ProcHTTPClient = "http-client"
	ProcVFS        = "vfs"
	ProcTimer      = "timer"
	ProcEth        = "eth"
)

// RuntimeProcessID builds the ProcessID of a distinguished runtime endpoint;
// these are owned by the publisher "sys" and package "distro".
func RuntimeProcessID(name string) ProcessID {
	return ProcessID{Process: name, Package: "distro", Publisher: "sys"}
}

// IsRuntime reports whether p names one of the well-known runtime endpoints.
func (p ProcessID) IsRuntime() bool {
	switch p.Process {
	case ProcKernel, ProcFilesystem, ProcNet, ProcHTTPServer, ProcHTTPClient, ProcVFS, ProcTimer, ProcEth:
		return true
	default:
		return false
	}
}

// Address is (node_name, process_identifier).
type Address struct {
	Node    string
	Process ProcessID
}

// String renders "node@process:package:publisher".
func (a Address) String() string {
	return fmt.Sprintf("%s@%s", a.Node, a.Process.String())
}

// Equal compares two addresses field-by-field.
func (a Address) Equal(b Address) bool {
	return a.Node == b.Node && a.Process == b.Process
}

// KernelAddress builds the address of the kernel on node.
func KernelAddress(node string) Address {
	return Address{Node: node, Process: RuntimeProcessID(ProcKernel)}
}
