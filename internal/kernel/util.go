package kernel

import "math/rand"

// randomID returns a fresh u64 correlation id for kernel-originated
// envelopes (reboot-on-panic, scripted on-panic requests) that are not
// replies to anything the recipient already knows an id for.
func randomID() uint64 { return rand.Uint64() }
