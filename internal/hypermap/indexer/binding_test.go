package indexer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBindingPowerExpiredYieldsZero(t *testing.T) {
	lock := Lock{User: "alice", Value: big.NewInt(1_000_000), EndTime: 100}
	bind := Bind{User: "alice", Namehash: "0xapp", EndTime: 200}
	got := bindingPower(lock, bind, 150) // effective_end = min(100,200) = 100 <= now
	require.Equal(t, "0", got.RatString())
}

func TestBindingPowerPositiveForActiveLock(t *testing.T) {
	lock := Lock{User: "alice", Value: big.NewInt(1_000_000), EndTime: 1_010_000_000}
	bind := Bind{User: "alice", Namehash: "0xapp", EndTime: 1_010_000_000}
	got := bindingPower(lock, bind, 1_000_000_000)
	require.True(t, got.Sign() > 0, "expected positive contribution, got %s", got.FloatString(6))
}

func TestBindingPowerUsesMinDurationFloor(t *testing.T) {
	now := int64(1_000_000_000)
	lock := Lock{User: "alice", Value: big.NewInt(1_000_000), EndTime: now + 10} // much shorter than MIN_LOCK_DURATION
	bind := Bind{User: "alice", Namehash: "0xapp", EndTime: now + 10}
	short := bindingPower(lock, bind, now)

	lockFloor := Lock{User: "alice", Value: big.NewInt(1_000_000), EndTime: now + MinLockDuration.Int64()}
	bindFloor := Bind{User: "alice", Namehash: "0xapp", EndTime: now + MinLockDuration.Int64()}
	floor := bindingPower(lockFloor, bindFloor, now)

	require.Equal(t, floor.RatString(), short.RatString(), "durations below MIN_LOCK_DURATION should be floored to it")
}
