package indexer

import "math/big"

// Binding-power constants (spec.md §4.F). Durations in seconds.
var (
	MinLockDuration = big.NewInt(4 * 7 * 24 * 60 * 60)                           // 4 weeks
	MaxLockDuration = new(big.Int).Mul(big.NewInt(4*52), big.NewInt(7*24*60*60)) // 4*52 weeks

	bPow = new(big.Int).Mul(pow10(27), big.NewInt(2)) // B = 2e27

	cDur = new(big.Int).Div(MinLockDuration, big.NewInt(100))                       // C = MIN_LOCK_DURATION / 100
	dDur = new(big.Int).Mul(new(big.Int).Mul(big.NewInt(2), cDur), MaxLockDuration) // D = 2*C*MAX_LOCK_DURATION
)

func pow10(n int) *big.Int {
	ten := big.NewInt(10)
	r := big.NewInt(1)
	for i := 0; i < n; i++ {
		r.Mul(r, ten)
	}
	return r
}

// bindingPower computes one bind's contribution to its app's total binding
// power, per spec.md §4.F's formula, operating on big.Int/big.Rat for
// saturating, overflow-free arithmetic over potentially very large staked
// values.
//
//	effective_end      = min(lock.end_time, bind.end_time)
//	if effective_end <= now: contribution = 0
//	remaining_duration = effective_end - now
//	duration           = max(remaining_duration, MIN_LOCK_DURATION)
//	value_term         = value - value^2 / B
//	duration_term      = duration/C - duration^2 / D
//	contribution       = value_term * duration_term
func bindingPower(lock Lock, bind Bind, now int64) *big.Rat {
	effectiveEnd := lock.EndTime
	if bind.EndTime < effectiveEnd {
		effectiveEnd = bind.EndTime
	}
	if effectiveEnd <= now {
		return big.NewRat(0, 1)
	}
	remaining := big.NewInt(effectiveEnd - now)
	duration := remaining
	if duration.Cmp(MinLockDuration) < 0 {
		duration = new(big.Int).Set(MinLockDuration)
	}

	value := lock.Value
	if value == nil {
		value = big.NewInt(0)
	}
	valueSquared := new(big.Int).Mul(value, value)
	valueTerm := new(big.Rat).Sub(
		new(big.Rat).SetInt(value),
		new(big.Rat).SetFrac(valueSquared, bPow),
	)

	durationSquared := new(big.Int).Mul(duration, duration)
	durationTerm := new(big.Rat).Sub(
		new(big.Rat).SetFrac(duration, cDur),
		new(big.Rat).SetFrac(durationSquared, dDur),
	)

	contribution := new(big.Rat).Mul(valueTerm, durationTerm)
	if contribution.Sign() < 0 {
		return big.NewRat(0, 1)
	}
	return contribution
}

// AppBindingPower sums bindingPower across every bind recorded for
// namehash, resolving each bind's user lock from the store (spec.md §4.F:
// "the indexer joins binds for that namehash with the binding user's
// current lock"). Returns the total as a decimal string, used to sort app
// lists descending.
func (s *Store) AppBindingPower(namehash string, now int64) (string, error) {
	binds, err := s.BindsForNamehash(namehash)
	if err != nil {
		return "0", err
	}
	total := big.NewRat(0, 1)
	for _, b := range binds {
		lock, err := s.GetLock(b.User)
		if err != nil {
			return "0", err
		}
		if lock == nil {
			continue
		}
		total.Add(total, bindingPower(*lock, b, now))
	}
	return total.FloatString(18), nil
}
