package crypto

// 64-bit linear congruential generator, constants per spec §4.5 step 7
// (the PCG/Newlib multiplier-increment pair): deterministic, reproducible
// from the same seed on both sides of the round trip.
const (
	lcgMultiplier uint64 = 6364136223846793005
	lcgIncrement  uint64 = 1442695040888963407
)

type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	return &lcg{state: seed}
}

func (g *lcg) next() uint64 {
	g.state = g.state*lcgMultiplier + lcgIncrement
	return g.state
}

// swap is one Fisher-Yates transposition.
type swap struct {
	i, j int
}

// genSwaps replays the Fisher-Yates shuffle's decision sequence for n
// elements under seed, without touching any buffer. Recording the
// sequence separately from applying it lets decode invert the shuffle by
// replaying the identical swaps in reverse order.
func genSwaps(n int, seed uint64) []swap {
	if n < 2 {
		return nil
	}
	rng := newLCG(seed)
	swaps := make([]swap, 0, n-1)
	for i := n - 1; i > 0; i-- {
		j := int(rng.next() % uint64(i+1))
		swaps = append(swaps, swap{i: i, j: j})
	}
	return swaps
}

// applyPermutation performs the forward shuffle (spec §4.5 step 7).
func applyPermutation(buf []byte, swaps []swap) {
	for _, s := range swaps {
		buf[s.i], buf[s.j] = buf[s.j], buf[s.i]
	}
}

// invertPermutation undoes applyPermutation given the same swap sequence:
// re-applying the identical transpositions in reverse order composes to
// the identity (spec §4.5 "decryption... invert the permutation").
func invertPermutation(buf []byte, swaps []swap) {
	for k := len(swaps) - 1; k >= 0; k-- {
		s := swaps[k]
		buf[s.i], buf[s.j] = buf[s.j], buf[s.i]
	}
}
