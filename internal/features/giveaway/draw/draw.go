// Package draw implements the deterministic fairness draw. The same inputs
// always produce the same winners, seed hash and eligible hash, so any third
// party holding the eligible pool can re-run the draw and compare it against
// the persisted commitments. The generator is intentionally non-cryptographic:
// the contract is reproducibility, not unpredictability against someone who
// can already read the database.
package draw

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// xorshift32 is degenerate at zero state; substitute a fixed constant when
// the seed prefix happens to be zero.
const zeroSeedFallback uint32 = 0x9E3779B9

// Result carries the drawn winners in placement order plus the audit
// commitments persisted alongside them.
type Result struct {
	// Winners in draw order; draw order is placement order, 1-indexed.
	Winners []int64
	// SeedHash is H(seed), a commitment verifiable after the fact without
	// revealing the seed ahead of time.
	SeedHash string
	// EligibleHash is H over the sorted, comma-joined eligible user IDs.
	EligibleHash string
}

// Draw selects min(winnersCount, len(eligibleUserIDs)) unique winners from
// the pool. It is a pure function: no wall clock, no external randomness.
// Eligible IDs are sorted ascending before hashing so the commitment is a
// function of the eligible set, not of store iteration order.
func Draw(giveawayID string, endsAtISO string, eligibleUserIDs []int64, winnersCount int) Result {
	sorted := make([]int64, len(eligibleUserIDs))
	copy(sorted, eligibleUserIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	eligibleHash := hashString(joinIDs(sorted))
	seed := hashString(fmt.Sprintf("gw:%s|ends:%s|eligible:%s", giveawayID, endsAtISO, eligibleHash))
	seedHash := hashString(seed)

	rng := newXorshift32(seedPrefix(seed))

	count := winnersCount
	if count > len(sorted) {
		count = len(sorted)
	}
	if count < 0 {
		count = 0
	}

	pool := make([]int64, len(sorted))
	copy(pool, sorted)

	winners := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		idx := int(rng.nextFloat() * float64(len(pool)))
		if idx >= len(pool) {
			idx = len(pool) - 1
		}
		winners = append(winners, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return Result{
		Winners:      winners,
		SeedHash:     seedHash,
		EligibleHash: eligibleHash,
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// seedPrefix takes the first 4 bytes of the hex-encoded seed's underlying
// digest as the generator state.
func seedPrefix(seedHex string) uint32 {
	raw, err := hex.DecodeString(seedHex)
	if err != nil || len(raw) < 4 {
		// seed is always a hex sha256 digest; unreachable in practice
		return zeroSeedFallback
	}
	return binary.BigEndian.Uint32(raw[:4])
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

type xorshift32 struct {
	state uint32
}

func newXorshift32(seed uint32) *xorshift32 {
	if seed == 0 {
		seed = zeroSeedFallback
	}
	return &xorshift32{state: seed}
}

func (x *xorshift32) next() uint32 {
	s := x.state
	s ^= s << 13
	s ^= s >> 17
	s ^= s << 5
	x.state = s
	return s
}

// nextFloat returns the next value in [0, 1).
func (x *xorshift32) nextFloat() float64 {
	return float64(x.next()) / 4294967296.0
}
