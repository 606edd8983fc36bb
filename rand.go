package rpchub

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/glycerine/base58"
)

// returns r >= 0
func cryptoRandNonNegInt64() (r int64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	panicOn(err)
	r = int64(binary.LittleEndian.Uint64(b))
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// return r in [0, nChoices) without the bias of a bare
// modulo, by rejection sampling. nChoices must be > 1.
func cryptoRandNonNegInt64Range(nChoices int64) (r int64) {
	if nChoices <= 1 {
		panic(fmt.Sprintf("nChoices must be in [2, MaxInt64]; we see %v", nChoices))
	}
	if nChoices == math.MaxInt64 {
		return cryptoRandNonNegInt64()
	}
	// accept all values <= redrawAbove, modulo nChoices.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)

	for {
		r = cryptoRandNonNegInt64()
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}

// cryptoRandInt64RangePosOrNeg returns r in
// [-largestPositiveChoice, largestPositiveChoice].
// largestPositiveChoice must be in [1, MaxInt64/2).
func cryptoRandInt64RangePosOrNeg(largestPositiveChoice int64) (r int64) {
	if largestPositiveChoice < 1 || largestPositiveChoice >= (math.MaxInt64>>1) {
		panic(fmt.Sprintf("cryptoRandInt64RangePosOrNeg: largestPositiveChoice out of range: %v", largestPositiveChoice))
	}
	r = cryptoRandNonNegInt64Range(1 + (largestPositiveChoice << 1))
	return -largestPositiveChoice + r
}

// newSessionID makes a random, url-safe session name
// for connections that arrive without one.
func newSessionID() string {
	var by [16]byte
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return base58.Encode(by[:])
}
