// Package random produces the seeds carried by the randomize event.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}

	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// DeterministicSeed hashes a root seed and label into a non-zero seed so
// replayed sessions bootstrap the same world.
func DeterministicSeed(root, label string) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(root))
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return int64(sum)
}

// Source returns a seed function for the engine. An empty root draws from
// crypto/rand; otherwise every call yields the next seed in a fixed series.
func Source(root string) func() (int64, error) {
	if root == "" {
		return NewSeed
	}
	var calls int
	return func() (int64, error) {
		calls++
		return DeterministicSeed(root, fmt.Sprintf("bootstrap-%d", calls)), nil
	}
}
