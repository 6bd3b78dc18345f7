package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// idGenerator produces request IDs that are monotonic within a process,
// per spec.md §9: a 64-bit counter plus a process-random salt, so event
// ordering is trivially diagnosable from the log without a clock.
type idGenerator struct {
	salt    uint32
	counter uint64
}

func newIDGenerator() *idGenerator {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return &idGenerator{salt: binary.BigEndian.Uint32(b[:])}
}

func (g *idGenerator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%08x-%016x", g.salt, n)
}
