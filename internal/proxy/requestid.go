package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// Request ids are monotonic within a process so event ordering is obvious in
// captures; the salt keeps ids from colliding across restarts.
var (
	ridSalt = newSalt()
	ridSeq  atomic.Uint64
)

func newSalt() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

func newRequestID() string {
	return fmt.Sprintf("req_%s_%d", ridSalt, ridSeq.Add(1))
}
