package postgres

import (
	"crypto/rand"
	"encoding/hex"
)

func newLeaseOwner() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
