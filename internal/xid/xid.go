package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUID string. It is the id format for every stored record.
func New() string {
	return uuid.NewString()
}

// Prefixed returns prefix-<uuid>, used for keys that share a namespace.
func Prefixed(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
