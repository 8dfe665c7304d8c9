package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "ord-6f1c...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
