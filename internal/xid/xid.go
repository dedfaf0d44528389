package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "idem-3f1c...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Token returns a 32-char opaque token without dashes.
func Token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
