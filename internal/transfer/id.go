package transfer

import "github.com/google/uuid"

// NewTransferID mints a fresh TransferId: an opaque, uniformly random
// token well over the minimum 6 printable characters. Backed by
// github.com/google/uuid's v4 generator (already wired for Event Bus
// IDs), which is pure crypto/rand under the hood and carries no
// timestamp/machine/counter structure to leak — a transfer id has no
// ordering to expose, unlike a sortable id generator.
func NewTransferID() string {
	return uuid.NewString()
}
