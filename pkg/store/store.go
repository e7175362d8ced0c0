// Package store provides the local message caches the client core reads
// and writes. Messages are keyed by bare room JID and capped to a recent
// window per room.
package store

import (
	"errors"

	"github.com/aeolun/chatcore/pkg/model"
)

// DefaultWindow is the number of recent messages kept per room.
const DefaultWindow = 200

var ErrClosed = errors.New("store: closed")

// MessageStore is the persistence collaborator of the client core.
type MessageStore interface {
	// LoadMessages returns the cached messages of room, oldest first.
	LoadMessages(room string) ([]model.Message, error)
	// SaveMessages merges msgs into the cache of room.
	SaveMessages(room string, msgs []model.Message) error
}
