// Package store defines persistence for channel session state and the
// settlement result archive. Channels are ephemeral shared state: Redis is
// the production store, with an in-memory implementation for tests and
// development. Settlement results are archived in PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quantrush/invest-engine/internal/model"
)

// ErrChannelNotFound is returned when a channel id has no record.
var ErrChannelNotFound = errors.New("store: channel not found")

// ChannelStore is the key-value repository of Channel entities. Updates
// are full replacements; callers own the read-modify-write cycle.
type ChannelStore interface {
	// Create persists a new channel. Fails if the id already exists.
	Create(ctx context.Context, c *model.Channel) error

	// Get retrieves a channel by id, or ErrChannelNotFound.
	Get(ctx context.Context, id string) (*model.Channel, error)

	// Update replaces the stored channel wholesale.
	Update(ctx context.Context, c *model.Channel) error

	// Delete removes a channel. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all channels.
	List(ctx context.Context) ([]*model.Channel, error)
}

// ResultArchive records final standings per settled round. Writes are
// best-effort from the registry's perspective: an archive failure never
// aborts a settlement.
type ResultArchive interface {
	// InsertResults appends one settled round's standings.
	InsertResults(ctx context.Context, channelID string, settledAt time.Time, results []model.GameResult) error

	// ListResultsByUser returns a user's archived standings, newest first.
	ListResultsByUser(ctx context.Context, userID int64) ([]ArchivedResult, error)
}

// ArchivedResult is one persisted standing row.
type ArchivedResult struct {
	ID        string           `json:"id"`
	ChannelID string           `json:"channel_id"`
	SettledAt time.Time        `json:"settled_at"`
	Result    model.GameResult `json:"result"`
}
