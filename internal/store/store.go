package store

import "context"

// Store is the append-only alert store. Append assigns the record's
// position in the hash chain; Query returns matching records most
// recent first.
type Store interface {
	Append(ctx context.Context, record *Record) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
