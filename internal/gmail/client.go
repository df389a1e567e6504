package gmail

import "context"

// Client is the narrow Gmail surface required by gmailtail.
type Client interface {
	// List returns one page of message ids matching q.
	List(ctx context.Context, q Query, pageToken string, pageSize int64) (ListPage, error)
	// GetFull fetches a single message and normalizes it.
	GetFull(ctx context.Context, id MessageID) (Message, error)
}
