package kagura

import "context"

// Entry is one stored key and value.
type Entry struct {
	Key   string
	Value []byte
}

// Tx is the view of the store inside one transaction.
type Tx interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is the abstract persistence contract used by modules and the
// settings store.
//
// Get returns ErrNotFound for missing keys. Update runs fn atomically and
// discards every write when fn returns an error.
type Store interface {
	Tx
	List(ctx context.Context, prefix string) ([]Entry, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
