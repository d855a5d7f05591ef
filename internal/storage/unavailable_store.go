package storage

import "context"

// UnavailableStore stands in when no backend could be opened. Every call
// fails with ErrStoreUnavailable so callers fall back to live loading.
type UnavailableStore struct {
	// Cause is why the real backend could not be opened, if any
	Cause error
}

var _ Store = UnavailableStore{}

func (u UnavailableStore) err() error {
	if u.Cause != nil {
		return &unavailableError{cause: u.Cause}
	}
	return ErrStoreUnavailable
}

type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return ErrStoreUnavailable.Error() + ": " + e.cause.Error() }
func (e *unavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
func (e *unavailableError) Unwrap() error { return e.cause }

// Backend implements Store
func (UnavailableStore) Backend() string { return "none" }

// Version implements Store
func (u UnavailableStore) Version(context.Context) (int, error) { return 0, u.err() }

// Get implements Store
func (u UnavailableStore) Get(context.Context, string, string) (Record, error) {
	return Record{}, u.err()
}

// GetByIndex implements Store
func (u UnavailableStore) GetByIndex(context.Context, string, string, string) ([]Record, error) {
	return nil, u.err()
}

// GetAll implements Store
func (u UnavailableStore) GetAll(context.Context, string) ([]Record, error) { return nil, u.err() }

// Put implements Store
func (u UnavailableStore) Put(context.Context, string, Record) error { return u.err() }

// PutBatch implements Store
func (u UnavailableStore) PutBatch(context.Context, string, []Record) error { return u.err() }

// Delete implements Store
func (u UnavailableStore) Delete(context.Context, string, string) error { return u.err() }

// Clear implements Store
func (u UnavailableStore) Clear(context.Context, string) error { return u.err() }

// DeleteExpired implements Store
func (u UnavailableStore) DeleteExpired(context.Context, string, int64) (int, error) {
	return 0, u.err()
}

// Reset implements Store
func (u UnavailableStore) Reset(context.Context) error { return u.err() }

// Close implements Store
func (UnavailableStore) Close() error { return nil }

// IsAvailable reports whether s is backed by a real store
func IsAvailable(s Store) bool {
	if s == nil {
		return false
	}
	_, unavailable := s.(UnavailableStore)
	return !unavailable
}
