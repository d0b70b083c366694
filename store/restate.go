package store

import (
	"context"

	restate "github.com/restatedev/sdk-go"
)

// RestateStorage exposes the state of a Restate virtual object as
// DurableStorage. Restate runs exclusive handlers of one object key one at
// a time, which is the single-writer guarantee DurableStore relies on.
//
// It must be created per invocation from the handler's ObjectContext; the
// ctx arguments of its methods are ignored in favour of that context.
type RestateStorage struct {
	ctx restate.ObjectContext
}

// NewRestateStorage wraps the state of the invoked virtual object.
func NewRestateStorage(ctx restate.ObjectContext) *RestateStorage {
	return &RestateStorage{ctx: ctx}
}

// NewRestateStore is a DurableStore over the invoked virtual object's state.
func NewRestateStore(ctx restate.ObjectContext, opts ...Option) *DurableStore {
	return NewDurableStore(NewRestateStorage(ctx), opts...)
}

// Get reads the raw value stored under key in the object state.
func (s *RestateStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, err := restate.Get[[]byte](s.ctx, key)
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		return nil, false, nil
	}
	return value, true, nil
}

// Put writes value under key in the object state.
func (s *RestateStorage) Put(_ context.Context, key string, value []byte) error {
	restate.Set(s.ctx, key, value)
	return nil
}

// Delete clears key from the object state.
func (s *RestateStorage) Delete(_ context.Context, key string) error {
	restate.Clear(s.ctx, key)
	return nil
}

// Keys lists every key set in the object state.
func (s *RestateStorage) Keys(_ context.Context) ([]string, error) {
	return restate.Keys(s.ctx)
}

var _ DurableStorage = (*RestateStorage)(nil)
