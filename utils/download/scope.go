package download

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/harwoeck/liblog/contract"
	"go.uber.org/atomic"

	"azoo.dev/utils/cache"
)

// Scope is a held acquisition of a Context's lock. Properties may only be
// read and written through a Scope.
type Scope struct {
	c      *Context
	owner  *owner
	ctx    context.Context
	exited atomic.Bool
}

// Context returns a context.Context that identifies the scope's owner. Pass it
// to Context.Enter (or Context.Do, Set, Get) to nest scopes without blocking.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Exit releases this scope's hold on the lock. The lock is handed to another
// owner once all nested scopes of the current owner exited. Calling Exit more
// than once has no effect.
func (s *Scope) Exit() {
	if !s.exited.CompareAndSwap(false, true) {
		return
	}
	s.c.lock.unlock(s.owner)
}

// Set sets the property name to value.
func (s *Scope) Set(name string, value interface{}) error {
	if err := s.check(); err != nil {
		return err
	}
	if reserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedProperty, name)
	}

	s.c.propsMu.Lock()
	defer s.c.propsMu.Unlock()

	s.c.properties[name] = value
	return nil
}

// Get returns the property name. It fails with ErrAttributeMissing if the
// property was never set.
func (s *Scope) Get(name string) (interface{}, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.c.propsMu.RLock()
	value, ok := s.c.properties[name]
	s.c.propsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAttributeMissing, name)
	}
	return value, nil
}

// Delete removes the property name. Deleting a missing property is a no-op.
func (s *Scope) Delete(name string) error {
	if err := s.check(); err != nil {
		return err
	}
	if reserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedProperty, name)
	}

	s.c.propsMu.Lock()
	defer s.c.propsMu.Unlock()

	delete(s.c.properties, name)
	return nil
}

// GetOrGenerate returns the property name. If it isn't set yet generate is
// called and its value is stored under name. Errors of generate are returned
// unchanged and nothing is stored. Go routines sharing one owner that miss the
// same name concurrently wait for a single generate call.
func (s *Scope) GetOrGenerate(name string, generate func() (interface{}, error)) (interface{}, error) {
	value, err := s.Get(name)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrAttributeMissing) {
		return nil, err
	}

	value, err, _ = s.c.generating.Do(name, func() (interface{}, error) {
		// a caller sharing our owner may have finished generating meanwhile
		if value, err := s.Get(name); err == nil {
			return value, nil
		}

		s.c.log.Debug("property missing. Generating it", logger.NewField("name", name))

		value, err := generate()
		if err != nil {
			return nil, err
		}
		if err = s.Set(name, value); err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Cache returns the cache embedded in the Context.
func (s *Scope) Cache() *cache.Cache {
	return s.c.cache
}

func (s *Scope) check() error {
	if s.exited.Load() || !s.c.lock.heldBy(s.owner) {
		return ErrScopeExited
	}
	return nil
}
