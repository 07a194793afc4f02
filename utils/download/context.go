// Package download provides a download Context: a lock guarded property bag
// that concurrent downloads use to share expensive resources such as HTTP
// sessions and authentication tokens. Every Context owns a cache.Cache for
// auxiliary objects.
//
// Access happens inside a Scope. Entering a Scope acquires the context's lock,
// which is reentrant per logical owner: the context.Context returned by
// Scope.Context identifies the owner, and entering again with it (or any
// context derived from it) nests instead of blocking.
//
//	var token interface{}
//	err := dlCtx.Do(ctx, func(s *download.Scope) (err error) {
//		token, err = s.GetOrGenerate("token", generateToken)
//		return err
//	})
//
// Because generation happens while the lock is held, a value is generated
// exactly once per Context, no matter how many downloads race for it.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logger "github.com/harwoeck/liblog/contract"
	"golang.org/x/sync/singleflight"

	"azoo.dev/utils/cache"
)

// Names reserved for the embedded cache and the context lock. Using them as
// property names fails with ErrReservedProperty.
const (
	CacheProperty = "cache"
	MutexProperty = "MUTEX"
)

var (
	// ErrAttributeMissing is returned when reading a property that was never
	// set. Returned errors wrap it together with the property name.
	ErrAttributeMissing = errors.New("download: attribute missing")
	// ErrReservedProperty is returned when a property name collides with a
	// reserved name.
	ErrReservedProperty = errors.New("download: property name is reserved")
	// ErrScopeExited is returned when using a Scope after Exit was called.
	ErrScopeExited = errors.New("download: scope already exited")
)

// Config provides options for a Context. The zero value (or nil) is valid.
type Config struct {
	// Cache configures the embedded cache. nil results in cache defaults.
	Cache *cache.Config
	// Evicted is called for every object evicted from the embedded cache, e.g.
	// to close HTTP sessions.
	Evicted cache.EvictedFunc
}

// Context is a shared, lock guarded set of named properties plus one cache.
type Context struct {
	log        logger.Logger
	lock       *ownerLock
	cache      *cache.Cache
	properties map[string]interface{}

	// the owner lock admits every go routine sharing an owner, so the map
	// needs its own mutex
	propsMu    sync.RWMutex
	generating singleflight.Group
}

type ownerKey struct {
	c *Context
}

// New creates a new Context with the initial properties set. It fails if a
// property uses one of the reserved names.
func New(properties map[string]interface{}, config *Config, log logger.Logger) (*Context, error) {
	if config == nil {
		config = &Config{}
	}

	c := &Context{
		log:        log.Named("download"),
		lock:       newOwnerLock(),
		properties: make(map[string]interface{}, len(properties)),
	}

	var err error
	c.cache, err = cache.New(config.Cache, config.Evicted, log)
	if err != nil {
		return nil, fmt.Errorf("download: failed to create cache: %w", err)
	}

	err = c.Do(context.Background(), func(s *Scope) error {
		for name, value := range properties {
			if err := s.Set(name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.cache.Close()
		return nil, err
	}

	return c, nil
}

// Enter acquires the context's lock and returns the resulting Scope. If ctx
// already owns the lock (it is or derives from Scope.Context) the scope is
// nested and Enter returns immediately. Otherwise Enter blocks until the lock
// is available or ctx is done.
func (c *Context) Enter(ctx context.Context) (*Scope, error) {
	o, _ := ctx.Value(ownerKey{c}).(*owner)
	if o == nil {
		o = &owner{}
		ctx = context.WithValue(ctx, ownerKey{c}, o)
	}

	if err := c.lock.lock(ctx, o); err != nil {
		return nil, fmt.Errorf("download: failed to enter context: %w", err)
	}

	return &Scope{c: c, owner: o, ctx: ctx}, nil
}

// Do enters a Scope, runs fn inside it and exits the Scope afterwards, even
// if fn panics.
func (c *Context) Do(ctx context.Context, fn func(s *Scope) error) error {
	s, err := c.Enter(ctx)
	if err != nil {
		return err
	}
	defer s.Exit()

	return fn(s)
}

// Set sets a property inside its own (possibly nested) Scope.
func (c *Context) Set(ctx context.Context, name string, value interface{}) error {
	return c.Do(ctx, func(s *Scope) error {
		return s.Set(name, value)
	})
}

// Get reads a property inside its own (possibly nested) Scope.
func (c *Context) Get(ctx context.Context, name string) (value interface{}, err error) {
	err = c.Do(ctx, func(s *Scope) error {
		value, err = s.Get(name)
		return err
	})
	return
}

// Close closes the embedded cache: the reaper stops and every object that
// isn't leased is handed to Config.Evicted before Close returns.
func (c *Context) Close() {
	c.cache.Close()
}

func reserved(name string) bool {
	return name == CacheProperty || name == MutexProperty
}
