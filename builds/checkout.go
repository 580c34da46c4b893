package builds

import (
	"context"
	"fmt"
	"sync"
)

// Checkout is a scoped acquisition of a cached build. The directory at
// Path() stays on disk for as long as the checkout is held; eviction never
// touches a checked-out build.
//
// Callers must call Release on every exit path, typically with defer.
// Release is idempotent, so releasing after an error path that already
// released is safe.
type Checkout struct {
	manager   *Manager
	changeset string
	client    string
	path      string

	once sync.Once
	err  error
}

// newCheckout hands out a live reference to a cached build.
func (m *Manager) newCheckout(changeset, client string) *Checkout {
	return &Checkout{
		manager:   m,
		changeset: changeset,
		client:    client,
		path:      m.buildPath(changeset),
	}
}

// Path returns the build directory.
func (c *Checkout) Path() string {
	return c.path
}

// Changeset returns the revision the checked-out build corresponds to.
func (c *Checkout) Changeset() string {
	return c.changeset
}

// Release drops this checkout's in-use reference, making the build eligible
// for eviction again. Only the first call does anything; later calls return
// the first call's result.
func (c *Checkout) Release() error {
	c.once.Do(func() { c.err = c.release() })

	return c.err
}

func (c *Checkout) release() error {
	// Release must succeed even when the surrounding operation was
	// canceled; a leaked in-use row pins the build forever.
	ctx := context.Background()

	err := c.manager.store.Release(ctx, c.manager.prefix, c.changeset, c.client)
	if err != nil {
		return fmt.Errorf("release build: %w", err)
	}

	return nil
}
