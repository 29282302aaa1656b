// Package credentials implements thread-safe rotation over a list of
// API credentials with versioned client handles.
package credentials

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

// Factory builds an API client bound to one credential.
type Factory func(key string) (crawl.APIClient, error)

// Handle is a client bound to the credential that was active when the
// handle was issued. A handle is stale the instant the pool rotates;
// callers must revalidate through Pool.Client before each use.
type Handle struct {
	Client  crawl.APIClient
	version int
	index   int
}

// Index returns the ordinal of the credential behind the handle,
// for log context.
func (h *Handle) Index() int {
	if h == nil {
		return -1
	}
	return h.index
}

// Pool rotates over credentials. The active index never moves backward
// and the version counter strictly increases on every rotation.
type Pool struct {
	mu      sync.Mutex
	keys    []string
	active  int
	version int
	factory Factory
	logger  *zap.Logger

	// client is the constructed client for the current version, shared
	// by every handle issued at that version so concurrent callers do
	// not build redundant clients.
	client        crawl.APIClient
	clientVersion int
}

// New creates a Pool starting at credential startIndex.
func New(keys []string, startIndex int, factory Factory, logger *zap.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if startIndex < 0 || startIndex >= len(keys) {
		startIndex = 0
	}
	return &Pool{
		keys:          keys,
		active:        startIndex,
		factory:       factory,
		logger:        logger,
		clientVersion: -1,
	}, nil
}

// Client returns a handle bound to the active credential. If the given
// handle is still current it is returned unchanged; otherwise a fresh
// handle is issued under the pool lock, constructing the client at most
// once per version. Returns ErrPoolExhausted when no credentials remain.
func (p *Pool) Client(h *Handle) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h != nil && h.version == p.version {
		return h, nil
	}
	if p.active >= len(p.keys) {
		return nil, crawl.ErrPoolExhausted
	}
	if p.client == nil || p.clientVersion != p.version {
		client, err := p.factory(p.keys[p.active])
		if err != nil {
			return nil, fmt.Errorf("build api client: %w", err)
		}
		p.client = client
		p.clientVersion = p.version
	}
	return &Handle{Client: p.client, version: p.version, index: p.active}, nil
}

// TryAdvance rotates to the next credential only if observedIndex still
// equals the active index, so N callers hitting exhaustion on the same
// credential rotate once, not N times. Returns false when no credentials
// remain.
func (p *Pool) TryAdvance(observedIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active > observedIndex {
		// Another caller already rotated past the point this caller
		// observed; its next Client call picks up the new credential.
		return p.active < len(p.keys)
	}
	if p.active != observedIndex {
		return false
	}
	p.active++
	if p.active >= len(p.keys) {
		return false
	}
	p.version++
	p.logger.Info("credential rotated",
		zap.Int("active_index", p.active),
		zap.Int("version", p.version),
	)
	return true
}

// Reset returns the pool to the first credential, invalidating every
// outstanding handle. Called after the daily quota reset.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == 0 {
		return
	}
	p.active = 0
	p.version++
	p.logger.Info("credential pool reset", zap.Int("version", p.version))
}

// ActiveIndex returns the current active credential ordinal.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Version returns the current rotation version.
func (p *Pool) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.keys)
}
