package authctx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
)

// EventSource is satisfied by auth.Client.
type EventSource interface {
	OnAuthStateChange(fn func(identity.Event)) (unsubscribe func())
}

// SessionStore is the part of session.Store the registry needs.
type SessionStore interface {
	Get(ctx context.Context, sid string) (*identity.Session, error)
	ClearTemp(ctx context.Context, sid string) error
}

// Registry keeps one Provider per live session id.
type Registry struct {
	ensurer  Ensurer
	loader   Loader
	store    SessionStore
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	providers map[string]*Provider
	unsub     func()
}

func NewRegistry(interval time.Duration, ensurer Ensurer, loader Loader, store SessionStore, clock clockwork.Clock, logger *zap.SugaredLogger) *Registry {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		ensurer:   ensurer,
		loader:    loader,
		store:     store,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		providers: map[string]*Provider{},
	}
}

// Attach follows auth events: a sign-in opens a provider, a refresh swaps
// its tokens, a sign-out closes it.
func (r *Registry) Attach(src EventSource) {
	r.unsub = src.OnAuthStateChange(r.handle)
}

func (r *Registry) handle(ev identity.Event) {
	if ev.Session == nil {
		return
	}
	switch ev.Type {
	case identity.EventSignedIn:
		p := r.newProvider()
		r.mu.Lock()
		old := r.providers[ev.Session.ID]
		r.providers[ev.Session.ID] = p
		r.mu.Unlock()
		if old != nil {
			go old.Close()
		}
		p.SignIn(ev.Session)
	case identity.EventTokenRefreshed, identity.EventUserUpdated:
		if p, ok := r.Get(ev.Session.ID); ok {
			p.Refresh(ev.Session)
		}
	case identity.EventSignedOut:
		r.mu.Lock()
		p := r.providers[ev.Session.ID]
		delete(r.providers, ev.Session.ID)
		r.mu.Unlock()
		if p != nil {
			p.SignOut(context.Background())
			go p.Close()
		}
	}
}

func (r *Registry) newProvider() *Provider {
	return NewProvider(r.interval, r.ensurer, r.loader, r.store, r.clock, r.logger)
}

// Get returns the provider for sid, if one is open.
func (r *Registry) Get(sid string) (*Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[sid]
	return p, ok
}

// ForSession returns the provider for sid, starting one by probing the
// session store when none is open (e.g. after a restart).
func (r *Registry) ForSession(ctx context.Context, sid string) *Provider {
	r.mu.Lock()
	if p, ok := r.providers[sid]; ok {
		r.mu.Unlock()
		return p
	}
	p := r.newProvider()
	r.providers[sid] = p
	r.mu.Unlock()

	p.Start(ctx, func(ctx context.Context) (*identity.Session, error) {
		return r.store.Get(ctx, sid)
	})
	if p.State().Status != StatusAuthenticated {
		r.mu.Lock()
		if r.providers[sid] == p {
			delete(r.providers, sid)
		}
		r.mu.Unlock()
	}
	return p
}

// Sweep closes providers whose session no longer exists in the store.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	closed := 0
	for _, id := range ids {
		_, err := r.store.Get(ctx, id)
		if !errors.Is(err, session.ErrNotFound) {
			continue
		}
		r.mu.Lock()
		p := r.providers[id]
		delete(r.providers, id)
		r.mu.Unlock()
		if p != nil {
			p.SignOut(ctx)
			p.Close()
			closed++
		}
	}
	return closed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Infow("closed expired auth contexts", "count", n)
			}
		}
	}
}

// Len reports the number of open providers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// Close detaches from the event source and stops every provider.
func (r *Registry) Close() {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	ps := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	r.providers = map[string]*Provider{}
	r.mu.Unlock()
	for _, p := range ps {
		p.Close()
	}
}
