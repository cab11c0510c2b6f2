package authctx

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/completeness"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	pentity "github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
	sentity "github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
)

type Status string

const (
	StatusLoading         Status = "loading"
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticated   Status = "authenticated"
)

// State is a snapshot of one session's auth context. Profile, Security and
// Preferences load independently of Status and may stay nil.
type State struct {
	Status       Status                    `json:"status"`
	Session      *identity.Session         `json:"-"`
	User         *identity.Identity        `json:"user,omitempty"`
	Profile      *pentity.Profile          `json:"profile"`
	Security     *sentity.SecuritySettings `json:"security"`
	Preferences  *sentity.Preferences      `json:"preferences"`
	Completeness *completeness.Result      `json:"completeness,omitempty"`
	LoadErrors   []string                  `json:"load_errors,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	if s.Session != nil {
		cp := *s.Session
		out.Session = &cp
		u := cp.Identity
		out.User = &u
	}
	if s.Profile != nil {
		cp := *s.Profile
		out.Profile = &cp
	}
	if s.Security != nil {
		cp := *s.Security
		out.Security = &cp
	}
	if s.Preferences != nil {
		cp := *s.Preferences
		out.Preferences = &cp
	}
	if s.Completeness != nil {
		cp := *s.Completeness
		out.Completeness = &cp
	}
	out.LoadErrors = append([]string(nil), s.LoadErrors...)
	return out
}

// Ensurer is satisfied by *completeness.Service.
type Ensurer interface {
	Ensure(ctx context.Context, id identity.Identity, force bool) completeness.Result
}

// Loader is satisfied by *Fetcher.
type Loader interface {
	Load(ctx context.Context, userID string) Data
}

// TempClearer drops a session's temporary storage.
type TempClearer interface {
	ClearTemp(ctx context.Context, sid string) error
}

// SessionLookup looks up the current session once at start-up.
type SessionLookup func(ctx context.Context) (*identity.Session, error)

// Provider is the auth context state machine for one session:
// loading, then unauthenticated or authenticated.
type Provider struct {
	ensurer  Ensurer
	loader   Loader
	temp     TempClearer
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	subs   map[int]chan State
	nextID int
	wg     sync.WaitGroup
}

func NewProvider(interval time.Duration, ensurer Ensurer, loader Loader, temp TempClearer, clock clockwork.Clock, logger *zap.SugaredLogger) *Provider {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Provider{
		ensurer:  ensurer,
		loader:   loader,
		temp:     temp,
		clock:    clock,
		interval: interval,
		logger:   logger,
		state:    State{Status: StatusLoading, UpdatedAt: clock.Now()},
		subs:     map[int]chan State{},
	}
}

// Start resolves the loading state by looking up a session once. Lookup
// errors are logged and leave the provider unauthenticated.
func (p *Provider) Start(ctx context.Context, lookup SessionLookup) {
	s, err := lookup(ctx)
	if err != nil || s == nil {
		if err != nil {
			p.logger.Debugw("session lookup found nothing", "err", err)
		}
		p.mu.Lock()
		p.state = State{Status: StatusUnauthenticated, UpdatedAt: p.clock.Now()}
		snap := p.state.clone()
		p.mu.Unlock()
		p.publish(snap)
		return
	}
	p.SignIn(s)
}

// SignIn marks the provider authenticated immediately, then checks, repairs
// and loads the user's records in the background and re-checks every
// interval until sign-out.
func (p *Provider) SignIn(s *identity.Session) {
	cp := *s
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.state = State{Status: StatusAuthenticated, Session: &cp, UpdatedAt: p.clock.Now()}
	snap := p.state.clone()
	p.mu.Unlock()
	p.publish(snap)

	p.wg.Add(1)
	go p.run(ctx, cp)
}

// Refresh swaps in new tokens for the current session.
func (p *Provider) Refresh(s *identity.Session) {
	p.mu.Lock()
	if p.state.Session == nil || p.state.Session.ID != s.ID {
		p.mu.Unlock()
		return
	}
	cp := *s
	p.state.Session = &cp
	p.state.UpdatedAt = p.clock.Now()
	snap := p.state.clone()
	p.mu.Unlock()
	p.publish(snap)
}

// SignOut clears the in-memory records, stops background work and clears
// the session's temporary storage.
func (p *Provider) SignOut(ctx context.Context) {
	p.mu.Lock()
	var sid string
	if p.state.Session != nil {
		sid = p.state.Session.ID
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.state = State{Status: StatusUnauthenticated, UpdatedAt: p.clock.Now()}
	snap := p.state.clone()
	p.mu.Unlock()

	if sid != "" && p.temp != nil {
		if err := p.temp.ClearTemp(ctx, sid); err != nil {
			p.logger.Warnw("clear temp storage failed", "sid", sid, "err", err)
		}
	}
	p.publish(snap)
}

// State returns a copy of the current state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers miss intermediate states, never the last one.
func (p *Provider) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Close stops background work and waits for it to exit.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Provider) publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.clone()
	}
}

func (p *Provider) run(ctx context.Context, s identity.Session) {
	defer p.wg.Done()
	p.refresh(ctx, s, true)

	t := p.clock.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			p.refresh(ctx, s, false)
		}
	}
}

// refresh runs the non-forced completeness check and reloads the records
// when something may have changed.
func (p *Provider) refresh(ctx context.Context, s identity.Session, first bool) {
	res := p.ensurer.Ensure(ctx, s.Identity, false)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	missing := p.state.Profile == nil || p.state.Security == nil || p.state.Preferences == nil
	p.mu.Unlock()
	reload := first || missing || (!res.Throttled && res.ActionTaken != completeness.ActionComplete)

	var d Data
	if reload {
		d = p.loader.Load(ctx, s.Identity.ID)
		if ctx.Err() != nil {
			return
		}
	}

	p.mu.Lock()
	if p.state.Status != StatusAuthenticated || p.state.Session == nil || p.state.Session.ID != s.ID {
		p.mu.Unlock()
		return
	}
	if !res.Throttled {
		p.state.Completeness = &res
	}
	if reload {
		p.state.Profile = d.Profile
		p.state.Security = d.Security
		p.state.Preferences = d.Preferences
		p.state.LoadErrors = d.Errors
	}
	p.state.UpdatedAt = p.clock.Now()
	snap := p.state.clone()
	p.mu.Unlock()
	p.publish(snap)
}
