package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

const (
	// DefaultWatchdogTimeout bounds a reconciliation pass. A stuck
	// loading/verifying UI must never persist past this window.
	DefaultWatchdogTimeout = 10 * time.Second

	// DefaultRefreshInterval is how often we force a fresh identity token
	// and re-validate the session against the backend.
	DefaultRefreshInterval = 50 * time.Minute
)

// Option customizes controller construction.
type Option func(*Controller)

// WithLogger overrides the controller logger.
func WithLogger(logger Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithTransitionSink sets the TransitionSink used to publish state changes.
func WithTransitionSink(sink TransitionSink) Option {
	return func(c *Controller) {
		c.sink = normalizeTransitionSink(sink)
	}
}

// WithStorage registers the client-side storage wiped during forced
// sign-out, together with the keys the rest of the application owns.
func WithStorage(storage Storage, keys ...string) Option {
	return func(c *Controller) {
		c.storage = storage
		c.storageKeys = append([]string{}, keys...)
	}
}

// WithWatchdogTimeout overrides the reconciliation watchdog window.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.watchdogTimeout = d
		}
	}
}

// WithRefreshInterval overrides the token refresh interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithCurrentProduct sets the product surface this deployment serves. The
// value is supplied by the hosting application, e.g. derived from the
// domain it runs on.
func WithCurrentProduct(product string) Option {
	return func(c *Controller) {
		c.currentProduct = product
	}
}

// Controller owns the reconciled authentication state. It listens to
// identity session-change events, syncs against the backend, manages forced
// sign-out on inconsistency, and exposes state plus actions to consuming
// code.
type Controller struct {
	identity IdentityClient
	backend  BackendClient

	storage     Storage
	storageKeys []string

	logger Logger
	sink   TransitionSink
	now    func() time.Time

	watchdogTimeout time.Duration
	refreshInterval time.Duration

	mu             sync.RWMutex
	state          State
	user           *User
	lastErr        error
	principal      Principal
	principalRef   string
	currentProduct string
	available      []string
	memberships    []Membership

	// re-entrancy guard: at most one reconciliation pass per
	// session-change event. Duplicate callbacks are dropped, and superseded
	// results are discarded here rather than through request cancellation.
	reconciling atomic.Bool

	watchdogMu       sync.Mutex
	watchdog         *time.Timer
	watchdogGen      uint64
	watchdogFiredGen uint64

	unsubscribe func()
	stopRefresh chan struct{}
	startOnce   sync.Once
	closeOnce   sync.Once
}

// NewController builds a controller around the given collaborators. Call
// Start to begin listening for session changes and Close on teardown.
func NewController(identity IdentityClient, backend BackendClient, opts ...Option) *Controller {
	c := &Controller{
		identity:        identity,
		backend:         backend,
		logger:          defLogger{},
		sink:            noopTransitionSink{},
		now:             time.Now,
		watchdogTimeout: DefaultWatchdogTimeout,
		refreshInterval: DefaultRefreshInterval,
		state:           StateInitializing,
		stopRefresh:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Start subscribes to identity session changes and starts the token refresh
// loop. It is safe to call once; subsequent calls are no-ops.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.unsubscribe = c.identity.OnSessionChange(func(p Principal) {
			if err := c.Reconcile(ctx, p); err != nil {
				c.logger.Debug("reconcile finished with error: %v", err)
			}
		})
		go c.refreshLoop(ctx)
	})
}

// Close unsubscribes from session changes and stops background timers. Any
// pending watchdog is cancelled so a stale forced sign-out cannot fire after
// teardown.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.stopRefresh)

		c.watchdogMu.Lock()
		if c.watchdog != nil {
			c.watchdog.Stop()
			c.watchdog = nil
		}
		c.watchdogGen++
		c.watchdogMu.Unlock()
	})
}

// Reconcile runs one reconciliation pass for the reported principal (nil
// means the identity session ended). If a pass is already in progress the
// call is a no-op: identity SDKs are known to deliver duplicate callbacks.
func (c *Controller) Reconcile(ctx context.Context, principal Principal) error {
	if !c.reconciling.CompareAndSwap(false, true) {
		c.logger.Debug("reconciliation already in progress, dropping duplicate session change")
		return nil
	}
	defer c.reconciling.Store(false)

	gen := c.armWatchdog(ctx)
	defer c.cancelWatchdog(gen)

	c.setPrincipal(principal)

	if principal == nil {
		c.transition(StateUnauthenticated, "identity session ended", func(c *Controller) {
			c.user = nil
			c.memberships = nil
			c.available = nil
			c.lastErr = nil
		})
		return nil
	}

	if err := c.transition(StateVerifying, "identity session reported", func(c *Controller) {
		c.user = nil
	}); err != nil {
		return err
	}

	token, err := c.identity.Token(ctx, false)
	if err != nil {
		tokenErr := goerrors.Wrap(err, goerrors.CategoryAuth, "unable to obtain identity token").
			WithTextCode(textCodeSyncFailed)
		c.transition(StateError, "identity token unavailable", func(c *Controller) {
			c.user = nil
			c.lastErr = tokenErr
		})
		if !c.watchdogFiredFor(gen) {
			c.forceIdentitySignOut(ctx, "identity token unavailable")
		}
		return tokenErr
	}

	_, err = c.sync(ctx, token, false)
	switch {
	case err == nil:
		return nil
	case IsProductNotEnabled(err):
		// identity and backend record are valid, the entitlement is not:
		// keep the session so the user can activate a product.
		return err
	case IsUserNotFound(err):
		c.logger.Info("identity session has no backend record, forcing sign out")
		if cerr := c.ClearSession(ctx); cerr != nil {
			c.logger.Error("session cleanup failed: %v", cerr)
		}
		return err
	case IsSyncTimeout(err):
		// the watchdog already forced auth_error and signed out
		return err
	default:
		if !c.watchdogFiredFor(gen) {
			c.forceIdentitySignOut(ctx, "sync failed")
		}
		return err
	}
}

// SyncSession validates the identity token against the backend with
// restoration semantics: it never provisions a new backend user for an
// existing identity session.
func (c *Controller) SyncSession(ctx context.Context, token string) (*User, error) {
	return c.sync(ctx, token, false)
}

// SyncForSignup is the one code path allowed to create a backend user. It
// must only be called from an explicit signup flow, never from passive
// session restoration, and surfaces the raw error to the caller.
func (c *Controller) SyncForSignup(ctx context.Context, token string) (*User, error) {
	return c.sync(ctx, token, true)
}

func (c *Controller) sync(ctx context.Context, token string, allowCreate bool) (*User, error) {
	reason := "session sync dispatched"
	if allowCreate {
		reason = "signup sync dispatched"
	}

	// entering syncing drops any previously confirmed user: a user is only
	// ever reported while the state is authenticated.
	if err := c.transition(StateSyncing, reason, func(c *Controller) {
		c.user = nil
	}); err != nil {
		return nil, err
	}

	user, err := c.backend.Sync(ctx, token, allowCreate)
	if err == nil {
		if verr := user.Validate(); verr != nil {
			err = goerrors.Wrap(verr, goerrors.CategoryInternal, "backend returned malformed user payload")
		}
	}

	switch {
	case err == nil:
		terr := c.transition(StateAuthenticated, "backend confirmed user", func(c *Controller) {
			c.user = user
			c.lastErr = nil
			c.memberships = c.confirmedMemberships(user)
		})
		if terr != nil {
			// the watchdog already moved us to auth_error: the result is
			// superseded and must be discarded.
			c.logger.Info("discarding stale sync result: %v", terr)
			return nil, ErrSyncTimeout
		}
		return user, nil

	case IsUserNotFound(err):
		c.transition(StateSessionOnly, "backend user record missing", func(c *Controller) {
			c.user = nil
			c.lastErr = err
		})
		return nil, err

	case IsProductNotEnabled(err):
		current, available, _ := MembershipDetails(err)
		c.transition(StateProductNotEnabled, "product membership missing", func(c *Controller) {
			c.user = nil
			c.lastErr = err
			if current != "" {
				c.currentProduct = current
			}
			c.available = available
			c.memberships = lockedMemberships(c.currentProduct, available)
		})
		return nil, err

	default:
		syncErr := c.asSyncFailure(err)
		c.transition(StateError, "sync failed", func(c *Controller) {
			c.user = nil
			c.lastErr = syncErr
		})
		return nil, syncErr
	}
}

func (c *Controller) asSyncFailure(err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		c.logger.Debug("sync failure details: %s", print.MaybePrettyJSON(richErr.Metadata))
		return err
	}

	return goerrors.Wrap(err, goerrors.CategoryOperation, "session sync failed").
		WithTextCode(textCodeSyncFailed)
}

// ClearSession is the idempotent forced logout: invalidate the server-side
// cookie, wipe client-side storage keys, sign out of the identity platform,
// and drop all derived state. Collaborator failures are logged but never
// block local cleanup.
func (c *Controller) ClearSession(ctx context.Context) error {
	if err := c.backend.Logout(ctx); err != nil {
		c.logger.Error("backend logout failed: %v", err)
	}

	if c.storage != nil && len(c.storageKeys) > 0 {
		if err := c.storage.Clear(ctx, c.storageKeys...); err != nil {
			c.logger.Error("storage cleanup failed: %v", err)
		}
	}

	if err := c.identity.SignOut(ctx); err != nil {
		c.logger.Error("identity sign out failed: %v", err)
	}

	return c.transition(StateUnauthenticated, "session cleared", func(c *Controller) {
		c.user = nil
		c.memberships = nil
		c.available = nil
		c.lastErr = nil
		c.principal = nil
		c.principalRef = ""
	})
}

// SignOut is the explicit, user-initiated logout.
func (c *Controller) SignOut(ctx context.Context) error {
	return c.ClearSession(ctx)
}

// ActivateProduct activates a product for the account and re-syncs with a
// fresh token to confirm the membership now satisfies backend checks. It
// reports false on any failure so the caller can keep showing an activation
// surface.
func (c *Controller) ActivateProduct(ctx context.Context, product string) bool {
	if product == "" {
		return false
	}

	if err := c.backend.ActivateProduct(ctx, product); err != nil {
		c.logger.Error("product activation failed: %v", err)
		return false
	}

	token, err := c.identity.Token(ctx, true)
	if err != nil {
		c.logger.Error("unable to refresh token after activation: %v", err)
		return false
	}

	if _, err := c.SyncSession(ctx, token); err != nil {
		c.logger.Error("post-activation sync failed: %v", err)
		return false
	}

	return true
}

func (c *Controller) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopRefresh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshToken(ctx)
		}
	}
}

// refreshToken forces a fresh identity token and re-validates the session.
// A failure here is fatal to the session, with one exception: a membership
// gap proves the identity is still good and must not bounce the user to
// login.
func (c *Controller) refreshToken(ctx context.Context) {
	if c.Principal() == nil {
		return
	}

	token, err := c.identity.Token(ctx, true)
	if err == nil {
		_, err = c.SyncSession(ctx, token)
	}

	if err == nil || IsProductNotEnabled(err) {
		return
	}

	c.logger.Error("token refresh failed, ending session: %v", err)
	c.forceIdentitySignOut(ctx, "token refresh failed")
}

func (c *Controller) forceIdentitySignOut(ctx context.Context, reason string) {
	if err := c.identity.SignOut(ctx); err != nil {
		c.logger.Error("identity sign out failed (%s): %v", reason, err)
	}
}

// transition is the only place state changes. mutate runs under the state
// lock so derived fields stay consistent with the state value.
func (c *Controller) transition(to State, reason string, mutate func(*Controller)) error {
	c.mu.Lock()
	from := c.state

	if from == to {
		if mutate != nil {
			mutate(c)
		}
		c.mu.Unlock()
		return nil
	}

	if !canTransition(from, to) {
		c.mu.Unlock()
		terr := ErrInvalidTransition.Clone()
		if terr == nil {
			return ErrInvalidTransition
		}
		return terr.WithMetadata(map[string]any{
			"from":   from,
			"to":     to,
			"reason": reason,
		})
	}

	c.state = to
	if mutate != nil {
		mutate(c)
	}
	ref := c.principalRef
	c.mu.Unlock()

	c.recordTransition(TransitionEvent{
		From:         from,
		To:           to,
		Reason:       reason,
		PrincipalRef: ref,
		OccurredAt:   c.now(),
	})

	return nil
}

// recordTransition logs and publishes a transition. It must never block or
// propagate a failure into the state machine.
func (c *Controller) recordTransition(evt TransitionEvent) {
	c.logger.Info("session transition %s -> %s (%s) principal=%s", evt.From, evt.To, evt.Reason, evt.PrincipalRef)

	if err := normalizeTransitionSink(c.sink).Record(context.Background(), evt); err != nil {
		c.logger.Error("transition sink error: %v", err)
	}
}

func (c *Controller) confirmedMemberships(user *User) []Membership {
	if user != nil && len(user.Memberships) > 0 {
		out := make([]Membership, len(user.Memberships))
		copy(out, user.Memberships)
		for i := range out {
			out[i].EnsureStatus()
		}
		return out
	}

	if c.currentProduct != "" {
		return []Membership{{Product: c.currentProduct, Status: MembershipActive}}
	}

	return nil
}

func (c *Controller) setPrincipal(p Principal) {
	ref := PrincipalRef(p)
	c.mu.Lock()
	c.principal = p
	c.principalRef = ref
	c.mu.Unlock()
}

func (c *Controller) armWatchdog(ctx context.Context) uint64 {
	c.watchdogMu.Lock()
	defer c.watchdogMu.Unlock()

	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}

	c.watchdogGen++
	gen := c.watchdogGen
	c.watchdog = time.AfterFunc(c.watchdogTimeout, func() {
		c.watchdogFired(ctx, gen)
	})

	return gen
}

func (c *Controller) cancelWatchdog(gen uint64) {
	c.watchdogMu.Lock()
	defer c.watchdogMu.Unlock()

	if c.watchdogGen != gen {
		return
	}

	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}

	// invalidate a fire that already left the timer but has not run yet
	c.watchdogGen++
}

// watchdogFiredFor reports whether the watchdog fired during the pass that
// armed generation gen. The pass uses it to avoid a second identity sign-out
// for the same failure.
func (c *Controller) watchdogFiredFor(gen uint64) bool {
	c.watchdogMu.Lock()
	defer c.watchdogMu.Unlock()
	return c.watchdogFiredGen == gen
}

// watchdogFired forces auth_error when reconciliation failed to reach a
// stable state inside the window, and ends the identity session as a safety
// measure against stuck UI states.
func (c *Controller) watchdogFired(ctx context.Context, gen uint64) {
	c.watchdogMu.Lock()
	if c.watchdogGen != gen {
		c.watchdogMu.Unlock()
		return
	}
	c.watchdog = nil
	c.watchdogFiredGen = gen
	c.watchdogMu.Unlock()

	if c.State().IsTerminal() {
		return
	}

	c.transition(StateError, "watchdog timeout", func(c *Controller) {
		c.user = nil
		c.lastErr = ErrSyncTimeout
	})
	c.forceIdentitySignOut(ctx, "watchdog timeout")
}

// Snapshot is the read-only view handed to consuming code.
type Snapshot struct {
	State             State
	User              *User
	Loading           bool
	Err               error
	CurrentProduct    string
	AvailableProducts []string
	Memberships       []Membership
}

// Snapshot returns a consistent view of the current session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		State:             c.state,
		User:              copyUser(c.user),
		Loading:           c.state.IsLoading(),
		Err:               c.lastErr,
		CurrentProduct:    c.currentProduct,
		AvailableProducts: append([]string{}, c.available...),
		Memberships:       append([]Membership{}, c.memberships...),
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// User returns a copy of the backend-confirmed user, or nil outside of the
// authenticated state.
func (c *Controller) User() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyUser(c.user)
}

// Err returns the error recorded by the last failed reconciliation.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Principal returns the identity principal currently held, if any.
func (c *Controller) Principal() Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// CurrentProduct returns the product surface this controller serves.
func (c *Controller) CurrentProduct() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentProduct
}

// AvailableProducts lists products the account could activate, populated
// from the last membership-gap response.
func (c *Controller) AvailableProducts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.available...)
}

// Membership returns the entitlement record for a product.
func (c *Controller) Membership(product string) (Membership, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return membershipFor(c.memberships, product)
}

// HasProductAccess reports whether the session grants use of a product
// surface.
func (c *Controller) HasProductAccess(product string) bool {
	m, ok := c.Membership(product)
	return ok && m.Status.GrantsAccess()
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
