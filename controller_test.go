package session_test

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/sendbeam/go-session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func confirmedUser() *session.User {
	return &session.User{
		ID:    "u1",
		Email: "amara@example.dev",
		Memberships: []session.Membership{
			{Product: "beam", Status: session.MembershipActive},
		},
	}
}

func TestReconcileSuccessAuthenticates(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}
	sink := &recordingSink{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend, session.WithTransitionSink(sink))

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.NoError(t, err)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	require.NotNil(t, ctrl.User())
	assert.Equal(t, "u1", ctrl.User().ID)
	assert.NoError(t, ctrl.Err())
	assert.True(t, ctrl.HasProductAccess("beam"))

	assert.Equal(t, []session.State{
		session.StateVerifying,
		session.StateSyncing,
		session.StateAuthenticated,
	}, sink.States())

	identity.AssertNotCalled(t, "SignOut", mock.Anything)
	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
}

func TestReconcileNilPrincipalGoesUnauthenticated(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	ctrl := session.NewController(identity, backend)

	err := ctrl.Reconcile(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, session.StateUnauthenticated, ctrl.State())
	assert.Nil(t, ctrl.User())
	assert.Nil(t, ctrl.Principal())

	identity.AssertNotCalled(t, "Token", mock.Anything, mock.Anything)
	backend.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileUserNotFoundForcesFullSignOut(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}
	storage := &MockStorage{}
	sink := &recordingSink{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(nil, session.ErrUserNotFound).Once()
	backend.On("Logout", mock.Anything).Return(nil).Once()
	storage.On("Clear", mock.Anything, []string{"cache", "drafts"}).Return(nil).Once()
	identity.On("SignOut", mock.Anything).Return(nil).Once()

	ctrl := session.NewController(identity, backend,
		session.WithStorage(storage, "cache", "drafts"),
		session.WithTransitionSink(sink),
	)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.Error(t, err)
	assert.True(t, session.IsUserNotFound(err))

	// session_only is transient: the same pass must land on unauthenticated.
	assert.Equal(t, session.StateUnauthenticated, ctrl.State())
	assert.Nil(t, ctrl.User())
	assert.Nil(t, ctrl.Principal())
	assert.Equal(t, []session.State{
		session.StateVerifying,
		session.StateSyncing,
		session.StateSessionOnly,
		session.StateUnauthenticated,
	}, sink.States())

	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
	storage.AssertExpectations(t)
}

func TestReconcileMembershipGapKeepsSession(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	gap := session.NewProductNotEnabledError("beam", []string{"beam", "broadcast"})

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(nil, gap).Once()

	ctrl := session.NewController(identity, backend)

	principal := testPrincipal{UID: "uid-1", EmailAddress: "maya@example.dev"}
	err := ctrl.Reconcile(context.Background(), principal)
	require.Error(t, err)
	assert.True(t, session.IsProductNotEnabled(err))

	assert.Equal(t, session.StateProductNotEnabled, ctrl.State())
	assert.Nil(t, ctrl.User())
	assert.Equal(t, principal, ctrl.Principal())
	assert.Equal(t, "beam", ctrl.CurrentProduct())
	assert.Equal(t, []string{"beam", "broadcast"}, ctrl.AvailableProducts())
	assert.False(t, ctrl.HasProductAccess("beam"))

	m, ok := ctrl.Membership("broadcast")
	require.True(t, ok)
	assert.Equal(t, session.MembershipNone, m.Status)

	// the one sync failure that must NOT end the identity session
	identity.AssertNotCalled(t, "SignOut", mock.Anything)
	backend.AssertNotCalled(t, "Logout", mock.Anything)
}

func TestReconcileTransportFailureSignsOut(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	boom := goerrors.New("backend unreachable", goerrors.CategoryOperation)

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(nil, boom).Once()
	identity.On("SignOut", mock.Anything).Return(nil).Once()

	ctrl := session.NewController(identity, backend)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.Error(t, err)

	assert.Equal(t, session.StateError, ctrl.State())
	assert.Nil(t, ctrl.User())
	assert.Error(t, ctrl.Err())

	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
}

func TestReconcileTokenFailureSignsOut(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).
		Return("", goerrors.New("session revoked", goerrors.CategoryAuth)).Once()
	identity.On("SignOut", mock.Anything).Return(nil).Once()

	ctrl := session.NewController(identity, backend)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.Error(t, err)

	assert.Equal(t, session.StateError, ctrl.State())
	assert.Nil(t, ctrl.User())

	backend.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything, mock.Anything)
	identity.AssertExpectations(t)
}

func TestReconcileDropsDuplicateSessionChange(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	var ctrl *session.Controller

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).
		Run(func(mock.Arguments) {
			// a duplicate callback arriving mid-pass must be a no-op
			err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
			assert.NoError(t, err)
		}).
		Return(confirmedUser(), nil).Once()

	ctrl = session.NewController(identity, backend)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.NoError(t, err)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
}

func TestWatchdogForcesErrorAndDiscardsStaleResult(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	signedOut := make(chan struct{}, 1)
	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	identity.On("SignOut", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}).
		Return(nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).
		Run(func(mock.Arguments) {
			time.Sleep(150 * time.Millisecond)
		}).
		Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend,
		session.WithWatchdogTimeout(30*time.Millisecond),
	)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.Error(t, err)
	assert.True(t, session.IsSyncTimeout(err))

	assert.Equal(t, session.StateError, ctrl.State())
	assert.Nil(t, ctrl.User())
	assert.True(t, session.IsSyncTimeout(ctrl.Err()))

	select {
	case <-signedOut:
	case <-time.After(time.Second):
		t.Fatal("expected the watchdog to end the identity session")
	}

	// exactly one sign-out: the watchdog's
	identity.AssertExpectations(t)
	identity.AssertNumberOfCalls(t, "SignOut", 1)
}

func TestResyncClearsUserWhileSyncing(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	var ctrl *session.Controller

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	// a confirmed user is only reported while the state is authenticated,
	// including mid-pass during a re-sync
	backend.On("Sync", mock.Anything, "fresh-tok", false).
		Run(func(mock.Arguments) {
			assert.Equal(t, session.StateSyncing, ctrl.State())
			assert.Nil(t, ctrl.User())
			assert.Nil(t, ctrl.Snapshot().User)
		}).
		Return(confirmedUser(), nil).Once()

	ctrl = session.NewController(identity, backend)

	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))
	require.NotNil(t, ctrl.User())

	_, err := ctrl.SyncSession(context.Background(), "fresh-tok")
	require.NoError(t, err)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	assert.NotNil(t, ctrl.User())
	backend.AssertExpectations(t)
}

func TestWatchdogSignsOutOnceWhenLateSyncFails(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	signedOut := make(chan struct{}, 1)
	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	identity.On("SignOut", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}).
		Return(nil)
	backend.On("Sync", mock.Anything, "tok", false).
		Run(func(mock.Arguments) {
			time.Sleep(150 * time.Millisecond)
		}).
		Return(nil, goerrors.New("backend unreachable", goerrors.CategoryOperation)).Once()

	ctrl := session.NewController(identity, backend,
		session.WithWatchdogTimeout(30*time.Millisecond),
	)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.Error(t, err)

	select {
	case <-signedOut:
	case <-time.After(time.Second):
		t.Fatal("expected the watchdog to end the identity session")
	}

	assert.Equal(t, session.StateError, ctrl.State())
	// the watchdog signed out; the failed sync must not sign out again
	identity.AssertNumberOfCalls(t, "SignOut", 1)
}

func TestWatchdogDoesNotFireAfterCompletion(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend,
		session.WithWatchdogTimeout(30*time.Millisecond),
	)

	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	identity.AssertNotCalled(t, "SignOut", mock.Anything)
}

func TestSyncForSignupAllowsCreate(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	backend.On("Sync", mock.Anything, "signup-tok", true).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)

	// a signup flow starts from the unauthenticated login surface
	require.NoError(t, ctrl.Reconcile(context.Background(), nil))

	user, err := ctrl.SyncForSignup(context.Background(), "signup-tok")
	require.NoError(t, err)
	require.NotNil(t, user)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	backend.AssertExpectations(t)
}

func TestSyncSessionNeverCreates(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)
	require.NoError(t, ctrl.Reconcile(context.Background(), nil))

	_, err := ctrl.SyncSession(context.Background(), "tok")
	require.NoError(t, err)

	backend.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything, true)
	backend.AssertExpectations(t)
}

func TestSyncSessionRejectsInvalidTransition(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	ctrl := session.NewController(identity, backend)

	// initializing cannot jump straight into syncing
	_, err := ctrl.SyncSession(context.Background(), "tok")
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, "INVALID_SESSION_STATE_TRANSITION", richErr.TextCode)

	backend.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything, mock.Anything)
}

func TestClearSessionIsIdempotent(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}
	storage := &MockStorage{}

	backend.On("Logout", mock.Anything).Return(nil).Twice()
	storage.On("Clear", mock.Anything, []string{"cache"}).Return(nil).Twice()
	identity.On("SignOut", mock.Anything).Return(nil).Twice()

	ctrl := session.NewController(identity, backend,
		session.WithStorage(storage, "cache"),
	)

	require.NoError(t, ctrl.ClearSession(context.Background()))
	require.NoError(t, ctrl.ClearSession(context.Background()))

	assert.Equal(t, session.StateUnauthenticated, ctrl.State())
	assert.Nil(t, ctrl.User())
	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
	storage.AssertExpectations(t)
}

func TestClearSessionContinuesPastCollaboratorFailures(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}
	storage := &MockStorage{}

	backend.On("Logout", mock.Anything).
		Return(goerrors.New("cookie endpoint down", goerrors.CategoryOperation)).Once()
	storage.On("Clear", mock.Anything, []string{"cache"}).
		Return(goerrors.New("disk error", goerrors.CategoryInternal)).Once()
	identity.On("SignOut", mock.Anything).Return(nil).Once()

	ctrl := session.NewController(identity, backend,
		session.WithStorage(storage, "cache"),
	)

	require.NoError(t, ctrl.ClearSession(context.Background()))
	assert.Equal(t, session.StateUnauthenticated, ctrl.State())

	identity.AssertExpectations(t)
}

func TestActivateProductResyncsWithFreshToken(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	gap := session.NewProductNotEnabledError("beam", []string{"beam"})

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(nil, gap).Once()

	backend.On("ActivateProduct", mock.Anything, "beam").Return(nil).Once()
	identity.On("Token", mock.Anything, true).Return("fresh-tok", nil).Once()
	backend.On("Sync", mock.Anything, "fresh-tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)

	err := ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"})
	require.True(t, session.IsProductNotEnabled(err))

	ok := ctrl.ActivateProduct(context.Background(), "beam")
	require.True(t, ok)

	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	assert.True(t, ctrl.HasProductAccess("beam"))

	identity.AssertExpectations(t)
	backend.AssertExpectations(t)
}

func TestActivateProductReportsBackendFailure(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	backend.On("ActivateProduct", mock.Anything, "beam").
		Return(goerrors.New("billing hold", goerrors.CategoryConflict)).Once()

	ctrl := session.NewController(identity, backend)

	assert.False(t, ctrl.ActivateProduct(context.Background(), "beam"))
	assert.False(t, ctrl.ActivateProduct(context.Background(), ""))

	identity.AssertNotCalled(t, "Token", mock.Anything, mock.Anything)
	backend.AssertExpectations(t)
}

func TestStartSubscribesAndCloseUnsubscribes(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)
	ctrl.Start(context.Background())

	require.NotNil(t, identity.Callback)
	identity.Callback(testPrincipal{UID: "uid-1"})

	assert.Equal(t, session.StateAuthenticated, ctrl.State())

	ctrl.Close()
	assert.True(t, identity.Unsubscribed)
}

func TestRefreshFailureEndsIdentitySession(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	signedOut := make(chan struct{}, 1)
	identity.On("Token", mock.Anything, true).
		Return("", goerrors.New("refresh token revoked", goerrors.CategoryAuth))
	identity.On("SignOut", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}).
		Return(nil)

	ctrl := session.NewController(identity, backend,
		session.WithRefreshInterval(20*time.Millisecond),
	)
	defer ctrl.Close()

	ctrl.Start(context.Background())
	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))

	select {
	case <-signedOut:
	case <-time.After(time.Second):
		t.Fatal("expected the failed refresh to end the identity session")
	}
}

func TestRefreshMembershipGapDoesNotSignOut(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	gap := session.NewProductNotEnabledError("beam", []string{"beam"})

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	identity.On("Token", mock.Anything, true).Return("fresh-tok", nil)
	backend.On("Sync", mock.Anything, "fresh-tok", false).Return(nil, gap)

	ctrl := session.NewController(identity, backend,
		session.WithRefreshInterval(20*time.Millisecond),
	)
	defer ctrl.Close()

	ctrl.Start(context.Background())
	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))

	require.Eventually(t, func() bool {
		return ctrl.State() == session.StateProductNotEnabled
	}, time.Second, 10*time.Millisecond)

	identity.AssertNotCalled(t, "SignOut", mock.Anything)
}

func TestUserIsNilOutsideAuthenticated(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).Return("tok", nil)
	identity.On("SignOut", mock.Anything).Return(nil)
	backend.On("Sync", mock.Anything, "tok", false).
		Return(nil, goerrors.New("flaky", goerrors.CategoryOperation)).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)

	require.Error(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))
	assert.Equal(t, session.StateError, ctrl.State())
	assert.Nil(t, ctrl.User())

	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))
	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	assert.NotNil(t, ctrl.User())
}

func TestSnapshotIsACopy(t *testing.T) {
	identity := &MockIdentityClient{}
	backend := &MockBackendClient{}

	identity.On("Token", mock.Anything, false).Return("tok", nil).Once()
	backend.On("Sync", mock.Anything, "tok", false).Return(confirmedUser(), nil).Once()

	ctrl := session.NewController(identity, backend)
	require.NoError(t, ctrl.Reconcile(context.Background(), testPrincipal{UID: "uid-1"}))

	snap := ctrl.Snapshot()
	require.NotNil(t, snap.User)
	snap.User.Email = "tampered@example.dev"

	assert.Equal(t, "amara@example.dev", ctrl.User().Email)
	assert.False(t, snap.Loading)
	assert.Equal(t, session.StateAuthenticated, snap.State)
}
