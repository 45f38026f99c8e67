package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingIssuer issues "token-N" values with a fixed lifetime, optionally
// blocking on a gate and failing according to failFn.
type countingIssuer struct {
	calls    atomic.Int32
	lifetime time.Duration
	clock    *fakeClock
	gate     chan struct{}
	failFn   func(call int32) error
}

func (i *countingIssuer) Issue(ctx context.Context, cred credential.Credential) (Token, error) {
	call := i.calls.Add(1)

	if i.gate != nil {
		select {
		case <-i.gate:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	if i.failFn != nil {
		if err := i.failFn(call); err != nil {
			return Token{}, err
		}
	}

	now := i.clock.Now()
	return Token{
		Value:     fmt.Sprintf("token-%d", call),
		Type:      "Bearer",
		IssuedAt:  now,
		ExpiresAt: now.Add(i.lifetime),
	}, nil
}

func testCredential(t *testing.T) credential.Credential {
	t.Helper()
	cred, err := credential.New("key-id", "secret")
	require.NoError(t, err)
	return cred
}

func newTestManager(t *testing.T, issuer *countingIssuer, opts ...ManagerOption) *Manager {
	t.Helper()
	if issuer.clock == nil {
		issuer.clock = newFakeClock()
	}
	if issuer.lifetime == 0 {
		issuer.lifetime = time.Hour
	}
	opts = append([]ManagerOption{withClock(issuer.clock.Now)}, opts...)
	return NewManager(testCredential(t), issuer, opts...)
}

func TestManagerGetValidToken_SingleIssuanceUnderContention(t *testing.T) {
	issuer := &countingIssuer{gate: make(chan struct{})}
	m := newTestManager(t, issuer)

	const callers = 50
	results := make([]Token, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	for i := range callers {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			results[i], errs[i] = m.GetValidToken(context.Background())
		}()
	}
	started.Wait()

	// give the callers time to pile up on the in-flight issuance
	time.Sleep(50 * time.Millisecond)
	close(issuer.gate)
	done.Wait()

	assert.Equal(t, int32(1), issuer.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", results[i].Value)
	}
}

func TestManagerGetValidToken_ReusesBeforeExpiry(t *testing.T) {
	issuer := &countingIssuer{lifetime: 3600 * time.Second}
	m := newTestManager(t, issuer)

	first, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	issuer.clock.Advance(10 * time.Second)

	second, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), issuer.calls.Load())
}

func TestManagerGetValidToken_ReissuesAfterExpiry(t *testing.T) {
	issuer := &countingIssuer{lifetime: time.Minute}
	m := newTestManager(t, issuer, WithSafetyMargin(10*time.Second))

	first, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	issuer.clock.Advance(50 * time.Second)

	second, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestManagerIsTokenValid_SafetyMargin(t *testing.T) {
	issuer := &countingIssuer{lifetime: 5 * time.Second}
	m := newTestManager(t, issuer, WithSafetyMargin(5*time.Second))

	_, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.False(t, m.IsTokenValid())
}

func TestManagerIsTokenValid_Cold(t *testing.T) {
	m := newTestManager(t, &countingIssuer{})

	assert.False(t, m.IsTokenValid())
}

func TestManagerInvalidateToken_ForcesReissue(t *testing.T) {
	issuer := &countingIssuer{}
	m := newTestManager(t, issuer)

	first, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.True(t, m.IsTokenValid())

	m.InvalidateToken()
	assert.False(t, m.IsTokenValid())

	second, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestManagerInvalidateToken_Idempotent(t *testing.T) {
	issuer := &countingIssuer{}
	m := newTestManager(t, issuer)

	m.InvalidateToken()
	m.InvalidateToken()

	_, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	m.InvalidateToken()
	m.InvalidateToken()

	_, err = m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestManagerGetValidToken_FailureDoesNotPoison(t *testing.T) {
	networkErr := errors.New("connection reset by peer")
	issuer := &countingIssuer{
		failFn: func(call int32) error {
			if call == 1 {
				return networkErr
			}
			return nil
		},
	}
	m := newTestManager(t, issuer)

	_, err := m.GetValidToken(context.Background())
	require.ErrorIs(t, err, networkErr)
	assert.False(t, m.IsTokenValid())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok.Value)
	assert.True(t, m.IsTokenValid())
}

func TestManagerGetValidToken_FailureSurfacedToAllWaiters(t *testing.T) {
	rejected := errors.New("rejected")
	issuer := &countingIssuer{
		gate:   make(chan struct{}),
		failFn: func(int32) error { return rejected },
	}
	m := newTestManager(t, issuer)

	const callers = 10
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.GetValidToken(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(issuer.gate)
	wg.Wait()

	assert.Equal(t, int32(1), issuer.calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, rejected)
	}
}

func TestManagerGetValidToken_WaiterCancellationDoesNotAbortIssuance(t *testing.T) {
	issuer := &countingIssuer{gate: make(chan struct{})}
	m := newTestManager(t, issuer)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(issuer.gate)

	// the detached issuance completes and populates the cache
	assert.Eventually(t, m.IsTokenValid, time.Second, 5*time.Millisecond)

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.Value)
	assert.Equal(t, int32(1), issuer.calls.Load())
}

func TestManagerGetValidToken_IssueTimeout(t *testing.T) {
	// the gate is never opened: issuance only ends via the timeout
	issuer := &countingIssuer{gate: make(chan struct{})}
	m := newTestManager(t, issuer, WithIssueTimeout(20*time.Millisecond))

	_, err := m.GetValidToken(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the flight has been released: a later call starts a new issuance
	_, err = m.GetValidToken(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestManagerGetValidToken_WaiterDeadlineIsIssueTimeout(t *testing.T) {
	issuer := &countingIssuer{gate: make(chan struct{})}
	m := newTestManager(t, issuer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.GetValidToken(ctx)
	require.Error(t, err)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, KindTimeout, issueErr.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, _ := issueErr.Status()
	assert.Equal(t, 504, status)

	close(issuer.gate)
	assert.Eventually(t, m.IsTokenValid, time.Second, 5*time.Millisecond)
}

func TestManagerGetValidToken_ClassifiesIssuerFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind IssueKind
	}{
		{name: "plain error", err: errors.New("connection reset"), kind: KindNetwork},
		{name: "deadline", err: fmt.Errorf("reading: %w", context.DeadlineExceeded), kind: KindTimeout},
		{name: "already classified", err: &IssueError{Kind: KindRejected, StatusCode: 401}, kind: KindRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issuer := &countingIssuer{failFn: func(int32) error { return tc.err }}
			m := newTestManager(t, issuer)

			_, err := m.GetValidToken(context.Background())

			var issueErr *IssueError
			require.ErrorAs(t, err, &issueErr)
			assert.Equal(t, tc.kind, issueErr.Kind)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestManagerIssue_DoesNotLogKeyID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)
	ctx := logger.WithContext(context.Background())

	cred, err := credential.New("SECRET-KEY-ID-123", "super-secret-value")
	require.NoError(t, err)

	issuer := &countingIssuer{clock: newFakeClock(), lifetime: time.Hour}
	m := NewManager(cred, issuer, withClock(issuer.clock.Now))

	_, err = m.GetValidToken(ctx)
	require.NoError(t, err)

	require.Contains(t, buf.String(), "access token issued")
	assert.NotContains(t, buf.String(), "SECRET-KEY-ID-123")
	assert.NotContains(t, buf.String(), "super-secret-value")
	assert.NotContains(t, buf.String(), "token-1")
}

func TestManagerTokenInfo_ConsistentUnderConcurrentInvalidation(t *testing.T) {
	issuer := &countingIssuer{}
	m := newTestManager(t, issuer)

	_, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.InvalidateToken()
				_, _ = m.GetValidToken(context.Background())
			}
		}
	}()

	for range 1000 {
		info := m.TokenInfo()
		assert.False(t, info.IsValid && info.Invalidated, "valid and invalidated in one snapshot")
	}

	close(stop)
	wg.Wait()
}

func TestManagerRefresh(t *testing.T) {
	issuer := &countingIssuer{}
	m := newTestManager(t, issuer)

	first, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	second, err := m.Refresh(context.Background(), first.Value)
	require.NoError(t, err)
	assert.Equal(t, "token-2", second.Value)

	// a refresh for the already replaced token reuses the replacement
	third, err := m.Refresh(context.Background(), first.Value)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, int32(2), issuer.calls.Load())

	// an unknown stale value forces a refresh unconditionally
	fourth, err := m.Refresh(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "token-3", fourth.Value)
}

func TestManagerRefresh_ConcurrentRejectionsCoalesce(t *testing.T) {
	issuer := &countingIssuer{}
	m := newTestManager(t, issuer)

	rejected, err := m.GetValidToken(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Refresh(context.Background(), rejected.Value)
			assert.NoError(t, err)
			assert.Equal(t, "token-2", tok.Value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestManagerTokenInfo(t *testing.T) {
	issuer := &countingIssuer{lifetime: time.Hour}
	m := newTestManager(t, issuer, WithSafetyMargin(30*time.Second))

	assert.Equal(t, Info{}, m.TokenInfo())

	_, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	issuer.clock.Advance(10 * time.Minute)

	info := m.TokenInfo()
	assert.Equal(t, Info{
		IsValid:          true,
		HasToken:         true,
		IssuedAt:         epoch,
		ExpiresAt:        epoch.Add(time.Hour),
		SecondsRemaining: 3000,
	}, info)

	m.InvalidateToken()
	info = m.TokenInfo()
	assert.False(t, info.IsValid)
	assert.True(t, info.Invalidated)

	issuer.clock.Advance(2 * time.Hour)
	assert.Equal(t, int64(0), m.TokenInfo().SecondsRemaining)
}
