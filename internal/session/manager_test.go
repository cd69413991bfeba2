package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xhs-toolkit/internal/cookiestore"
)

type stubBackend struct {
	mu          sync.Mutex
	loginCalls  int32
	checkCalls  int32
	loginErr    error
	checkResult bool
	loginDelay  time.Duration
	jar         cookiestore.Jar
}

func (b *stubBackend) Login(ctx context.Context) (cookiestore.Jar, error) {
	atomic.AddInt32(&b.loginCalls, 1)
	if b.loginDelay > 0 {
		select {
		case <-time.After(b.loginDelay):
		case <-ctx.Done():
			return cookiestore.Jar{}, ctx.Err()
		}
	}
	if b.loginErr != nil {
		return cookiestore.Jar{}, b.loginErr
	}
	jar := b.jar
	if jar.Empty() {
		jar = cookiestore.Jar{Cookies: []cookiestore.Cookie{{Name: "web_session", Value: "s"}}}
	}
	return jar, nil
}

func (b *stubBackend) CheckSession(ctx context.Context, jar cookiestore.Jar) (bool, error) {
	atomic.AddInt32(&b.checkCalls, 1)
	return b.checkResult, nil
}

func newTestManager(t *testing.T, backend *stubBackend) (*Manager, cookiestore.Store) {
	t.Helper()
	store, err := cookiestore.NewFileStore(filepath.Join(t.TempDir(), "cookies.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewManager(Options{
		Backend:    backend,
		Store:      store,
		SessionTTL: time.Hour,
	}), store
}

func TestLoginPerformsFullLogin(t *testing.T) {
	backend := &stubBackend{}
	mgr, store := newTestManager(t, backend)

	outcome, err := mgr.Login(context.Background(), LoginOptions{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !outcome.Success || outcome.Action != ActionAutoLogin || outcome.Status != StatusValid || outcome.Mode != ModeAuto {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 1 {
		t.Fatalf("login calls = %d, want 1", got)
	}
	if _, found, _ := store.Load(context.Background()); !found {
		t.Fatal("jar should be persisted after login")
	}
}

func TestLoginSkipsWhenSessionValid(t *testing.T) {
	backend := &stubBackend{}
	mgr, _ := newTestManager(t, backend)
	ctx := context.Background()

	if _, err := mgr.Login(ctx, LoginOptions{}); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	outcome, err := mgr.Login(ctx, LoginOptions{})
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if outcome.Action != ActionSkipped {
		t.Fatalf("action = %s, want %s", outcome.Action, ActionSkipped)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 1 {
		t.Fatalf("login calls = %d, want 1", got)
	}
}

func TestQuickModeSkipsWithoutRemoteInteraction(t *testing.T) {
	backend := &stubBackend{}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	jar := cookiestore.Jar{
		Cookies: []cookiestore.Cookie{{Name: "web_session", Value: "cached"}},
		SavedAt: time.Now().Add(-10 * time.Minute),
	}
	if err := store.Save(ctx, jar); err != nil {
		t.Fatalf("Save: %v", err)
	}

	outcome, err := mgr.Login(ctx, LoginOptions{QuickMode: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !outcome.Success || outcome.Action != ActionQuickSkip || outcome.Mode != ModeQuick {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 0 {
		t.Fatalf("login calls = %d, want 0 (no remote interaction)", got)
	}
	if got := atomic.LoadInt32(&backend.checkCalls); got != 0 {
		t.Fatalf("check calls = %d, want 0 (no remote interaction)", got)
	}
}

func TestQuickModeIgnoresExpiredJar(t *testing.T) {
	backend := &stubBackend{}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	jar := cookiestore.Jar{
		Cookies: []cookiestore.Cookie{{Name: "web_session", Value: "old"}},
		SavedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := store.Save(ctx, jar); err != nil {
		t.Fatalf("Save: %v", err)
	}

	outcome, err := mgr.Login(ctx, LoginOptions{QuickMode: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if outcome.Action != ActionAutoLogin {
		t.Fatalf("action = %s, want full login for expired jar", outcome.Action)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 1 {
		t.Fatalf("login calls = %d, want 1", got)
	}
}

func TestForceReloginDiscardsSession(t *testing.T) {
	backend := &stubBackend{}
	mgr, _ := newTestManager(t, backend)
	ctx := context.Background()

	if _, err := mgr.Login(ctx, LoginOptions{}); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	outcome, err := mgr.Login(ctx, LoginOptions{ForceRelogin: true})
	if err != nil {
		t.Fatalf("force Login: %v", err)
	}
	if outcome.Action != ActionAutoLogin {
		t.Fatalf("action = %s, want %s", outcome.Action, ActionAutoLogin)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 2 {
		t.Fatalf("login calls = %d, want 2", got)
	}
}

func TestLoginFailureReportsInvalid(t *testing.T) {
	backend := &stubBackend{loginErr: errors.New("qr code expired")}
	mgr, _ := newTestManager(t, backend)

	outcome, err := mgr.Login(context.Background(), LoginOptions{})
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
	if outcome.Success || outcome.Status != StatusInvalid {
		t.Fatalf("outcome = %+v", outcome)
	}
	if mgr.Snapshot().LoggedIn {
		t.Fatal("failed login must not mark the session logged in")
	}
}

func TestLoginSingleFlight(t *testing.T) {
	backend := &stubBackend{loginDelay: 50 * time.Millisecond}
	mgr, _ := newTestManager(t, backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]LoginOutcome, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := mgr.Login(ctx, LoginOptions{})
			if err != nil {
				t.Errorf("Login: %v", err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&backend.loginCalls); got != 1 {
		t.Fatalf("login calls = %d, want 1 (single flight)", got)
	}
	for i, o := range outcomes {
		if !o.Success {
			t.Fatalf("caller %d outcome = %+v", i, o)
		}
	}
}

func TestSessionLockBlocksSecondHolder(t *testing.T) {
	mgr, _ := newTestManager(t, &stubBackend{})
	ctx := context.Background()

	if err := mgr.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := mgr.Acquire(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire = %v, want deadline exceeded", err)
	}

	mgr.Release()
	if err := mgr.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	mgr.Release()
}

func TestEnsureSessionVerifiesPersistedJar(t *testing.T) {
	backend := &stubBackend{checkResult: true}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	jar := cookiestore.Jar{
		Cookies: []cookiestore.Cookie{{Name: "web_session", Value: "cached"}},
		SavedAt: time.Now().Add(-30 * time.Minute),
	}
	if err := store.Save(ctx, jar); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := mgr.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer mgr.Release()
	if err := mgr.EnsureSession(ctx); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if got := atomic.LoadInt32(&backend.checkCalls); got != 1 {
		t.Fatalf("check calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&backend.loginCalls); got != 0 {
		t.Fatalf("login calls = %d, want 0", got)
	}
}
