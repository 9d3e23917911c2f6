package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/platform/bilibili"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(identity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, identity+": "+message)
}

func (n *recordingNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			c++
		}
	}
	return c
}

// fakeLoginServer answers generate/poll/nav/spi. pollReply decides the
// body of the n-th poll (1-based); confirmed polls also set the cookies.
type fakeLoginServer struct {
	mid       int64
	name      string
	pollReply func(n int) (code int, ok bool)
	polls     atomic.Int32

	// When set, generate signals generating and waits for release.
	generating chan struct{}
	release    chan struct{}
}

func (f *fakeLoginServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/x/passport-login/web/qrcode/generate":
		if f.release != nil {
			close(f.generating)
			<-f.release
		}
		w.Write([]byte(`{"code":0,"data":{"url":"https://x/qr","qrcode_key":"K1"}}`))
	case "/x/passport-login/web/qrcode/poll":
		n := int(f.polls.Add(1))
		code, ok := f.pollReply(n)
		if !ok {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if code == 0 {
			http.SetCookie(w, &http.Cookie{Name: "SESSDATA", Value: "sess-abcdef123456"})
			http.SetCookie(w, &http.Cookie{Name: "bili_jct", Value: "jct-1"})
			http.SetCookie(w, &http.Cookie{Name: "DedeUserID", Value: fmt.Sprint(f.mid)})
		}
		fmt.Fprintf(w, `{"code":0,"data":{"url":"","refresh_token":"rt-1","timestamp":0,"code":%d,"message":""}}`, code)
	case "/x/web-interface/nav":
		if !strings.Contains(r.Header.Get("Cookie"), "SESSDATA=sess-abcdef123456") {
			w.Write([]byte(`{"code":-101,"message":"账号未登录","data":{"isLogin":false}}`))
			return
		}
		fmt.Fprintf(w, `{"code":0,"data":{"isLogin":true,"mid":%d,"uname":%q}}`, f.mid, f.name)
	case "/x/frontend/finger/spi":
		w.Write([]byte(`{"code":0,"data":{"b_3":"buvid-1","b_4":"x"}}`))
	default:
		http.NotFound(w, r)
	}
}

type fixture struct {
	store    *db.Store
	manager  *Manager
	notifier *recordingNotifier
	server   *fakeLoginServer
}

func newFixture(t *testing.T, server *fakeLoginServer, ttl time.Duration) *fixture {
	t.Helper()
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), "silent")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := db.New(gdb, time.Minute)

	client := bilibili.NewClient(bilibili.Options{PassportBaseURL: srv.URL, APIBaseURL: srv.URL, WWWBaseURL: srv.URL})
	notifier := &recordingNotifier{}
	mgr := NewManager(client, store, notifier, Options{PollInterval: 10 * time.Millisecond, TTL: ttl})
	t.Cleanup(mgr.CancelAll)
	return &fixture{store: store, manager: mgr, notifier: notifier, server: server}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

func TestLogin_RoundTrip(t *testing.T) {
	server := &fakeLoginServer{mid: 12345, name: "Alice", pollReply: func(n int) (int, bool) {
		if n <= 3 {
			return 86101, true
		}
		return 0, true
	}}
	f := newFixture(t, server, time.Minute)

	s, err := f.manager.StartLogin(context.Background(), "user-1", "Local User")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	if s.QRURL != "https://x/qr" || s.QRKey != "K1" || s.State() != StateAwaitingScan {
		t.Fatalf("unexpected session %+v", s.Snapshot())
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != StateDone || snap.BindResult != db.BindSuccess || snap.AccountID != 12345 || snap.AccountName != "Alice" {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}

	ctx := context.Background()
	cred, err := f.store.Credentials().GetByAccount(ctx, 12345)
	if err != nil {
		t.Fatalf("expected credential for 12345: %v", err)
	}
	if cred.PrimaryToken != "sess-abcdef123456" || cred.CSRFToken != "jct-1" || cred.RefreshToken != "rt-1" || cred.DeviceToken != "buvid-1" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	binding, err := f.store.Bindings().ActiveByIdentity(ctx, "user-1")
	if err != nil {
		t.Fatalf("expected binding: %v", err)
	}
	if binding.ExternalAccountID != 12345 || binding.ExternalDisplayName != "Alice" || binding.LocalDisplayName != "Local User" {
		t.Fatalf("unexpected binding %+v", binding)
	}

	if n := f.notifier.count("bound successfully"); n != 1 {
		t.Fatalf("expected exactly one success notification, got %d", n)
	}

	polls := server.polls.Load()
	if polls != 4 {
		t.Fatalf("expected 4 polls, got %d", polls)
	}
	time.Sleep(50 * time.Millisecond)
	if server.polls.Load() != polls {
		t.Fatal("expected polling to stop after success")
	}
	if f.manager.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.manager.Active())
	}
}

func TestLogin_ExpiresAtTTL(t *testing.T) {
	server := &fakeLoginServer{pollReply: func(int) (int, bool) { return 86101, true }}
	ttl := 80 * time.Millisecond
	f := newFixture(t, server, ttl)

	s, err := f.manager.StartLogin(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	waitDone(t, s)
	endedAt := time.Now()

	if s.State() != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", s.State())
	}
	if endedAt.Before(s.CreatedAt.Add(ttl)) {
		t.Fatalf("expired too early: %s after start", endedAt.Sub(s.CreatedAt))
	}
	polls := server.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if server.polls.Load() != polls {
		t.Fatal("expected no polls after expiry")
	}
	if n := f.notifier.count("expired"); n != 1 {
		t.Fatalf("expected one expiry notification, got %d", n)
	}
}

func TestLogin_ServerSideExpiry(t *testing.T) {
	server := &fakeLoginServer{pollReply: func(n int) (int, bool) {
		if n == 1 {
			return 86090, true
		}
		return 86038, true
	}}
	f := newFixture(t, server, time.Minute)

	s, err := f.manager.StartLogin(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	waitDone(t, s)
	if s.State() != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", s.State())
	}
	if f.notifier.count("scanned") != 1 {
		t.Fatal("expected a scanned notification")
	}
}

func TestLogin_TransientPollErrorsKeepSession(t *testing.T) {
	server := &fakeLoginServer{mid: 7, name: "Bob", pollReply: func(n int) (int, bool) {
		if n <= 2 {
			return 0, false
		}
		return 0, true
	}}
	f := newFixture(t, server, time.Minute)

	s, err := f.manager.StartLogin(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	waitDone(t, s)
	if s.State() != StateDone {
		t.Fatalf("expected DONE after transient failures, got %s", s.State())
	}
}

func TestLogin_ExternalBoundOther(t *testing.T) {
	server := &fakeLoginServer{mid: 999, name: "Carol", pollReply: func(int) (int, bool) { return 0, true }}
	f := newFixture(t, server, time.Minute)
	ctx := context.Background()

	if res, _, err := f.store.Bindings().Bind(ctx, db.BindRequest{LocalIdentityID: "A", ExternalAccountID: 999}); err != nil || res != db.BindSuccess {
		t.Fatalf("seed binding: %s %v", res, err)
	}

	s, err := f.manager.StartLogin(ctx, "B", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.State != StateFailed || snap.BindResult != db.BindExternalBoundOther {
		t.Fatalf("expected EXTERNAL_BOUND_OTHER failure, got %+v", snap)
	}
	if _, err := f.store.Bindings().ByIdentity(ctx, "B"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected no binding row for B, got %v", err)
	}
	if _, err := f.store.Credentials().GetByAccount(ctx, 999); err != nil {
		t.Fatalf("expected credential to be kept: %v", err)
	}
	if f.notifier.count("already bound to another user") != 1 {
		t.Fatal("expected one conflict notification")
	}
}

func TestLogin_CancelStopsPolling(t *testing.T) {
	server := &fakeLoginServer{pollReply: func(int) (int, bool) { return 86101, true }}
	f := newFixture(t, server, time.Minute)

	s, err := f.manager.StartLogin(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	time.Sleep(35 * time.Millisecond)
	if !f.manager.CancelLogin("user-1") {
		t.Fatal("expected a session to cancel")
	}
	waitDone(t, s)
	if s.State() != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", s.State())
	}

	time.Sleep(20 * time.Millisecond)
	polls := server.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if server.polls.Load() != polls {
		t.Fatal("expected polling to stop after cancel")
	}
	if f.manager.CancelLogin("user-1") {
		t.Fatal("expected nothing left to cancel")
	}
}

func TestLogin_RestartReplacesSession(t *testing.T) {
	server := &fakeLoginServer{pollReply: func(int) (int, bool) { return 86101, true }}
	f := newFixture(t, server, time.Minute)
	ctx := context.Background()

	first, err := f.manager.StartLogin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("first StartLogin: %v", err)
	}
	second, err := f.manager.StartLogin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("second StartLogin: %v", err)
	}
	waitDone(t, first)
	if first.State() != StateCancelled {
		t.Fatalf("expected first session cancelled, got %s", first.State())
	}
	if second.State().Terminal() {
		t.Fatalf("expected second session live, got %s", second.State())
	}
	if f.manager.Active() != 1 {
		t.Fatalf("expected one live session, got %d", f.manager.Active())
	}
	if got, ok := f.manager.Session("user-1"); !ok || got != second {
		t.Fatal("expected lookup to return the new session")
	}
}

func TestLogin_StartRacingCancelAllIsRefused(t *testing.T) {
	server := &fakeLoginServer{
		pollReply:  func(int) (int, bool) { return 86101, true },
		generating: make(chan struct{}),
		release:    make(chan struct{}),
	}
	f := newFixture(t, server, time.Minute)

	errc := make(chan error, 1)
	go func() {
		_, err := f.manager.StartLogin(context.Background(), "user-1", "")
		errc <- err
	}()

	<-server.generating
	f.manager.CancelAll()
	close(server.release)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected StartLogin to be refused after CancelAll")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartLogin did not return")
	}
	if f.manager.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.manager.Active())
	}
	if server.polls.Load() != 0 {
		t.Fatalf("expected no polling, got %d polls", server.polls.Load())
	}
}

func TestLogin_CancelDuringResolveDoesNotBind(t *testing.T) {
	server := &fakeLoginServer{mid: 12345, name: "Alice", pollReply: func(int) (int, bool) { return 0, true }}
	f := newFixture(t, server, time.Minute)

	var once sync.Once
	err := f.store.DB.Callback().Create().After("gorm:create").Register("test:cancel_login", func(tx *gorm.DB) {
		if tx.Statement.Table == "credentials" {
			once.Do(func() { f.manager.CancelLogin("user-1") })
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	s, err := f.manager.StartLogin(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", s.State())
	}
	if _, err := f.store.Bindings().ByIdentity(context.Background(), "user-1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected no binding after cancel, got %v", err)
	}
	if n := f.notifier.count("bound"); n != 0 {
		t.Fatalf("expected no bind notification, got %d", n)
	}
}

func TestLogin_FinishedSessionsAreBounded(t *testing.T) {
	server := &fakeLoginServer{pollReply: func(int) (int, bool) { return 86101, true }}
	f := newFixture(t, server, time.Minute)
	f.manager.maxRecent = 1
	ctx := context.Background()

	for _, identity := range []string{"user-1", "user-2"} {
		s, err := f.manager.StartLogin(ctx, identity, "")
		if err != nil {
			t.Fatalf("StartLogin %s: %v", identity, err)
		}
		f.manager.CancelLogin(identity)
		waitDone(t, s)
		time.Sleep(2 * time.Millisecond)
	}

	if _, ok := f.manager.Session("user-1"); ok {
		t.Fatal("expected the older finished session to be evicted")
	}
	if s, ok := f.manager.Session("user-2"); !ok || s.State() != StateCancelled {
		t.Fatal("expected the newest finished session to stay readable")
	}
}
