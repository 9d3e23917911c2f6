package cookie

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/platform/bilibili"
)

// fakePassport serves the refresh endpoints. Each field overrides the
// matching endpoint's JSON/HTML body.
type fakePassport struct {
	t   *testing.T
	key *rsa.PrivateKey

	needsRefresh bool
	checkBody    string
	correspond   string
	refreshBody  string
	confirmBody  string

	mu   sync.Mutex
	hits map[string]int
}

func (f *fakePassport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/x/passport-login/web/cookie/info":
		if f.checkBody != "" {
			w.Write([]byte(f.checkBody))
			return
		}
		fmt.Fprintf(w, `{"code":0,"data":{"refresh":%t,"timestamp":1700000000000}}`, f.needsRefresh)
	case strings.HasPrefix(r.URL.Path, "/correspond/1/"):
		cipher, err := hex.DecodeString(strings.TrimPrefix(r.URL.Path, "/correspond/1/"))
		if err != nil {
			f.t.Errorf("correspond path is not hex: %v", err)
		}
		plain, err := rsa.DecryptOAEP(sha256.New(), nil, f.key, cipher, nil)
		if err != nil || string(plain) != "refresh_1700000000000" {
			f.t.Errorf("unexpected correspond plaintext %q (%v)", plain, err)
		}
		if f.correspond != "" {
			w.Write([]byte(f.correspond))
			return
		}
		w.Write([]byte(`<div id="1-name">refresh-csrf-1</div>`))
	case r.URL.Path == "/x/passport-login/web/cookie/refresh":
		r.ParseForm()
		if r.PostForm.Get("refresh_csrf") != "refresh-csrf-1" || r.PostForm.Get("refresh_token") != "old-rt" {
			f.t.Errorf("unexpected refresh form %v", r.PostForm)
		}
		if f.refreshBody != "" {
			w.Write([]byte(f.refreshBody))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SESSDATA", Value: "new-sess-000001"})
		http.SetCookie(w, &http.Cookie{Name: "bili_jct", Value: "new-jct"})
		w.Write([]byte(`{"code":0,"data":{"status":0,"refresh_token":"new-rt"}}`))
	case r.URL.Path == "/x/passport-login/web/confirm/refresh":
		r.ParseForm()
		if r.PostForm.Get("csrf") != "new-jct" || r.PostForm.Get("refresh_token") != "old-rt" {
			f.t.Errorf("confirm must carry the new csrf and the old refresh token, got %v", r.PostForm)
		}
		if f.confirmBody != "" {
			w.Write([]byte(f.confirmBody))
			return
		}
		w.Write([]byte(`{"code":0,"message":"0"}`))
	default:
		f.t.Errorf("unexpected request %s", r.URL.Path)
		http.NotFound(w, r)
	}
}

func (f *fakePassport) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for path, c := range f.hits {
		if strings.HasPrefix(path, prefix) {
			n += c
		}
	}
	return n
}

func (f *fakePassport) total() int { return f.count("/") }

type fixture struct {
	store     *db.Store
	refresher *Refresher
	passport  *fakePassport
	cred      *models.Credential
}

func newFixture(t *testing.T, passport *fakePassport) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	passport.t = t
	passport.key = key
	passport.hits = make(map[string]int)

	srv := httptest.NewServer(passport)
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

	cred, _, err := store.Credentials().UpsertFromLogin(context.Background(), db.LoginMaterial{
		ExternalAccountID: 12345,
		PrimaryToken:      "old-sess-000001",
		CSRFToken:         "old-jct",
		DeviceToken:       "buvid",
		RefreshToken:      "old-rt",
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	client := bilibili.NewClient(bilibili.Options{PassportBaseURL: srv.URL, APIBaseURL: srv.URL, WWWBaseURL: srv.URL})
	return &fixture{
		store:     store,
		refresher: NewRefresher(store.Credentials(), client, &key.PublicKey),
		passport:  passport,
		cred:      cred,
	}
}

func (f *fixture) reload(t *testing.T) *models.Credential {
	t.Helper()
	cred, err := f.store.Credentials().Get(context.Background(), f.cred.ID)
	if err != nil {
		t.Fatalf("reload credential: %v", err)
	}
	return cred
}

func TestRefresh_NoopWhenFresh(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: false})
	before := f.reload(t)

	out, err := f.refresher.Refresh(context.Background(), f.cred.Label)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if out.Refreshed {
		t.Fatal("expected no refresh")
	}
	if f.passport.total() != 1 {
		t.Fatalf("expected only the check call, got %d calls", f.passport.total())
	}
	if after := f.reload(t); !reflect.DeepEqual(before, after) {
		t.Fatalf("expected row unchanged\nbefore=%+v\nafter=%+v", before, after)
	}
}

func TestRefresh_StopsAtFailedStep(t *testing.T) {
	tests := []struct {
		name     string
		passport *fakePassport
		step     Step
		kind     apperr.Kind
		notHit   []string
	}{
		{
			name:     "check rejected",
			passport: &fakePassport{checkBody: `{"code":-101,"message":"账号未登录"}`},
			step:     StepCheck,
			kind:     apperr.KindAuthFailed,
			notHit:   []string{"/correspond/", "/x/passport-login/web/cookie/refresh", "/x/passport-login/web/confirm/refresh"},
		},
		{
			name:     "csrf marker missing",
			passport: &fakePassport{needsRefresh: true, correspond: `<html>risk control</html>`},
			step:     StepFetchCSRF,
			kind:     apperr.KindProtocol,
			notHit:   []string{"/x/passport-login/web/cookie/refresh", "/x/passport-login/web/confirm/refresh"},
		},
		{
			name:     "refresh rejected",
			passport: &fakePassport{needsRefresh: true, refreshBody: `{"code":86095,"message":"refresh_csrf 错误或 refresh_token 与 cookie 不匹配"}`},
			step:     StepRefresh,
			kind:     apperr.KindUpstreamRejected,
			notHit:   []string{"/x/passport-login/web/confirm/refresh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.passport)
			before := f.reload(t)

			_, err := f.refresher.Refresh(context.Background(), f.cred.Label)
			if err == nil {
				t.Fatal("expected refresh to fail")
			}
			if got := FailedStep(err); got != tt.step {
				t.Fatalf("expected failure at %s, got %s (%v)", tt.step, got, err)
			}
			if got := apperr.KindOf(err); got != tt.kind {
				t.Fatalf("expected %s, got %s", tt.kind, got)
			}
			for _, path := range tt.notHit {
				if n := f.passport.count(path); n != 0 {
					t.Fatalf("expected no call to %s after the failed step, got %d", path, n)
				}
			}
			if after := f.reload(t); !reflect.DeepEqual(before, after) {
				t.Fatalf("expected row unchanged after failure")
			}
		})
	}
}

func TestRefresh_Success(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: true})

	out, err := f.refresher.Refresh(context.Background(), f.cred.Label)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !out.Refreshed || !out.Confirmed || out.ConfirmErr != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}

	stored := f.reload(t)
	if stored.PrimaryToken != "new-sess-000001" || stored.CSRFToken != "new-jct" || stored.RefreshToken != "new-rt" {
		t.Fatalf("expected new tokens stored, got %+v", stored)
	}
	if stored.DeviceToken != "buvid" || stored.Status != models.CredentialActive {
		t.Fatalf("expected device token and status kept, got %+v", stored)
	}
}

func TestRefresh_ConfirmFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: true, confirmBody: `{"code":-111,"message":"csrf 校验失败"}`})

	out, err := f.refresher.Refresh(context.Background(), f.cred.Label)
	if err != nil {
		t.Fatalf("expected overall success, got %v", err)
	}
	if !out.Refreshed || out.Confirmed {
		t.Fatalf("expected refreshed but unconfirmed, got %+v", out)
	}
	if FailedStep(out.ConfirmErr) != StepConfirm {
		t.Fatalf("expected confirm error to name the step, got %v", out.ConfirmErr)
	}
	if stored := f.reload(t); stored.PrimaryToken != "new-sess-000001" || stored.RefreshToken != "new-rt" {
		t.Fatalf("expected new tokens kept, got %+v", stored)
	}
}

func TestRefresh_DisabledCredential(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: true})
	if _, err := f.store.Credentials().MarkStatus(context.Background(), f.cred.ID, models.CredentialDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}

	_, err := f.refresher.Refresh(context.Background(), f.cred.Label)
	if !apperr.Is(err, apperr.KindCredentialDisabled) || FailedStep(err) != StepLoad {
		t.Fatalf("expected CREDENTIAL_DISABLED at load, got %v", err)
	}
	if f.passport.total() != 0 {
		t.Fatalf("expected no platform calls, got %d", f.passport.total())
	}
}

func TestRefreshAll(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: false})
	if _, _, err := f.store.Credentials().UpsertFromLogin(context.Background(), db.LoginMaterial{
		ExternalAccountID: 777, PrimaryToken: "s2", CSRFToken: "j2",
	}); err != nil {
		t.Fatalf("seed second credential: %v", err)
	}

	results, err := f.refresher.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil || res.Outcome.Refreshed {
			t.Fatalf("unexpected result %+v", res)
		}
	}
}

// cancelAfterRefresh cancels the caller's context once the server has
// rotated the cookies.
type cancelAfterRefresh struct {
	Platform
	cancel context.CancelFunc
}

func (c *cancelAfterRefresh) RefreshCookie(ctx context.Context, cookies bilibili.Cookies, refreshCSRF, refreshToken string) (*bilibili.RefreshResult, error) {
	res, err := c.Platform.RefreshCookie(ctx, cookies, refreshCSRF, refreshToken)
	c.cancel()
	return res, err
}

func TestRefresh_StoresRotatedTokensAfterCallerCancels(t *testing.T) {
	f := newFixture(t, &fakePassport{needsRefresh: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.refresher.platform = &cancelAfterRefresh{Platform: f.refresher.platform, cancel: cancel}

	out, err := f.refresher.Refresh(ctx, f.cred.Label)
	if err != nil {
		t.Fatalf("expected the rotated tokens to be stored, got %v", err)
	}
	if !out.Refreshed || out.Confirmed {
		t.Fatalf("expected refreshed with the confirm cut short, got %+v", out)
	}
	stored := f.reload(t)
	if stored.PrimaryToken != "new-sess-000001" || stored.CSRFToken != "new-jct" || stored.RefreshToken != "new-rt" {
		t.Fatalf("expected new tokens stored, got SESSDATA=%s rt=%s", stored.PrimaryToken, stored.RefreshToken)
	}
}
