package reward

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/verify"
)

type stubVerifier struct {
	result *verify.Result
	err    error
	calls  atomic.Int32
	delay  time.Duration
}

func (s *stubVerifier) CheckActions(ctx context.Context, cred *models.Credential, targetKey string) (*verify.Result, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	count map[string]int
}

func (n *countingNotifier) Notify(identity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count == nil {
		n.count = make(map[string]int)
	}
	n.count[identity]++
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
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
	return db.New(gdb, time.Minute)
}

// seedBound binds identity to accountID and stores an ACTIVE credential.
func seedBound(t *testing.T, store *db.Store, identity string, accountID int64) *models.Credential {
	t.Helper()
	ctx := context.Background()
	cred, _, err := store.Credentials().UpsertFromLogin(ctx, db.LoginMaterial{ExternalAccountID: accountID, PrimaryToken: "sess", CSRFToken: "jct"})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	if res, _, err := store.Bindings().Bind(ctx, db.BindRequest{LocalIdentityID: identity, ExternalAccountID: accountID}); err != nil || !res.OK() {
		t.Fatalf("seed binding: %s %v", res, err)
	}
	return cred
}

func countRows(t *testing.T, store *db.Store) int64 {
	t.Helper()
	var n int64
	if err := store.DB.Model(&models.RewardRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count rewards: %v", err)
	}
	return n
}

var satisfied = &verify.Result{LikeDone: true, CoinCount: 1, FavDone: true, AllSatisfied: true}

func TestIssueReward_IssuedThenAlreadyIssued(t *testing.T) {
	store := newTestStore(t)
	seedBound(t, store, "A", 12345)
	notifier := &countingNotifier{}
	ledger := NewLedger(store, &stubVerifier{result: satisfied}, nil, notifier)
	ctx := context.Background()

	first := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if first.Status != StatusIssued {
		t.Fatalf("expected ISSUED, got %+v", first)
	}
	if first.RewardKey != "default" || first.Template == nil || first.RecordID == "" {
		t.Fatalf("expected the default template and a record id, got %+v", first)
	}

	second := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if second.Status != StatusAlreadyIssued || second.RecordID != first.RecordID {
		t.Fatalf("expected ALREADY_ISSUED for %s, got %+v", first.RecordID, second)
	}
	if n := countRows(t, store); n != 1 {
		t.Fatalf("expected one reward row, got %d", n)
	}
	if notifier.count["A"] != 2 {
		t.Fatalf("expected one notification per call, got %d", notifier.count["A"])
	}
}

func TestIssueReward_NotEligibleWritesNoRow(t *testing.T) {
	store := newTestStore(t)
	seedBound(t, store, "A", 12345)
	unsatisfied := &verify.Result{LikeDone: true, CoinCount: 0, FavDone: true}
	ledger := NewLedger(store, &stubVerifier{result: unsatisfied}, nil, nil)
	ctx := context.Background()

	res := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if res.Status != StatusNotEligible || res.Reason != "ACTIONS_INCOMPLETE" {
		t.Fatalf("expected NOT_ELIGIBLE, got %+v", res)
	}
	if n := countRows(t, store); n != 0 {
		t.Fatalf("expected no reward rows, got %d", n)
	}

	st, err := ledger.Status(ctx, "A", "BV1xx")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Verification == nil || st.Verification.AllSatisfied || !st.Verification.LikeDone || st.Issued != nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestIssueReward_NotBound(t *testing.T) {
	store := newTestStore(t)
	verifier := &stubVerifier{result: satisfied}
	ledger := NewLedger(store, verifier, nil, nil)

	res := ledger.IssueReward(context.Background(), "nobody", "BV1xx", "")
	if res.Status != StatusNotBound {
		t.Fatalf("expected NOT_BOUND, got %+v", res)
	}
	if verifier.calls.Load() != 0 {
		t.Fatal("expected no verification for an unbound identity")
	}
}

func TestIssueReward_AuthFailureExpiresCredential(t *testing.T) {
	store := newTestStore(t)
	cred := seedBound(t, store, "A", 12345)
	verifier := &stubVerifier{err: apperr.WithCode(apperr.KindAuthFailed, "bilibili.HasLiked", -101, nil)}
	ledger := NewLedger(store, verifier, nil, nil)
	ctx := context.Background()

	res := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if res.Status != StatusVerificationFailed || res.Reason != string(apperr.KindAuthFailed) {
		t.Fatalf("expected VERIFICATION_FAILED/AUTH_FAILED, got %+v", res)
	}

	stored, err := store.Credentials().Get(ctx, cred.ID)
	if err != nil {
		t.Fatalf("reload credential: %v", err)
	}
	if stored.Status != models.CredentialExpired || stored.ExpiredAt == nil || stored.LastUsedAt == nil {
		t.Fatalf("expected an expired, touched credential, got %+v", stored)
	}

	next := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if next.Status != StatusNotEligible || next.Reason != string(apperr.KindCredentialExpired) {
		t.Fatalf("expected NOT_ELIGIBLE/CREDENTIAL_EXPIRED, got %+v", next)
	}
	if verifier.calls.Load() != 1 {
		t.Fatalf("expected no second verification, got %d calls", verifier.calls.Load())
	}
}

func TestIssueReward_DisabledCredential(t *testing.T) {
	store := newTestStore(t)
	cred := seedBound(t, store, "A", 12345)
	if _, err := store.Credentials().MarkStatus(context.Background(), cred.ID, models.CredentialDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	ledger := NewLedger(store, &stubVerifier{result: satisfied}, nil, nil)

	res := ledger.IssueReward(context.Background(), "A", "BV1xx", "")
	if res.Status != StatusNotEligible || res.Reason != string(apperr.KindCredentialDisabled) {
		t.Fatalf("expected NOT_ELIGIBLE/CREDENTIAL_DISABLED, got %+v", res)
	}
}

func TestIssueReward_ConcurrentCallsIssueOnce(t *testing.T) {
	store := newTestStore(t)
	seedBound(t, store, "A", 12345)
	ledger := NewLedger(store, &stubVerifier{result: satisfied, delay: 5 * time.Millisecond}, nil, nil)

	var wg sync.WaitGroup
	statuses := make([]Status, 10)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = ledger.IssueReward(context.Background(), "A", "BV1xx", "").Status
		}(i)
	}
	wg.Wait()

	issued := 0
	for _, s := range statuses {
		switch s {
		case StatusIssued:
			issued++
		case StatusAlreadyIssued:
		default:
			t.Fatalf("unexpected status %s", s)
		}
	}
	if issued != 1 {
		t.Fatalf("expected exactly one ISSUED, got %d", issued)
	}
	if n := countRows(t, store); n != 1 {
		t.Fatalf("expected one reward row, got %d", n)
	}
}

func TestMarkDeliveryFailed_AllowsReissue(t *testing.T) {
	store := newTestStore(t)
	seedBound(t, store, "A", 12345)
	ledger := NewLedger(store, &stubVerifier{result: satisfied}, nil, nil)
	ctx := context.Background()

	first := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if _, err := ledger.MarkDeliveryFailed(ctx, first.RecordID, "inventory full"); err != nil {
		t.Fatalf("MarkDeliveryFailed: %v", err)
	}
	again := ledger.IssueReward(ctx, "A", "BV1xx", "")
	if again.Status != StatusIssued || again.RecordID == first.RecordID {
		t.Fatalf("expected a fresh ISSUED record, got %+v", again)
	}
}
