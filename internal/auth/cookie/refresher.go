// Package cookie keeps stored Bilibili cookies alive with the five-step web
// refresh: check, encrypt, fetch refresh_csrf, refresh, confirm.
package cookie

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/logging"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/platform/bilibili"
	"github.com/pysugar/bililink/internal/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Step names one stage of a refresh.
type Step string

const (
	StepLoad      Step = "load"
	StepCheck     Step = "check"
	StepEncrypt   Step = "encrypt"
	StepFetchCSRF Step = "fetch_csrf"
	StepRefresh   Step = "refresh"
	StepStore     Step = "store"
	StepConfirm   Step = "confirm"
)

// StepError reports which step stopped a refresh.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("cookie refresh failed at %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step of a *StepError in err's chain, or "".
func FailedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// Outcome describes a refresh that got through steps 1-4, or stopped early
// because the server said no refresh was needed.
type Outcome struct {
	Credential *models.Credential
	// Refreshed is false when the check step reported nothing to do.
	Refreshed bool
	// Confirmed is true when the old refresh token was retired. ConfirmErr
	// holds the reason otherwise; it never fails the refresh.
	Confirmed  bool
	ConfirmErr error
}

const storeTimeout = 10 * time.Second

// Platform is the subset of the Bilibili client used by the refresh.
type Platform interface {
	CookieInfo(ctx context.Context, cookies bilibili.Cookies) (*bilibili.CookieInfo, error)
	FetchRefreshCSRF(ctx context.Context, cookies bilibili.Cookies, correspondPath string) (string, error)
	RefreshCookie(ctx context.Context, cookies bilibili.Cookies, refreshCSRF, refreshToken string) (*bilibili.RefreshResult, error)
	ConfirmRefresh(ctx context.Context, newCookies bilibili.Cookies, oldRefreshToken string) error
}

// Refresher runs cookie refreshes. Concurrent refreshes of the same
// credential share one run; different credentials proceed independently.
type Refresher struct {
	credentials *db.CredentialStore
	platform    Platform
	publicKey   *rsa.PublicKey
	group       singleflight.Group
	// Parallelism bounds RefreshAll.
	Parallelism int
}

func NewRefresher(credentials *db.CredentialStore, platform Platform, publicKey *rsa.PublicKey) *Refresher {
	return &Refresher{
		credentials: credentials,
		platform:    platform,
		publicKey:   publicKey,
		Parallelism: 4,
	}
}

// Refresh runs the five steps for the credential with the given label.
// A failure in steps 1-4 leaves the stored row untouched and returns a
// *StepError.
func (r *Refresher) Refresh(ctx context.Context, label string) (*Outcome, error) {
	v, err, shared := r.group.Do(label, func() (interface{}, error) {
		return r.refresh(logging.EnsureFlowID(ctx), label)
	})
	if shared {
		log.Printf("%s🔗 [Refresh] %s: joined an in-flight refresh", logging.Prefix(ctx), label)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

func (r *Refresher) refresh(ctx context.Context, label string) (*Outcome, error) {
	prefix := logging.Prefix(ctx)

	cred, err := r.credentials.GetByLabel(ctx, label)
	if err != nil {
		return nil, r.fail(ctx, label, StepLoad, err)
	}
	switch cred.Status {
	case models.CredentialDisabled:
		return nil, r.fail(ctx, label, StepLoad, apperr.New(apperr.KindCredentialDisabled, "cookie.Refresh", nil))
	case models.CredentialExpired:
		return nil, r.fail(ctx, label, StepLoad, apperr.New(apperr.KindCredentialExpired, "cookie.Refresh", nil))
	}
	cookies := bilibili.CredentialCookies(cred)

	// 1. check
	info, err := r.platform.CookieInfo(ctx, cookies)
	if err != nil {
		return nil, r.fail(ctx, label, StepCheck, err)
	}
	if !info.NeedsRefresh {
		log.Printf("%s✅ [Refresh] %s: cookies still fresh", prefix, label)
		metrics.CookieRefreshTotal.WithLabelValues("unchanged", string(StepCheck)).Inc()
		return &Outcome{Credential: cred}, nil
	}
	if cred.RefreshToken == "" {
		return nil, r.fail(ctx, label, StepCheck, apperr.New(apperr.KindCredentialExpired, "cookie.Refresh", errors.New("no refresh token stored, re-login required")))
	}
	log.Printf("%s🔄 [Refresh] %s: server asks for a refresh (ts=%d)", prefix, label, info.Timestamp)

	// 2. encrypt
	path, err := bilibili.CorrespondPath(r.publicKey, info.Timestamp)
	if err != nil {
		return nil, r.fail(ctx, label, StepEncrypt, err)
	}

	// 3. fetch refresh_csrf
	refreshCSRF, err := r.platform.FetchRefreshCSRF(ctx, cookies, path)
	if err != nil {
		return nil, r.fail(ctx, label, StepFetchCSRF, err)
	}

	// 4. refresh
	oldRefreshToken := cred.RefreshToken
	res, err := r.platform.RefreshCookie(ctx, cookies, refreshCSRF, oldRefreshToken)
	if err != nil {
		return nil, r.fail(ctx, label, StepRefresh, err)
	}

	update := db.TokenUpdate{
		PrimaryToken: res.Cookies.SESSDATA,
		CSRFToken:    res.Cookies.BiliJct,
		RefreshToken: res.RefreshToken,
		DeviceToken:  res.Cookies.Buvid3,
	}
	if !res.Cookies.Expires.IsZero() {
		exp := res.Cookies.Expires
		update.CookieExpiresAt = &exp
	}
	// The server has retired the old tokens; the new ones must be stored
	// even if the caller gave up meanwhile.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	updated, err := r.credentials.UpdateTokens(storeCtx, cred.ID, update)
	cancel()
	if err != nil {
		return nil, r.fail(ctx, label, StepStore, err)
	}
	log.Printf("%s✅ [Refresh] %s: cookies rotated (SESSDATA %s)", prefix, label, util.MaskSecret(update.PrimaryToken))

	// 5. confirm
	out := &Outcome{Credential: updated, Refreshed: true}
	if err := r.platform.ConfirmRefresh(ctx, res.Cookies, oldRefreshToken); err != nil {
		out.ConfirmErr = &StepError{Step: StepConfirm, Err: err}
		log.Printf("%s⚠️ [Refresh] %s: confirm failed, new cookies kept: %v", prefix, label, err)
		metrics.CookieRefreshTotal.WithLabelValues("refreshed_unconfirmed", string(StepConfirm)).Inc()
		return out, nil
	}
	out.Confirmed = true
	metrics.CookieRefreshTotal.WithLabelValues("refreshed", string(StepConfirm)).Inc()
	return out, nil
}

func (r *Refresher) fail(ctx context.Context, label string, step Step, err error) error {
	metrics.CookieRefreshTotal.WithLabelValues("failed", string(step)).Inc()
	if apperr.Is(err, apperr.KindAuthFailed) {
		log.Printf("%s🔒 [Refresh] %s: cookies rejected at %s, re-login required", logging.Prefix(ctx), label, step)
	} else {
		log.Printf("%s❌ [Refresh] %s: %s failed: %v", logging.Prefix(ctx), label, step, err)
	}
	return &StepError{Step: step, Err: err}
}

// Result is one line of a RefreshAll report.
type Result struct {
	Label   string
	Outcome *Outcome
	Err     error
}

// RefreshAll refreshes every ACTIVE credential, a few at a time. One
// failing credential does not stop the others.
func (r *Refresher) RefreshAll(ctx context.Context) ([]Result, error) {
	creds, err := r.credentials.ListByStatus(ctx, models.CredentialActive)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(creds))
	g, gctx := errgroup.WithContext(ctx)
	if r.Parallelism > 0 {
		g.SetLimit(r.Parallelism)
	}
	for i := range creds {
		i, label := i, creds[i].Label
		g.Go(func() error {
			out, err := r.Refresh(logging.WithFlowID(gctx, logging.NewFlowID()), label)
			results[i] = Result{Label: label, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	refreshed, failed := 0, 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.Outcome.Refreshed:
			refreshed++
		}
	}
	log.Printf("🔄 [Refresh] checked %d credentials: %d refreshed, %d failed", len(results), refreshed, failed)
	return results, nil
}

// StartRefreshLoop runs RefreshAll every interval until ctx is cancelled.
func (r *Refresher) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("🛑 [Refresh] loop stopped")
				return
			case <-ticker.C:
				if _, err := r.RefreshAll(ctx); err != nil {
					log.Printf("⚠️ [Refresh] listing credentials failed: %v", err)
				}
			}
		}
	}()
	log.Printf("🔄 [Refresh] loop started (interval: %s)", interval)
}
