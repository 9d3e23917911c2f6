// Package qrlogin runs the Bilibili QR login flow per local identity:
// generate a code, poll it until confirmed, then store the cookies and bind
// the account.
package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/logging"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/platform/bilibili"
	"github.com/pysugar/bililink/internal/util"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTTL          = 180 * time.Second
	// DefaultMaxRecent bounds how many finished sessions stay readable.
	DefaultMaxRecent = 1024
)

// Platform is the subset of the Bilibili client used by the login flow.
type Platform interface {
	GenerateQRCode(ctx context.Context) (*bilibili.QRCode, error)
	PollQRCode(ctx context.Context, key string) (*bilibili.PollResult, error)
	Nav(ctx context.Context, cookies bilibili.Cookies) (*bilibili.Account, error)
	DeviceToken(ctx context.Context) (string, error)
}

// Notifier receives the human-readable outcome of a login.
type Notifier interface {
	Notify(identity, message string)
}

type Options struct {
	PollInterval time.Duration
	TTL          time.Duration
	MaxRecent    int
}

// Manager owns every live login session. At most one session exists per
// identity; starting a new one cancels the previous.
type Manager struct {
	platform    Platform
	credentials *db.CredentialStore
	bindings    *db.BindingStore
	notifier    Notifier
	interval    time.Duration
	ttl         time.Duration
	maxRecent   int

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	recent   map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(platform Platform, store *db.Store, notifier Notifier, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = DefaultMaxRecent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		platform:    platform,
		credentials: store.Credentials(),
		bindings:    store.Bindings(),
		notifier:    notifier,
		interval:    opts.PollInterval,
		ttl:         opts.TTL,
		maxRecent:   opts.MaxRecent,
		baseCtx:     ctx,
		cancelBase:  cancel,
		sessions:    make(map[string]*Session),
		recent:      make(map[string]*Session),
	}
}

// StartLogin cancels any session of identity, generates a new QR code and
// starts polling it in the background. The returned session carries the
// code for display; cookies never leave the manager.
func (m *Manager) StartLogin(ctx context.Context, identity, displayName string) (*Session, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}
	if err := m.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("login manager stopped: %w", err)
	}
	m.CancelLogin(identity)

	flowCtx := logging.WithFlowID(m.baseCtx, logging.NewFlowID())
	prefix := logging.Prefix(flowCtx)

	qr, err := m.platform.GenerateQRCode(ctx)
	if err != nil {
		log.Printf("%s❌ [Login] %s: generating QR code failed: %v", prefix, identity, err)
		metrics.LoginsTotal.WithLabelValues("generate_failed").Inc()
		return nil, err
	}

	now := time.Now()
	pollCtx, cancel := context.WithCancel(flowCtx)
	s := &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		DisplayName: displayName,
		QRURL:       qr.URL,
		QRKey:       qr.Key,
		CreatedAt:   now,
		ExpireAt:    now.Add(m.ttl),
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateAwaitingScan,
	}

	// Registration and wg.Add happen under mu so CancelAll either sees
	// this session or makes us refuse it.
	m.mu.Lock()
	if err := m.baseCtx.Err(); err != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("login manager stopped: %w", err)
	}
	prev := m.sessions[identity]
	m.sessions[identity] = s
	m.wg.Add(1)
	metrics.LoginSessionsActive.Inc()
	m.mu.Unlock()
	if prev != nil {
		// Lost a race with a concurrent StartLogin for the same identity.
		m.stop(prev, StateCancelled, "")
	}

	log.Printf("%s📱 [Login] %s: QR code issued (key %s, expires %s)", prefix, identity, util.MaskSecret(qr.Key), s.ExpireAt.Format(time.RFC3339))
	m.notify(identity, fmt.Sprintf("Scan this QR code with the Bilibili app to log in: %s (valid until %s)", qr.URL, s.ExpireAt.Format("15:04:05")))

	go m.poll(pollCtx, s)
	return s, nil
}

// CancelLogin stops the identity's live session, if any.
func (m *Manager) CancelLogin(identity string) bool {
	m.mu.Lock()
	s := m.sessions[identity]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return m.stop(s, StateCancelled, "")
}

// CancelAll stops every session and refuses new ones. It waits for the
// poll goroutines to exit.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	m.cancelBase()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		m.stop(s, StateCancelled, "")
	}
	m.wg.Wait()
}

// Session returns the identity's live session, or its most recent finished
// one.
func (m *Manager) Session(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return s, true
	}
	s, ok := m.recent[identity]
	return s, ok
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) poll(ctx context.Context, s *Session) {
	defer m.wg.Done()
	prefix := logging.Prefix(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	expiry := time.NewTimer(time.Until(s.ExpireAt))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			m.expire(ctx, s)
			return
		case <-ticker.C:
		}

		if !time.Now().Before(s.ExpireAt) {
			m.expire(ctx, s)
			return
		}

		res, err := m.platform.PollQRCode(ctx, s.QRKey)
		if ctx.Err() != nil || !m.live(s) {
			return
		}
		if err != nil {
			log.Printf("%s⚠️ [Login] %s: poll failed, retrying next tick: %v", prefix, s.Identity, err)
			continue
		}

		switch res.Status {
		case bilibili.PollNotScanned:
		case bilibili.PollScanned:
			if s.State() == StateAwaitingScan && s.advance(StateAwaitingConfirm) {
				log.Printf("%s👀 [Login] %s: code scanned, waiting for confirmation", prefix, s.Identity)
				m.notify(s.Identity, "QR code scanned, confirm the login in the Bilibili app.")
			}
		case bilibili.PollExpired:
			m.expire(ctx, s)
			return
		case bilibili.PollConfirmed:
			if !s.advance(StateResolving) {
				return
			}
			log.Printf("%s🔐 [Login] %s: login confirmed, resolving account", prefix, s.Identity)
			m.resolve(ctx, s, res.Cookies, res.RefreshToken)
			return
		}
	}
}

// resolve stores the cookies of a confirmed login and binds the account.
// The cookies arrive as an argument from the poll that produced them.
func (m *Manager) resolve(ctx context.Context, s *Session, cookies bilibili.Cookies, refreshToken string) {
	prefix := logging.Prefix(ctx)

	accountID, accountName := cookies.AccountID(), ""
	acct, err := m.platform.Nav(ctx, cookies)
	switch {
	case err == nil:
		accountID, accountName = acct.Mid, acct.Name
	case accountID > 0:
		log.Printf("%s⚠️ [Login] %s: nav failed, using DedeUserID %d: %v", prefix, s.Identity, accountID, err)
	default:
		log.Printf("%s❌ [Login] %s: cannot resolve account: %v", prefix, s.Identity, err)
		m.finish(ctx, s, StateFailed, "Login failed: the Bilibili account could not be resolved, please try again.")
		return
	}
	s.setAccount(accountID, accountName)

	if cookies.Buvid3 == "" {
		if buvid, err := m.platform.DeviceToken(ctx); err == nil {
			cookies.Buvid3 = buvid
		} else {
			log.Printf("%s⚠️ [Login] %s: no device token: %v", prefix, s.Identity, err)
		}
	}

	if ctx.Err() != nil || !m.live(s) {
		return
	}

	material := db.LoginMaterial{
		ExternalAccountID: accountID,
		PrimaryToken:      cookies.SESSDATA,
		CSRFToken:         cookies.BiliJct,
		DeviceToken:       cookies.Buvid3,
		RefreshToken:      refreshToken,
	}
	if !cookies.Expires.IsZero() {
		exp := cookies.Expires
		material.CookieExpiresAt = &exp
	}
	cred, created, err := m.credentials.UpsertFromLogin(ctx, material)
	if err != nil {
		log.Printf("%s❌ [Login] %s: storing credential failed: %v", prefix, s.Identity, err)
		m.finish(ctx, s, StateFailed, "Login failed: the account could not be saved, please try again.")
		return
	}
	if created {
		log.Printf("%s💾 [Login] created credential %s for uid %d", prefix, cred.Label, accountID)
	} else {
		log.Printf("%s💾 [Login] updated credential %s for uid %d", prefix, cred.Label, accountID)
	}

	if ctx.Err() != nil || !m.live(s) {
		log.Printf("%s🛑 [Login] %s: cancelled before binding, credential %s kept unbound", prefix, s.Identity, cred.Label)
		return
	}

	result, _, err := m.bindings.Bind(ctx, db.BindRequest{
		LocalIdentityID:     s.Identity,
		LocalDisplayName:    s.DisplayName,
		ExternalAccountID:   accountID,
		ExternalDisplayName: accountName,
	})
	s.setBindResult(result)
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		log.Printf("%s❌ [Login] %s: bind failed: %v", prefix, s.Identity, err)
	}
	m.finish(ctx, s, bindState(result), bindMessage(result, accountID, accountName))
}

func bindState(r db.BindResult) State {
	if r.OK() {
		return StateDone
	}
	return StateFailed
}

func bindMessage(r db.BindResult, accountID int64, name string) string {
	who := fmt.Sprintf("uid %d", accountID)
	if name != "" {
		who = fmt.Sprintf("%s (uid %d)", name, accountID)
	}
	switch r {
	case db.BindSuccess:
		return fmt.Sprintf("Bilibili account %s bound successfully.", who)
	case db.BindAlreadyBoundSame:
		return fmt.Sprintf("Bilibili account %s bound successfully (already linked, login refreshed).", who)
	case db.BindLocalBoundOther:
		return "Binding failed: you are already bound to another Bilibili account, unbind it first."
	case db.BindExternalBoundOther:
		return fmt.Sprintf("Binding failed: Bilibili account %s is already bound to another user.", who)
	default:
		return "Binding failed because of an internal error, please try again later."
	}
}

func (m *Manager) expire(ctx context.Context, s *Session) {
	log.Printf("%s⌛ [Login] %s: QR code expired", logging.Prefix(ctx), s.Identity)
	m.finish(ctx, s, StateExpired, "The QR code expired, start the login again.")
}

// finish ends the session from its own poll goroutine and sends the one
// notification of the terminal event.
func (m *Manager) finish(ctx context.Context, s *Session, state State, message string) {
	if !m.stop(s, state, message) {
		return
	}
	switch state {
	case StateDone:
		log.Printf("%s✅ [Login] %s: %s", logging.Prefix(ctx), s.Identity, message)
	default:
		log.Printf("%s❌ [Login] %s: %s", logging.Prefix(ctx), s.Identity, message)
	}
	m.notify(s.Identity, message)
}

// stop makes s terminal, unregisters it and cancels its poll loop. It
// returns false if s had already ended.
func (m *Manager) stop(s *Session, state State, message string) bool {
	if !s.terminate(state, message) {
		return false
	}
	m.mu.Lock()
	if m.sessions[s.Identity] == s {
		delete(m.sessions, s.Identity)
	}
	m.recent[s.Identity] = s
	if len(m.recent) > m.maxRecent {
		m.evictRecent()
	}
	m.mu.Unlock()

	s.cancel()
	metrics.LoginSessionsActive.Dec()
	metrics.LoginsTotal.WithLabelValues(string(state)).Inc()
	if state == StateCancelled {
		log.Printf("🛑 [Login] %s: session cancelled", s.Identity)
	}
	return true
}

// evictRecent drops the finished session created longest ago. Callers hold mu.
func (m *Manager) evictRecent() {
	var oldest *Session
	for _, s := range m.recent {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(m.recent, oldest.Identity)
	}
}

// live reports whether s is still the identity's registered session.
func (m *Manager) live(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.Identity] == s && !s.State().Terminal()
}

func (m *Manager) notify(identity, message string) {
	if m.notifier != nil {
		m.notifier.Notify(identity, message)
	}
}
