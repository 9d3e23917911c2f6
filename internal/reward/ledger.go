// Package reward issues one reward per (identity, target) once the bound
// account has completed the triple action on the target video.
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/logging"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/util"
	"github.com/pysugar/bililink/internal/verify"
)

// Status is the outcome of one reward cycle.
type Status string

const (
	StatusIssued             Status = "ISSUED"
	StatusAlreadyIssued      Status = "ALREADY_ISSUED"
	StatusNotEligible        Status = "NOT_ELIGIBLE"
	StatusNotBound           Status = "NOT_BOUND"
	StatusVerificationFailed Status = "VERIFICATION_FAILED"
	StatusStorageError       Status = "STORAGE_ERROR"
)

// Result is what the host gets back from IssueReward. Template is set on
// ISSUED so the host can deliver the reward.
type Result struct {
	Status       Status         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Message      string         `json:"message"`
	RecordID     string         `json:"record_id,omitempty"`
	RewardKey    string         `json:"reward_key,omitempty"`
	Template     *Template      `json:"template,omitempty"`
	Verification *verify.Result `json:"verification,omitempty"`
}

// Verifier runs the triple-action check.
type Verifier interface {
	CheckActions(ctx context.Context, cred *models.Credential, targetKey string) (*verify.Result, error)
}

type Notifier interface {
	Notify(identity, message string)
}

// Ledger serializes reward cycles per (identity, target). The lock is held
// from verification until the ISSUED row is written.
type Ledger struct {
	store    *db.Store
	verifier Verifier
	catalog  *Catalog
	notifier Notifier
	locks    util.KeyedMutex
}

func NewLedger(store *db.Store, verifier Verifier, catalog *Catalog, notifier Notifier) *Ledger {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Ledger{store: store, verifier: verifier, catalog: catalog, notifier: notifier}
}

// IssueReward runs one verification and reward cycle. Every call ends in
// exactly one Result and one notification.
func (l *Ledger) IssueReward(ctx context.Context, identity, targetKey, rewardKey string) Result {
	ctx = logging.EnsureFlowID(ctx)
	res := l.issue(ctx, identity, targetKey, rewardKey)
	metrics.RewardsTotal.WithLabelValues(string(res.Status)).Inc()
	log.Printf("%s🎁 [Reward] %s on %s: %s %s", logging.Prefix(ctx), identity, targetKey, res.Status, res.Reason)
	if l.notifier != nil {
		l.notifier.Notify(identity, res.Message)
	}
	return res
}

func (l *Ledger) issue(ctx context.Context, identity, targetKey, rewardKey string) Result {
	prefix := logging.Prefix(ctx)
	if identity == "" || targetKey == "" {
		return Result{Status: StatusNotEligible, Reason: "INVALID_REQUEST", Message: "A local identity and a target video are required."}
	}

	binding, err := l.store.Bindings().ActiveByIdentity(ctx, identity)
	if errors.Is(err, db.ErrNotFound) {
		return Result{Status: StatusNotBound, Message: "Bind a Bilibili account first."}
	}
	if err != nil {
		log.Printf("%s❌ [Reward] loading binding of %s: %v", prefix, identity, err)
		return storageFailure()
	}

	cred, err := l.store.Credentials().GetByAccount(ctx, binding.ExternalAccountID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return Result{Status: StatusNotEligible, Reason: string(apperr.KindCredentialExpired), Message: "No Bilibili login is stored for your account, log in again."}
	case err != nil:
		log.Printf("%s❌ [Reward] loading credential of uid %d: %v", prefix, binding.ExternalAccountID, err)
		return storageFailure()
	case cred.Status == models.CredentialDisabled:
		return Result{Status: StatusNotEligible, Reason: string(apperr.KindCredentialDisabled), Message: "Your Bilibili account is disabled here, contact an administrator."}
	case cred.Status == models.CredentialExpired:
		return Result{Status: StatusNotEligible, Reason: string(apperr.KindCredentialExpired), Message: "Your Bilibili login has expired, log in again."}
	}

	resolution := l.catalog.Resolve(targetKey, rewardKey)

	unlock := l.locks.Lock(identity + "\x00" + targetKey)
	defer unlock()

	if err := l.store.Credentials().Touch(ctx, cred.ID); err != nil {
		log.Printf("%s⚠️ [Reward] touching credential %s: %v", prefix, cred.Label, err)
	}
	check, verr := l.verifier.CheckActions(ctx, cred, targetKey)
	l.recordVerification(ctx, identity, targetKey, binding.ExternalAccountID, check, verr)
	if verr != nil {
		if apperr.Is(verr, apperr.KindAuthFailed) {
			if _, err := l.store.Credentials().MarkStatus(ctx, cred.ID, models.CredentialExpired); err != nil {
				log.Printf("%s⚠️ [Reward] marking credential %s expired: %v", prefix, cred.Label, err)
			} else {
				log.Printf("%s🔒 [Reward] credential %s rejected by Bilibili, marked EXPIRED", prefix, cred.Label)
			}
		}
		return Result{Status: StatusVerificationFailed, Reason: string(apperr.KindOf(verr)), Message: verificationMessage(verr, targetKey)}
	}
	if !check.AllSatisfied {
		return Result{
			Status:       StatusNotEligible,
			Reason:       "ACTIONS_INCOMPLETE",
			Message:      fmt.Sprintf("Not eligible yet for %s: like %s, coins %d, favourite %s.", targetKey, mark(check.LikeDone), check.CoinCount, mark(check.FavDone)),
			Verification: check,
		}
	}

	snapshot, _ := json.Marshal(struct {
		Verification *verify.Result `json:"verification"`
		Label        string         `json:"credential"`
	}{check, cred.Label})

	record, err := l.store.Rewards().IssueOnce(ctx, db.IssueRequest{
		LocalIdentityID:   identity,
		ExternalAccountID: binding.ExternalAccountID,
		TargetKey:         targetKey,
		RewardKey:         resolution.UsedKey,
		Context:           string(snapshot),
	})
	if apperr.Is(err, apperr.KindAlreadyIssued) {
		return Result{
			Status:       StatusAlreadyIssued,
			Message:      fmt.Sprintf("You already received the reward for %s.", targetKey),
			RecordID:     record.ID,
			RewardKey:    record.RewardKey,
			Verification: check,
		}
	}
	if err != nil {
		log.Printf("%s❌ [Reward] writing reward record: %v", prefix, err)
		return storageFailure()
	}

	name := resolution.UsedKey
	if resolution.Template != nil && resolution.Template.Name != "" {
		name = resolution.Template.Name
	}
	return Result{
		Status:       StatusIssued,
		Message:      fmt.Sprintf("Triple action confirmed on %s, reward %q issued.", targetKey, name),
		RecordID:     record.ID,
		RewardKey:    resolution.UsedKey,
		Template:     resolution.Template,
		Verification: check,
	}
}

// MarkDeliveryFailed records that the host could not deliver an issued
// reward. The pair may then be issued again.
func (l *Ledger) MarkDeliveryFailed(ctx context.Context, recordID, reason string) (*models.RewardRecord, error) {
	rec, err := l.store.Rewards().MarkFailed(ctx, recordID, reason)
	if err != nil {
		return nil, err
	}
	log.Printf("%s⚠️ [Reward] record %s marked FAILED: %s", logging.Prefix(ctx), recordID, reason)
	return rec, nil
}

// State is the stored view of one (identity, target) pair.
type State struct {
	Verification *models.VerificationStatus `json:"verification,omitempty"`
	Issued       *models.RewardRecord       `json:"issued,omitempty"`
}

func (l *Ledger) Status(ctx context.Context, identity, targetKey string) (*State, error) {
	var st State
	v, err := l.store.Verifications().Get(ctx, identity, targetKey)
	switch {
	case err == nil:
		st.Verification = v
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}
	rec, err := l.store.Rewards().FindIssued(ctx, identity, targetKey)
	switch {
	case err == nil:
		st.Issued = rec
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}
	return &st, nil
}

func (l *Ledger) recordVerification(ctx context.Context, identity, targetKey string, accountID int64, check *verify.Result, verr error) {
	row := models.VerificationStatus{
		LocalIdentityID:   identity,
		TargetKey:         targetKey,
		ExternalAccountID: accountID,
		LastCheckedAt:     time.Now(),
	}
	if verr != nil {
		row.LastError = util.TruncateLog(verr.Error(), 256)
	} else {
		row.LikeDone = check.LikeDone
		row.CoinCount = check.CoinCount
		row.FavDone = check.FavDone
		row.AllSatisfied = check.AllSatisfied
	}
	if err := l.store.Verifications().Record(ctx, row); err != nil {
		log.Printf("%s⚠️ [Reward] caching verification of %s/%s: %v", logging.Prefix(ctx), identity, targetKey, err)
	}
}

func storageFailure() Result {
	return Result{Status: StatusStorageError, Reason: string(apperr.KindStorage), Message: "The reward could not be recorded, try again later."}
}

func verificationMessage(err error, targetKey string) string {
	switch apperr.KindOf(err) {
	case apperr.KindAuthFailed, apperr.KindCredentialExpired:
		return "Your Bilibili login has expired, log in again."
	case apperr.KindRateLimited:
		return "Bilibili is limiting requests right now, try again in a few minutes."
	case apperr.KindNotFound:
		return fmt.Sprintf("Video %s was not found on Bilibili.", targetKey)
	case apperr.KindNetworkTimeout, apperr.KindNetworkUnreachable, apperr.KindNetworkOther:
		return "Could not reach Bilibili, try again later."
	default:
		return "Verification failed, try again later."
	}
}

func mark(ok bool) string {
	if ok {
		return "done"
	}
	return "missing"
}
