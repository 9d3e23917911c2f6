package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/reward"
)

type RewardService interface {
	IssueReward(ctx context.Context, identity, targetKey, rewardKey string) reward.Result
	MarkDeliveryFailed(ctx context.Context, recordID, reason string) (*models.RewardRecord, error)
	Status(ctx context.Context, identity, targetKey string) (*reward.State, error)
}

type issueRequest struct {
	Identity  string `json:"identity"`
	Target    string `json:"target"`
	RewardKey string `json:"reward_key"`
}

// IssueRewardHandler runs one reward cycle. Every ledger outcome is a 200
// with the status in the body; only malformed requests are rejected.
func IssueRewardHandler(rewards RewardService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Identity == "" || req.Target == "" {
			writeError(w, http.StatusBadRequest, "identity and target are required")
			return
		}
		writeJSON(w, http.StatusOK, rewards.IssueReward(r.Context(), req.Identity, req.Target, req.RewardKey))
	}
}

func RewardStatusHandler(rewards RewardService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		target := r.URL.Query().Get("target")
		if identity == "" || target == "" {
			writeError(w, http.StatusBadRequest, "identity and target are required")
			return
		}
		st, err := rewards.Status(r.Context(), identity, target)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type deliveryFailedRequest struct {
	Reason string `json:"reason"`
}

// DeliveryFailedHandler flips an issued record to FAILED after the host
// could not hand the reward out.
func DeliveryFailedHandler(rewards RewardService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deliveryFailedRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Reason == "" {
			req.Reason = "delivery failed"
		}
		rec, err := rewards.MarkDeliveryFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
