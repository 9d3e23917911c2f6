// Package verify checks the triple action (like, coin, favourite) of one
// account on one video.
package verify

import (
	"context"
	"log"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/logging"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/platform/bilibili"
	"golang.org/x/sync/errgroup"
)

// Platform is the subset of the Bilibili client used for verification.
type Platform interface {
	HasLiked(ctx context.Context, cookies bilibili.Cookies, bvid string) (bool, error)
	CoinCount(ctx context.Context, cookies bilibili.Cookies, bvid string) (int, error)
	IsFavoured(ctx context.Context, cookies bilibili.Cookies, target string) (bool, error)
}

// Result is the combined answer of the three queries.
type Result struct {
	LikeDone     bool `json:"like_done"`
	CoinCount    int  `json:"coin_count"`
	FavDone      bool `json:"fav_done"`
	AllSatisfied bool `json:"all_satisfied"`
}

type Service struct {
	platform Platform
	minCoins int
}

// NewService builds a Service. minCoins below 1 is raised to 1.
func NewService(platform Platform, minCoins int) *Service {
	if minCoins < 1 {
		minCoins = 1
	}
	return &Service{platform: platform, minCoins: minCoins}
}

// CheckActions runs the three queries concurrently and returns only when
// all of them answered. Any failure fails the whole check; no partial
// result is returned.
func (s *Service) CheckActions(ctx context.Context, cred *models.Credential, targetKey string) (*Result, error) {
	const op = "verify.CheckActions"
	if cred == nil {
		return nil, apperr.New(apperr.KindCredentialExpired, op, nil)
	}
	switch cred.Status {
	case models.CredentialDisabled:
		return nil, apperr.New(apperr.KindCredentialDisabled, op, nil)
	case models.CredentialExpired:
		return nil, apperr.New(apperr.KindCredentialExpired, op, nil)
	}
	cookies := bilibili.CredentialCookies(cred)

	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		liked, err := s.platform.HasLiked(gctx, cookies, targetKey)
		res.LikeDone = liked
		return err
	})
	g.Go(func() error {
		coins, err := s.platform.CoinCount(gctx, cookies, targetKey)
		res.CoinCount = coins
		return err
	})
	g.Go(func() error {
		fav, err := s.platform.IsFavoured(gctx, cookies, targetKey)
		res.FavDone = fav
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.VerificationsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		log.Printf("%s⚠️ [Verify] %s on %s failed: %v", logging.Prefix(ctx), cred.Label, targetKey, err)
		return nil, err
	}

	res.AllSatisfied = res.LikeDone && res.CoinCount >= s.minCoins && res.FavDone
	if res.AllSatisfied {
		metrics.VerificationsTotal.WithLabelValues("satisfied").Inc()
	} else {
		metrics.VerificationsTotal.WithLabelValues("unsatisfied").Inc()
	}
	log.Printf("%s🔍 [Verify] %s on %s: like=%t coins=%d fav=%t", logging.Prefix(ctx), cred.Label, targetKey, res.LikeDone, res.CoinCount, res.FavDone)
	return &res, nil
}
