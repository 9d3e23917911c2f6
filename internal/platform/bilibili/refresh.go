package bilibili

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pysugar/bililink/internal/apperr"
)

// CookieInfo is the answer of the refresh check.
type CookieInfo struct {
	NeedsRefresh bool  `json:"refresh"`
	Timestamp    int64 `json:"timestamp"`
}

// RefreshResult carries the rotated cookies and refresh token. Cookies is
// the old set with every cookie the server re-issued applied on top.
type RefreshResult struct {
	Cookies      Cookies
	RefreshToken string
}

var refreshCSRFPattern = regexp.MustCompile(`<div id="1-name">\s*([^<\s]+)\s*</div>`)

func (c *Client) CookieInfo(ctx context.Context, cookies Cookies) (*CookieInfo, error) {
	const op = "bilibili.CookieInfo"
	resp, err := c.doJSON(ctx, request{
		endpoint: "CookieInfo",
		method:   http.MethodGet,
		url:      c.passportBase + "/x/passport-login/web/cookie/info?csrf=" + url.QueryEscape(cookies.BiliJct),
		cookies:  &cookies,
	})
	if err != nil {
		return nil, err
	}
	var info CookieInfo
	if err := decodeData(op, resp.Data, &info); err != nil {
		return nil, err
	}
	if info.NeedsRefresh && info.Timestamp <= 0 {
		return nil, apperr.New(apperr.KindProtocol, op, fmt.Errorf("refresh requested without timestamp"))
	}
	return &info, nil
}

// FetchRefreshCSRF loads the correspond page and extracts the one-time
// refresh_csrf token.
func (c *Client) FetchRefreshCSRF(ctx context.Context, cookies Cookies, correspondPath string) (string, error) {
	const op = "bilibili.FetchRefreshCSRF"
	body, err := c.doHTML(ctx, request{
		endpoint: "FetchRefreshCSRF",
		method:   http.MethodGet,
		url:      c.wwwBase + "/correspond/1/" + url.PathEscape(correspondPath),
		cookies:  &cookies,
	})
	if err != nil {
		return "", err
	}
	m := refreshCSRFPattern.FindSubmatch(body)
	if m == nil {
		return "", apperr.New(apperr.KindProtocol, op, fmt.Errorf("refresh_csrf marker not found"))
	}
	return html.UnescapeString(string(m[1])), nil
}

// RefreshCookie exchanges the current cookies for new ones.
func (c *Client) RefreshCookie(ctx context.Context, cookies Cookies, refreshCSRF, refreshToken string) (*RefreshResult, error) {
	const op = "bilibili.RefreshCookie"
	form := url.Values{}
	form.Set("csrf", cookies.BiliJct)
	form.Set("refresh_csrf", refreshCSRF)
	form.Set("source", "main_web")
	form.Set("refresh_token", refreshToken)

	resp, err := c.doJSON(ctx, request{
		endpoint: "RefreshCookie",
		method:   http.MethodPost,
		url:      c.passportBase + "/x/passport-login/web/cookie/refresh",
		form:     form,
		cookies:  &cookies,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		Status       int    `json:"status"`
		Message      string `json:"message"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return nil, err
	}

	issued := cookiesFromHeader(resp.Header)
	if !issued.Complete() {
		return nil, apperr.New(apperr.KindProtocol, op, fmt.Errorf("response carried no SESSDATA/bili_jct cookies"))
	}
	if strings.TrimSpace(data.RefreshToken) == "" {
		return nil, apperr.New(apperr.KindProtocol, op, fmt.Errorf("response carried no refresh_token"))
	}
	return &RefreshResult{Cookies: cookies.Merge(issued), RefreshToken: data.RefreshToken}, nil
}

// ConfirmRefresh retires the old refresh token. It must be called with the
// new cookies and the refresh token that was current before RefreshCookie.
func (c *Client) ConfirmRefresh(ctx context.Context, newCookies Cookies, oldRefreshToken string) error {
	form := url.Values{}
	form.Set("csrf", newCookies.BiliJct)
	form.Set("refresh_token", oldRefreshToken)

	_, err := c.doJSON(ctx, request{
		endpoint: "ConfirmRefresh",
		method:   http.MethodPost,
		url:      c.passportBase + "/x/passport-login/web/confirm/refresh",
		form:     form,
		cookies:  &newCookies,
	})
	return err
}
