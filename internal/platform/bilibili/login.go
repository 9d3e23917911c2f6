package bilibili

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pysugar/bililink/internal/apperr"
)

// QRCode is a freshly generated login code.
type QRCode struct {
	URL string `json:"url"`
	Key string `json:"qrcode_key"`
}

// PollStatus is the state of a QR code as reported by the poll endpoint.
type PollStatus int

const (
	PollNotScanned PollStatus = iota
	PollScanned
	PollConfirmed
	PollExpired
)

func (s PollStatus) String() string {
	switch s {
	case PollNotScanned:
		return "not_scanned"
	case PollScanned:
		return "scanned"
	case PollConfirmed:
		return "confirmed"
	case PollExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Poll codes inside data.code.
const (
	pollCodeConfirmed  = 0
	pollCodeExpired    = 86038
	pollCodeScanned    = 86090
	pollCodeNotScanned = 86101
)

// PollResult is one poll tick. Cookies and RefreshToken are only set when
// Status is PollConfirmed; the cookies come from Set-Cookie, not the body.
type PollResult struct {
	Status       PollStatus
	Message      string
	Cookies      Cookies
	RefreshToken string
	Timestamp    int64
}

// Account is the "who am I" answer for a set of cookies.
type Account struct {
	Mid  int64  `json:"mid"`
	Name string `json:"uname"`
}

func (c *Client) GenerateQRCode(ctx context.Context) (*QRCode, error) {
	const op = "bilibili.GenerateQRCode"
	resp, err := c.doJSON(ctx, request{
		endpoint: "GenerateQRCode",
		method:   http.MethodGet,
		url:      c.passportBase + "/x/passport-login/web/qrcode/generate",
	})
	if err != nil {
		return nil, err
	}
	var qr QRCode
	if err := decodeData(op, resp.Data, &qr); err != nil {
		return nil, err
	}
	if qr.URL == "" || qr.Key == "" {
		return nil, apperr.New(apperr.KindProtocol, op, fmt.Errorf("empty url or qrcode_key"))
	}
	return &qr, nil
}

func (c *Client) PollQRCode(ctx context.Context, key string) (*PollResult, error) {
	const op = "bilibili.PollQRCode"
	resp, err := c.doJSON(ctx, request{
		endpoint: "PollQRCode",
		method:   http.MethodGet,
		url:      c.passportBase + "/x/passport-login/web/qrcode/poll?qrcode_key=" + url.QueryEscape(key),
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		URL          string `json:"url"`
		RefreshToken string `json:"refresh_token"`
		Timestamp    int64  `json:"timestamp"`
		Code         int    `json:"code"`
		Message      string `json:"message"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return nil, err
	}

	result := &PollResult{Message: data.Message, Timestamp: data.Timestamp}
	switch data.Code {
	case pollCodeNotScanned:
		result.Status = PollNotScanned
	case pollCodeScanned:
		result.Status = PollScanned
	case pollCodeExpired:
		result.Status = PollExpired
	case pollCodeConfirmed:
		result.Status = PollConfirmed
		result.Cookies = cookiesFromHeader(resp.Header)
		result.RefreshToken = data.RefreshToken
		if !result.Cookies.Complete() {
			return nil, apperr.New(apperr.KindProtocol, op, fmt.Errorf("confirmed without SESSDATA/bili_jct cookies"))
		}
	default:
		return nil, apperr.WithCode(apperr.KindProtocol, op, data.Code, fmt.Errorf("unknown poll code: %s", data.Message))
	}
	return result, nil
}

// Nav resolves the account behind cookies.
func (c *Client) Nav(ctx context.Context, cookies Cookies) (*Account, error) {
	const op = "bilibili.Nav"
	resp, err := c.doJSON(ctx, request{
		endpoint: "Nav",
		method:   http.MethodGet,
		url:      c.apiBase + "/x/web-interface/nav",
		cookies:  &cookies,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		IsLogin bool   `json:"isLogin"`
		Mid     int64  `json:"mid"`
		Uname   string `json:"uname"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return nil, err
	}
	if !data.IsLogin || data.Mid <= 0 {
		return nil, apperr.New(apperr.KindAuthFailed, op, fmt.Errorf("not logged in"))
	}
	return &Account{Mid: data.Mid, Name: data.Uname}, nil
}

// DeviceToken fetches a buvid3 value for a new credential.
func (c *Client) DeviceToken(ctx context.Context) (string, error) {
	const op = "bilibili.DeviceToken"
	resp, err := c.doJSON(ctx, request{
		endpoint: "DeviceToken",
		method:   http.MethodGet,
		url:      c.apiBase + "/x/frontend/finger/spi",
	})
	if err != nil {
		return "", err
	}
	var data struct {
		B3 string `json:"b_3"`
		B4 string `json:"b_4"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return "", err
	}
	if data.B3 == "" {
		return "", apperr.New(apperr.KindProtocol, op, fmt.Errorf("empty b_3"))
	}
	return data.B3, nil
}
