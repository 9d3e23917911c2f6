// Package bilibili is a thin client for the Bilibili web endpoints used by
// QR login, cookie refresh and action verification. It never retries; every
// failure comes back as an *apperr.Error and the caller picks the policy.
package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/logging"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/util"
	"github.com/pysugar/bililink/internal/version"
)

const (
	DefaultPassportBaseURL = "https://passport.bilibili.com"
	DefaultAPIBaseURL      = "https://api.bilibili.com"
	DefaultWWWBaseURL      = "https://www.bilibili.com"

	maxBodyBytes = 2 << 20
)

// DefaultUserAgent looks like a desktop browser; the web endpoints reject
// obviously scripted agents with -412.
var DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 bililink/" + version.Version

// Business codes carried in the JSON envelope.
const (
	codeOK          = 0
	codeNotLoggedIn = -101
	codeNotFound    = -404
	codeRiskControl = -412
	codeTooFrequent = -509
)

type Options struct {
	PassportBaseURL string
	APIBaseURL      string
	WWWBaseURL      string
	UserAgent       string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	// HTTPClient replaces the built-in client, timeouts included.
	HTTPClient *http.Client
}

// Client talks to the Bilibili web API. It holds no per-account state and
// is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	passportBase string
	apiBase      string
	wwwBase      string
	userAgent    string
}

func NewClient(opts Options) *Client {
	c := &Client{
		httpClient:   opts.HTTPClient,
		passportBase: strings.TrimRight(orDefault(opts.PassportBaseURL, DefaultPassportBaseURL), "/"),
		apiBase:      strings.TrimRight(orDefault(opts.APIBaseURL, DefaultAPIBaseURL), "/"),
		wwwBase:      strings.TrimRight(orDefault(opts.WWWBaseURL, DefaultWWWBaseURL), "/"),
		userAgent:    orDefault(opts.UserAgent, DefaultUserAgent),
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(opts.ConnectTimeout, opts.RequestTimeout)
	}
	return c
}

func newHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = requestTimeout
	return &http.Client{
		Timeout: requestTimeout,
		// Login and refresh read Set-Cookie from the first response.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: transport,
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// envelope is the {code,message,data} wrapper every JSON endpoint returns.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// apiResponse is a decoded envelope plus the headers it arrived with.
type apiResponse struct {
	Header http.Header
	Data   json.RawMessage
}

type request struct {
	endpoint string // metrics label and error op
	method   string
	url      string
	form     url.Values
	cookies  *Cookies
}

// doJSON sends req and decodes the envelope. A non-zero business code is
// classified with classifyCode.
func (c *Client) doJSON(ctx context.Context, req request) (*apiResponse, error) {
	header, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	op := "bilibili." + req.endpoint
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Printf("%s⚠️ [Bilibili] %s: undecodable body: %s", logging.Prefix(ctx), req.endpoint, util.TruncateBytes(body))
		return nil, c.record(req.endpoint, apperr.New(apperr.KindProtocol, op, err))
	}
	if env.Code != codeOK {
		return nil, c.record(req.endpoint, classifyCode(op, env.Code, env.Message))
	}
	c.record(req.endpoint, nil)
	return &apiResponse{Header: header, Data: env.Data}, nil
}

// doHTML sends req and returns the raw body of a 2xx response.
func (c *Client) doHTML(ctx context.Context, req request) ([]byte, error) {
	_, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	c.record(req.endpoint, nil)
	return body, nil
}

func (c *Client) do(ctx context.Context, req request) (http.Header, []byte, error) {
	op := "bilibili." + req.endpoint

	var bodyReader io.Reader
	if req.form != nil {
		bodyReader = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, nil, c.record(req.endpoint, apperr.New(apperr.KindNetworkOther, op, err))
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Referer", c.wwwBase+"/")
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	if req.form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.cookies != nil {
		if h := req.cookies.Header(); h != "" {
			httpReq.Header.Set("Cookie", h)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("%s⚠️ [Bilibili] %s %s failed: %v", logging.Prefix(ctx), req.method, req.endpoint, err)
		return nil, nil, c.record(req.endpoint, apperr.FromTransport(op, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, c.record(req.endpoint, apperr.FromTransport(op, err))
	}
	if statusErr := apperr.FromHTTPStatus(op, resp.StatusCode); statusErr != nil {
		log.Printf("%s⚠️ [Bilibili] %s returned HTTP %d: %s", logging.Prefix(ctx), req.endpoint, resp.StatusCode, util.TruncateBytes(body))
		return nil, nil, c.record(req.endpoint, statusErr)
	}
	return resp.Header, body, nil
}

// record counts the call and passes err through.
func (c *Client) record(endpoint string, err error) error {
	kind := "ok"
	if err != nil {
		kind = string(apperr.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
	}
	metrics.PlatformCallsTotal.WithLabelValues(endpoint, kind).Inc()
	return err
}

func classifyCode(op string, code int, message string) error {
	var cause error
	if message != "" {
		cause = errors.New(message)
	}
	switch code {
	case codeNotLoggedIn:
		return apperr.WithCode(apperr.KindAuthFailed, op, code, cause)
	case codeRiskControl, codeTooFrequent:
		return apperr.WithCode(apperr.KindRateLimited, op, code, cause)
	case codeNotFound:
		return apperr.WithCode(apperr.KindNotFound, op, code, cause)
	default:
		return apperr.WithCode(apperr.KindUpstreamRejected, op, code, cause)
	}
}

func decodeData(op string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.New(apperr.KindProtocol, op, errors.New("missing data"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.New(apperr.KindProtocol, op, err)
	}
	return nil
}
