package bilibili

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/bililink/internal/db/models"
)

const (
	cookieSessData   = "SESSDATA"
	cookieCSRF       = "bili_jct"
	cookieDedeUserID = "DedeUserID"
	cookieBuvid3     = "buvid3"
)

// Cookies is the authentication material sent with every account-scoped
// request. It is passed by value between steps of one flow and never shared
// across flows.
type Cookies struct {
	SESSDATA   string
	BiliJct    string
	DedeUserID string
	Buvid3     string
	// Expires is the SESSDATA expiry announced by the server, zero if unknown.
	Expires time.Time
}

// Header renders "SESSDATA=..; bili_jct=..; DedeUserID=..; buvid3=..",
// leaving out empty values.
func (c Cookies) Header() string {
	parts := make([]string, 0, 4)
	add := func(name, value string) {
		if value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	add(cookieSessData, c.SESSDATA)
	add(cookieCSRF, c.BiliJct)
	add(cookieDedeUserID, c.DedeUserID)
	add(cookieBuvid3, c.Buvid3)
	return strings.Join(parts, "; ")
}

// Complete reports whether the session and CSRF cookies are both present.
func (c Cookies) Complete() bool {
	return c.SESSDATA != "" && c.BiliJct != ""
}

// AccountID parses DedeUserID, returning 0 when absent or malformed.
func (c Cookies) AccountID() int64 {
	id, err := strconv.ParseInt(c.DedeUserID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Merge returns c with every non-empty field of next applied on top.
func (c Cookies) Merge(next Cookies) Cookies {
	if next.SESSDATA != "" {
		c.SESSDATA = next.SESSDATA
	}
	if next.BiliJct != "" {
		c.BiliJct = next.BiliJct
	}
	if next.DedeUserID != "" {
		c.DedeUserID = next.DedeUserID
	}
	if next.Buvid3 != "" {
		c.Buvid3 = next.Buvid3
	}
	if !next.Expires.IsZero() {
		c.Expires = next.Expires
	}
	return c
}

// CredentialCookies builds the request cookies of a stored credential.
func CredentialCookies(cred *models.Credential) Cookies {
	if cred == nil {
		return Cookies{}
	}
	c := Cookies{
		SESSDATA: cred.PrimaryToken,
		BiliJct:  cred.CSRFToken,
		Buvid3:   cred.DeviceToken,
	}
	if cred.ExternalAccountID != nil {
		c.DedeUserID = strconv.FormatInt(*cred.ExternalAccountID, 10)
	}
	if cred.CookieExpiresAt != nil {
		c.Expires = *cred.CookieExpiresAt
	}
	return c
}

// cookiesFromHeader reads the Set-Cookie lines of a response.
func cookiesFromHeader(h http.Header) Cookies {
	resp := http.Response{Header: h}
	var c Cookies
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case cookieSessData:
			c.SESSDATA = ck.Value
			if !ck.Expires.IsZero() {
				c.Expires = ck.Expires
			} else if ck.MaxAge > 0 {
				c.Expires = time.Now().Add(time.Duration(ck.MaxAge) * time.Second)
			}
		case cookieCSRF:
			c.BiliJct = ck.Value
		case cookieDedeUserID:
			c.DedeUserID = ck.Value
		case cookieBuvid3:
			c.Buvid3 = ck.Value
		}
	}
	return c
}
