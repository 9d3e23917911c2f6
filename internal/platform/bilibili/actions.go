package bilibili

import (
	"context"
	"net/http"
	"net/url"
)

// HasLiked reports whether the account liked the video.
func (c *Client) HasLiked(ctx context.Context, cookies Cookies, bvid string) (bool, error) {
	const op = "bilibili.HasLiked"
	resp, err := c.doJSON(ctx, request{
		endpoint: "HasLiked",
		method:   http.MethodGet,
		url:      c.apiBase + "/x/web-interface/archive/has/like?bvid=" + url.QueryEscape(bvid),
		cookies:  &cookies,
	})
	if err != nil {
		return false, err
	}
	var liked int
	if err := decodeData(op, resp.Data, &liked); err != nil {
		return false, err
	}
	return liked == 1, nil
}

// CoinCount returns how many coins the account gave the video (0, 1 or 2).
func (c *Client) CoinCount(ctx context.Context, cookies Cookies, bvid string) (int, error) {
	const op = "bilibili.CoinCount"
	resp, err := c.doJSON(ctx, request{
		endpoint: "CoinCount",
		method:   http.MethodGet,
		url:      c.apiBase + "/x/web-interface/archive/coins?bvid=" + url.QueryEscape(bvid),
		cookies:  &cookies,
	})
	if err != nil {
		return 0, err
	}
	var data struct {
		Multiply int `json:"multiply"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return 0, err
	}
	return data.Multiply, nil
}

// IsFavoured reports whether the video sits in any of the account's
// favourite folders. The endpoint takes either an av number or a BV id.
func (c *Client) IsFavoured(ctx context.Context, cookies Cookies, target string) (bool, error) {
	const op = "bilibili.IsFavoured"
	resp, err := c.doJSON(ctx, request{
		endpoint: "IsFavoured",
		method:   http.MethodGet,
		url:      c.apiBase + "/x/v2/fav/video/favoured?aid=" + url.QueryEscape(target),
		cookies:  &cookies,
	})
	if err != nil {
		return false, err
	}
	var data struct {
		Count    int  `json:"count"`
		Favoured bool `json:"favoured"`
	}
	if err := decodeData(op, resp.Data, &data); err != nil {
		return false, err
	}
	return data.Favoured, nil
}
