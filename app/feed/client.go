// Package feed implements client of the http feed endpoint
package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/umputun/feed-notifier/app/models"
)

const maxResponseSize = 4 * 1024 * 1024

// Response of the feed endpoint
type Response = models.FeedResponse

// Client fetches new items from the feed endpoint
type Client struct {
	URL       string
	HTTP      *http.Client
	UserAgent string
}

// NewClient makes client with timeout
func NewClient(feedURL string, timeout time.Duration) *Client {
	return &Client{URL: feedURL, HTTP: &http.Client{Timeout: timeout}, UserAgent: "feed-notifier"}
}

// Fetch calls the endpoint with since_id. Nil sinceID omits the parameter, in this case
// the endpoint reports the current high-water mark only.
func (c *Client) Fetch(ctx context.Context, sinceID *int64) (res Response, err error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return Response{}, errors.Wrapf(err, "bad feed url %s", c.URL)
	}
	if sinceID != nil {
		q := u.Query()
		q.Set("since_id", strconv.FormatInt(*sinceID, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, errors.Wrap(err, "can't make feed request")
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Response{}, errors.Wrapf(err, "feed request to %s failed", u.Host)
	}
	defer resp.Body.Close() // nolint

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) // nolint
		return Response{}, errors.Errorf("feed responded with status %d", resp.StatusCode)
	}

	if err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&res); err != nil {
		return Response{}, errors.Wrap(err, "can't decode feed response")
	}
	if res.LastID < 0 {
		return Response{}, errors.Errorf("negative last_id %d", res.LastID)
	}
	return res, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}
