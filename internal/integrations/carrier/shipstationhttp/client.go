package shipstationhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/governor"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
)

const (
	headerRemaining = "X-Rate-Limit-Remaining"
	headerLimit     = "X-Rate-Limit-Limit"
	headerReset     = "X-Rate-Limit-Reset"
)

type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	httpc     *http.Client
}

func New(baseURL, apiKey, apiSecret string) *Client {
	if baseURL == "" {
		baseURL = "https://ssapi.shipstation.com"
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpc: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type listBody struct {
	Shipments []json.RawMessage `json:"shipments"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Pages     int               `json:"pages"`
}

func (c *Client) LookupByOrderNumber(ctx context.Context, orderNumber string) (carrier.LookupResult, error) {
	q := url.Values{}
	q.Set("orderNumber", orderNumber)
	q.Set("includeShipmentItems", "false")

	var body listBody
	rl, err := c.get(ctx, "/shipments", q, &body)
	if err != nil {
		return carrier.LookupResult{RateLimit: rl}, err
	}
	return carrier.LookupResult{Shipments: body.Shipments, RateLimit: rl}, nil
}

func (c *Client) LookupByShipmentID(ctx context.Context, shipmentID string) (carrier.LookupResult, error) {
	var raw json.RawMessage
	rl, err := c.get(ctx, "/shipments/"+url.PathEscape(shipmentID), nil, &raw)
	if err != nil {
		return carrier.LookupResult{RateLimit: rl}, err
	}
	return carrier.LookupResult{Shipments: []json.RawMessage{raw}, RateLimit: rl}, nil
}

func (c *Client) ListShipments(ctx context.Context, lq carrier.ListQuery) (carrier.ListResult, error) {
	q := url.Values{}
	if lq.Status != "" {
		q.Set("shipmentStatus", lq.Status)
	}
	if lq.TrackingNumber != "" {
		q.Set("trackingNumber", lq.TrackingNumber)
	}
	if !lq.ModifiedSince.IsZero() {
		q.Set("modifyDateStart", lq.ModifiedSince.UTC().Format(time.RFC3339))
	}
	if !lq.ModifiedUntil.IsZero() {
		q.Set("modifyDateEnd", lq.ModifiedUntil.UTC().Format(time.RFC3339))
	}
	if lq.Page > 0 {
		q.Set("page", strconv.Itoa(lq.Page))
	}
	if lq.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(lq.PageSize))
	}
	q.Set("sortBy", "ModifyDate")

	var body listBody
	rl, err := c.get(ctx, "/shipments", q, &body)
	if err != nil {
		return carrier.ListResult{RateLimit: rl}, err
	}
	return carrier.ListResult{Shipments: body.Shipments, Page: body.Page, Pages: body.Pages, RateLimit: rl}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) (carrier.RateLimit, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.RateLimit{Remaining: -1, ResetInSeconds: -1}, errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.RateLimit{Remaining: -1, ResetInSeconds: -1}, errors.Wrap(err, "new request")
	}
	if c.apiKey != "" {
		req.SetBasicAuth(c.apiKey, c.apiSecret)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.RateLimit{Remaining: -1, ResetInSeconds: -1}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	rl := rateLimitFromHeaders(resp.Header)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rl.Remaining = 0
		return rl, &carrier.RateLimitError{RateLimit: rl}
	case resp.StatusCode == http.StatusNotFound:
		return rl, carrier.ErrNotFound
	case resp.StatusCode/100 != 2:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return rl, fmt.Errorf("carrier http %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rl, errors.Wrap(err, "decode")
	}
	return rl, nil
}

func rateLimitFromHeaders(h http.Header) carrier.RateLimit {
	rl := carrier.RateLimit{
		Remaining:      -1,
		ResetInSeconds: governor.ParseResetHeader(h.Get(headerReset)),
	}
	if v, err := strconv.Atoi(h.Get(headerRemaining)); err == nil {
		rl.Remaining = v
	}
	if v, err := strconv.Atoi(h.Get(headerLimit)); err == nil {
		rl.Limit = v
	}
	return rl
}
