package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

const (
	defaultV2Timeout  = 30 * time.Second
	maxV2Body         = 2 << 20
	maxV2CatalogBody  = 32 << 20
	v2UserAgent       = "PanelFox/1.0"
	v2ErrorSnippetLen = 200
)

// V2Client speaks the form-POST "API v2" dialect shared by most reseller panels: every call is a
// POST of key + action to a single endpoint, answered with JSON.
type V2Client struct {
	APIURL     string
	APIKey     string
	HTTPClient *http.Client
}

// NewV2Client creates a client. A zero timeout falls back to 30 seconds.
func NewV2Client(apiURL, apiKey string, timeout time.Duration) *V2Client {
	if timeout <= 0 {
		timeout = defaultV2Timeout
	}
	return &V2Client{
		APIURL: strings.TrimSpace(apiURL),
		APIKey: strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// flexString accepts JSON strings, numbers and booleans. Panels disagree on quoting.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) int64Ptr() *int64 {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		d, derr := decimal.NewFromString(s)
		if derr != nil {
			return nil
		}
		v = d.IntPart()
	}
	return &v
}

func (f flexString) int64() int64 {
	if p := f.int64Ptr(); p != nil {
		return *p
	}
	return 0
}

func (f flexString) decimalPtr() *decimal.Decimal {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func (f flexString) bool() bool {
	switch strings.ToLower(strings.TrimSpace(string(f))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// errorMessage extracts the "error" member of an object body, if any.
func errorMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var envelope struct {
		Error flexString `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return string(envelope.Error)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > v2ErrorSnippetLen {
		s = s[:v2ErrorSnippetLen] + "..."
	}
	return s
}

func (c *V2Client) post(ctx context.Context, op string, form url.Values, limit int64) ([]byte, error) {
	if c.APIURL == "" {
		return nil, apperror.Permanent(op, "provider api url is not configured")
	}
	form.Set("key", c.APIKey)
	form.Set("action", op)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperror.Permanent(op, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", v2UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, apperror.Unsent(op, err)
		}
		return nil, apperror.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, apperror.Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &apperror.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: snippet(body), Unsent: true}
	case resp.StatusCode >= 500:
		return nil, &apperror.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: snippet(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := errorMessage(body)
		if msg == "" {
			msg = snippet(body)
		}
		return nil, &apperror.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: msg, Permanent: true}
	}

	if msg := errorMessage(body); msg != "" {
		return nil, apperror.Permanent(op, msg)
	}
	if !json.Valid(body) {
		// proxies and maintenance pages answer 200 with HTML
		return nil, apperror.Transient(op, fmt.Errorf("invalid json response: %s", snippet(body)))
	}
	return body, nil
}

func decode(op string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return apperror.Permanent(op, fmt.Sprintf("unexpected response: %v", err))
	}
	return nil
}

func (c *V2Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "add"
	form := url.Values{}
	form.Set("service", req.RemoteServiceID)
	form.Set("link", req.Link)
	form.Set("quantity", strconv.FormatInt(req.Quantity, 10))

	body, err := c.post(ctx, op, form, maxV2Body)
	if err != nil {
		return "", err
	}
	var out struct {
		Order flexString `json:"order"`
	}
	if err := decode(op, body, &out); err != nil {
		return "", err
	}
	if out.Order == "" {
		return "", apperror.Permanent(op, "response carries no order id")
	}
	return string(out.Order), nil
}

func (c *V2Client) Status(ctx context.Context, externalID string) (*StatusResult, error) {
	const op = "status"
	form := url.Values{}
	form.Set("order", externalID)

	body, err := c.post(ctx, op, form, maxV2Body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Charge     flexString `json:"charge"`
		StartCount flexString `json:"start_count"`
		Status     flexString `json:"status"`
		Remains    flexString `json:"remains"`
		Currency   flexString `json:"currency"`
	}
	if err := decode(op, body, &out); err != nil {
		return nil, err
	}
	result := &StatusResult{
		RawStatus:  string(out.Status),
		StartCount: out.StartCount.int64Ptr(),
		Remains:    out.Remains.int64Ptr(),
		Charge:     out.Charge.decimalPtr(),
		Currency:   string(out.Currency),
	}
	if st, ok := MapOrderStatus(result.RawStatus); ok {
		result.Status = st
	}
	return result, nil
}

func (c *V2Client) Cancel(ctx context.Context, externalID string) error {
	const op = "cancel"
	form := url.Values{}
	form.Set("orders", externalID)

	body, err := c.post(ctx, op, form, maxV2Body)
	if err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	var items []struct {
		Order  flexString      `json:"order"`
		Cancel json.RawMessage `json:"cancel"`
	}
	if err := decode(op, trimmed, &items); err != nil {
		return err
	}
	for _, item := range items {
		if string(item.Order) != externalID {
			continue
		}
		if msg := errorMessage(item.Cancel); msg != "" {
			return apperror.Permanent(op, msg)
		}
		return nil
	}
	return apperror.Permanent(op, "order missing from cancel response")
}

func (c *V2Client) Refill(ctx context.Context, externalID string) (string, error) {
	const op = "refill"
	form := url.Values{}
	form.Set("order", externalID)

	body, err := c.post(ctx, op, form, maxV2Body)
	if err != nil {
		return "", err
	}
	var out struct {
		Refill flexString `json:"refill"`
	}
	if err := decode(op, body, &out); err != nil {
		return "", err
	}
	if out.Refill == "" {
		return "", apperror.Permanent(op, "response carries no refill id")
	}
	return string(out.Refill), nil
}

func (c *V2Client) RefillStatus(ctx context.Context, refillID string) (*RefillResult, error) {
	const op = "refill_status"
	form := url.Values{}
	form.Set("refill", refillID)

	body, err := c.post(ctx, op, form, maxV2Body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Status flexString `json:"status"`
	}
	if err := decode(op, body, &out); err != nil {
		return nil, err
	}
	result := &RefillResult{RawStatus: string(out.Status)}
	if st, ok := MapRefillStatus(result.RawStatus); ok {
		result.Status = st
	}
	return result, nil
}

func (c *V2Client) Balance(ctx context.Context) (*BalanceResult, error) {
	const op = "balance"
	body, err := c.post(ctx, op, url.Values{}, maxV2Body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Balance  flexString `json:"balance"`
		Currency flexString `json:"currency"`
	}
	if err := decode(op, body, &out); err != nil {
		return nil, err
	}
	bal := out.Balance.decimalPtr()
	if bal == nil {
		return nil, apperror.Permanent(op, "response carries no balance")
	}
	return &BalanceResult{Balance: *bal, Currency: string(out.Currency)}, nil
}

// FetchCatalog returns the whole catalog as a single page; the dialect has no paging.
func (c *V2Client) FetchCatalog(ctx context.Context, _ string) (*CatalogPage, error) {
	const op = "services"
	body, err := c.post(ctx, op, url.Values{}, maxV2CatalogBody)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := decode(op, body, &raws); err != nil {
		return nil, err
	}
	page := &CatalogPage{Items: make([]RemoteService, 0, len(raws))}
	for _, raw := range raws {
		var item struct {
			Service  flexString `json:"service"`
			Name     flexString `json:"name"`
			Type     flexString `json:"type"`
			Category flexString `json:"category"`
			Rate     flexString `json:"rate"`
			Min      flexString `json:"min"`
			Max      flexString `json:"max"`
			Refill   flexString `json:"refill"`
			Cancel   flexString `json:"cancel"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, apperror.Permanent(op, fmt.Sprintf("unexpected catalog entry: %v", err))
		}
		if item.Service == "" {
			continue
		}
		rate := decimal.Zero
		if r := item.Rate.decimalPtr(); r != nil {
			rate = *r
		}
		page.Items = append(page.Items, RemoteService{
			ID:       string(item.Service),
			Name:     string(item.Name),
			Category: string(item.Category),
			Type:     string(item.Type),
			Rate:     rate,
			Min:      item.Min.int64(),
			Max:      item.Max.int64(),
			Refill:   item.Refill.bool(),
			Cancel:   item.Cancel.bool(),
			Raw:      append([]byte(nil), raw...),
		})
	}
	return page, nil
}

var _ Adapter = (*V2Client)(nil)
