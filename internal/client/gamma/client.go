// Package gamma is the market-catalog client for the Gamma REST API. The API
// encodes most numerics as JSON strings and nests arrays as embedded JSON, so
// the raw shapes are decoded here and never leak past this package.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
)

const defaultBaseURL = "https://gamma-api.polymarket.com"

// pageSize is the Gamma maximum per request.
const pageSize = 100

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gamma API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(logger *zap.Logger, cfg config.CatalogConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// GetMarketsWithMinVolume pages through active markets ordered by 24h volume
// until maxMarkets rows or the first short page.
func (c *Client) GetMarketsWithMinVolume(ctx context.Context, minVolume float64, maxMarkets int) ([]*models.Market, error) {
	if maxMarkets <= 0 {
		maxMarkets = 500
	}
	out := make([]*models.Market, 0, maxMarkets)
	for offset := 0; len(out) < maxMarkets; offset += pageSize {
		query := url.Values{}
		query.Set("active", "true")
		query.Set("closed", "false")
		query.Set("limit", strconv.Itoa(pageSize))
		query.Set("offset", strconv.Itoa(offset))
		query.Set("order", "volume24hr")
		query.Set("ascending", "false")
		if minVolume > 0 {
			query.Set("volume_num_min", strconv.FormatFloat(minVolume, 'f', -1, 64))
		}
		body, err := c.doRequest(ctx, "/markets", query)
		if err != nil {
			return nil, err
		}
		var raws []rawMarket
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode markets page: %w", err)
		}
		for _, r := range raws {
			m, err := r.toMarket()
			if err != nil {
				if c.logger != nil {
					c.logger.Debug("skipping malformed market", zap.String("id", r.ID), zap.Error(err))
				}
				continue
			}
			out = append(out, m)
			if len(out) >= maxMarkets {
				break
			}
		}
		if len(raws) < pageSize {
			break
		}
	}
	return out, nil
}

func (c *Client) GetMarketByID(ctx context.Context, id string) (*models.Market, error) {
	if id == "" {
		return nil, fmt.Errorf("market id is required")
	}
	body, err := c.doRequest(ctx, "/markets/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var raw rawMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", id, err)
	}
	return raw.toMarket()
}

// HealthCheck issues the cheapest possible catalog call.
func (c *Client) HealthCheck(ctx context.Context) error {
	query := url.Values{}
	query.Set("limit", "1")
	_, err := c.doRequest(ctx, "/markets", query)
	return err
}

// rawMarket mirrors the Gamma wire shape. Numerics arrive as strings or
// numbers depending on the field and API version.
type rawMarket struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Question    string `json:"question"`
	Description string `json:"description"`

	Outcomes      jsonStrings `json:"outcomes"`
	OutcomePrices jsonStrings `json:"outcomePrices"`
	ClobTokenIDs  jsonStrings `json:"clobTokenIds"`

	Volume    flexNumber `json:"volumeNum"`
	Volume24h flexNumber `json:"volume24hr"`
	Liquidity flexNumber `json:"liquidityNum"`

	Active bool `json:"active"`
	Closed bool `json:"closed"`

	CreatedAt string `json:"createdAt"`
	EndDate   string `json:"endDate"`

	CommentCount flexNumber `json:"commentCount"`
}

func (r rawMarket) toMarket() (*models.Market, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("market missing id")
	}
	prices := make([]float64, 0, len(r.OutcomePrices))
	for _, s := range r.OutcomePrices {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("outcome price %q: %w", s, err)
		}
		p, _ := d.Float64()
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("outcome price %v outside [0,1]", p)
		}
		prices = append(prices, p)
	}
	m := &models.Market{
		ID:            r.ID,
		Slug:          r.Slug,
		Question:      r.Question,
		Description:   r.Description,
		Outcomes:      []string(r.Outcomes),
		OutcomePrices: prices,
		TokenIDs:      []string(r.ClobTokenIDs),
		Volume:        r.Volume.value,
		Volume24h:     r.Volume24h.value,
		Liquidity:     r.Liquidity.value,
		Active:        r.Active,
		Closed:        r.Closed,
		CreatedAt:     parseTime(r.CreatedAt),
		EndDate:       parseTime(r.EndDate),
	}
	m.ActivityScore = activityScore(m, r.CommentCount.value)
	return m, nil
}

// activityScore grades 0-100 how busy a market is right now: its 24h share of
// lifetime volume, absolute 24h turnover, and community chatter.
func activityScore(m *models.Market, comments float64) float64 {
	turnover := 0.0
	if m.Volume > 0 {
		turnover = m.Volume24h / m.Volume
		if turnover > 1 {
			turnover = 1
		}
	}
	absolute := m.Volume24h / 100000
	if absolute > 1 {
		absolute = 1
	}
	chatter := comments / 500
	if chatter > 1 {
		chatter = 1
	}
	score := 100 * (0.45*turnover + 0.40*absolute + 0.15*chatter)
	if score > 100 {
		score = 100
	}
	return score
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// jsonStrings accepts either a JSON array of strings or a string containing
// an embedded JSON array, which is how Gamma serializes outcomes and token ids.
type jsonStrings []string

func (j *jsonStrings) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*j = direct
		return nil
	}
	var embedded string
	if err := json.Unmarshal(data, &embedded); err != nil {
		return fmt.Errorf("neither array nor string: %s", data)
	}
	if strings.TrimSpace(embedded) == "" {
		*j = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(embedded), &inner); err != nil {
		return fmt.Errorf("embedded array %q: %w", embedded, err)
	}
	*j = inner
	return nil
}

// flexNumber accepts a JSON number, a numeric string, or null.
type flexNumber struct {
	value float64
}

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		f.value = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	f.value, _ = d.Float64()
	return nil
}
