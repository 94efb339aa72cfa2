package shipsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type shipstreamClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newShipstreamClient() (*shipstreamClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("SHIPSTREAM_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.shipstream.io"
	}
	apiKey := strings.TrimSpace(os.Getenv("SHIPSTREAM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("shipstream api key is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("SHIPSTREAM_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("SHIPSTREAM_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &shipstreamClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type shipstreamListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *shipstreamClient) getList(ctx context.Context, path string, params url.Values) (shipstreamListResponse, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return shipstreamListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return shipstreamListResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return shipstreamListResponse{}, fmt.Errorf("shipstream api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed shipstreamListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return shipstreamListResponse{}, err
	}
	return parsed, nil
}
