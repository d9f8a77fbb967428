package dict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kotodict/kotodict/internal/transcript"
)

const (
	defaultTimeout = 15 * time.Second
	commitTimeout  = 60 * time.Second
)

// Client communicates with the dictionary service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting the given service base URL. The token, when
// non-empty, is sent as a bearer credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// do sends one JSON request and decodes the response into out (ignored when
// out is nil). Non-2xx responses become *APIError with the server's detail.
func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.asError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) asError(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &payload)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if payload.Detail == "already_committed" {
		return ErrAlreadyCommitted
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: payload.Detail}
}

// Health reports whether the service responds to GET /api/health with 200.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CreateImportJob registers a normalized extraction document as a new import
// job and returns its id.
func (c *Client) CreateImportJob(ctx context.Context, extraction json.RawMessage) (string, error) {
	var result struct {
		JobID string `json:"job_id"`
	}
	body := map[string]json.RawMessage{"extraction": extraction}
	if err := c.do(ctx, http.MethodPost, "/api/import/jobs", body, &result, defaultTimeout); err != nil {
		return "", err
	}
	if result.JobID == "" {
		return "", fmt.Errorf("service returned no job id")
	}
	return result.JobID, nil
}

// GetImportJob fetches one job with its chunks and candidates.
func (c *Client) GetImportJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var result struct {
		Job JobRecord `json:"job"`
	}
	path := "/api/import/jobs/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodGet, path, nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	return &result.Job, nil
}

// UpdateCandidate persists one candidate's current review state.
func (c *Client) UpdateCandidate(ctx context.Context, jobID, candidateID string, body any) error {
	path := "/api/import/jobs/" + url.PathEscape(jobID) + "/candidates/" + url.PathEscape(candidateID)
	return c.do(ctx, http.MethodPut, path, body, nil, defaultTimeout)
}

// CommitJob asks the service to commit the whole job in one batch.
func (c *Client) CommitJob(ctx context.Context, jobID string) (*CommitSummary, error) {
	var result CommitSummary
	path := "/api/import/jobs/" + url.PathEscape(jobID) + "/commit"
	if err := c.do(ctx, http.MethodPost, path, nil, &result, commitTimeout); err != nil {
		return nil, err
	}
	return &result, nil
}

// DiscardJob marks the job discarded. Committed jobs cannot be discarded.
func (c *Client) DiscardJob(ctx context.Context, jobID string) error {
	path := "/api/import/jobs/" + url.PathEscape(jobID) + "/discard"
	return c.do(ctx, http.MethodPost, path, nil, nil, defaultTimeout)
}

// CreateItem persists a new item and returns its assigned id.
func (c *Client) CreateItem(ctx context.Context, req ItemRequest) (string, error) {
	var result struct {
		ItemID string `json:"item_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/items", req, &result, defaultTimeout); err != nil {
		return "", err
	}
	if result.ItemID == "" {
		return "", fmt.Errorf("service returned no item id")
	}
	return result.ItemID, nil
}

// UpdateItem overwrites an existing item.
func (c *Client) UpdateItem(ctx context.Context, itemID string, req ItemRequest) error {
	return c.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(itemID), req, nil, defaultTimeout)
}

// DeleteItem removes an item.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil, defaultTimeout)
}

// GetItem fetches one item by id. Returns ErrNotFound when it does not exist.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var result struct {
		Item Item `json:"item"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(itemID), nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	return &result.Item, nil
}

// FindItemByStableKey looks up the item currently holding the given stable
// key. Returns ErrNotFound when no item holds it.
func (c *Client) FindItemByStableKey(ctx context.Context, key string) (*Item, error) {
	var result struct {
		Item *Item `json:"item"`
	}
	path := "/api/items/by-key?stable_key=" + url.QueryEscape(key)
	if err := c.do(ctx, http.MethodGet, path, nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return result.Item, nil
}

// CreateLink records one link from itemID to another item.
func (c *Client) CreateLink(ctx context.Context, itemID string, link LinkRequest) (string, error) {
	var result struct {
		LinkID string `json:"link_id"`
	}
	path := "/api/items/" + url.PathEscape(itemID) + "/links"
	if err := c.do(ctx, http.MethodPost, path, link, &result, defaultTimeout); err != nil {
		return "", err
	}
	return result.LinkID, nil
}

// Search runs a dictionary search with server-side ranking.
func (c *Client) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	q := url.Values{}
	if params.Query != "" {
		q.Set("q", params.Query)
	}
	for _, k := range params.Kinds {
		q.Add("kind", k)
	}
	if params.Domain != "" {
		q.Set("domain", params.Domain)
	}
	for _, t := range params.Tags {
		q.Add("tag", t)
	}
	if params.Sort != "" {
		q.Set("sort", params.Sort)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	path := "/api/search"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var result SearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) suggest(ctx context.Context, what, prefix string, limit int) ([]string, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/suggest/" + what
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var result struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	return result.Suggestions, nil
}

// SuggestTags returns known tag names matching the prefix.
func (c *Client) SuggestTags(ctx context.Context, prefix string, limit int) ([]string, error) {
	return c.suggest(ctx, "tags", prefix, limit)
}

// SuggestDomains returns known domains matching the prefix.
func (c *Client) SuggestDomains(ctx context.Context, prefix string, limit int) ([]string, error) {
	return c.suggest(ctx, "domains", prefix, limit)
}

// ListSpeakers fetches the speaker registry used to segment raw transcripts.
func (c *Client) ListSpeakers(ctx context.Context) ([]transcript.Speaker, error) {
	var result struct {
		Speakers []transcript.Speaker `json:"speakers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/speakers", nil, &result, defaultTimeout); err != nil {
		return nil, err
	}
	return result.Speakers, nil
}
