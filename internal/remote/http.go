package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore is the reference Store implementation over a JSON HTTP API.
// Every response is classified into the error taxonomy at this boundary;
// callers never see raw transport or status errors.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPStore creates an HTTP-backed Store. A nil client gets a
// 15 second timeout default.
func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (s *HTTPStore) Upsert(ctx context.Context, collection string, record json.RawMessage) (*UpsertResult, error) {
	var out UpsertResult
	err := s.doJSON(ctx, "upsert", http.MethodPut,
		fmt.Sprintf("/v1/collections/%s/records", url.PathEscape(collection)), record, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	return s.doJSON(ctx, "delete", http.MethodDelete,
		fmt.Sprintf("/v1/collections/%s/records/%s", url.PathEscape(collection), url.PathEscape(id)), nil, nil)
}

func (s *HTTPStore) Exists(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	body := map[string]any{"ids": ids}
	var out struct {
		Exists map[string]bool `json:"exists"`
	}
	err := s.doJSON(ctx, "exists", http.MethodPost,
		fmt.Sprintf("/v1/collections/%s/exists", url.PathEscape(collection)), body, &out)
	if err != nil {
		return nil, err
	}
	return out.Exists, nil
}

func (s *HTTPStore) QueryTombstones(ctx context.Context, collection, projectID string) ([]string, error) {
	q := url.Values{}
	q.Set("project", projectID)
	var out struct {
		IDs []string `json:"ids"`
	}
	err := s.doJSON(ctx, "query_tombstones", http.MethodGet,
		fmt.Sprintf("/v1/collections/%s/tombstones?%s", url.PathEscape(collection), q.Encode()), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.IDs, nil
}

func (s *HTTPStore) QuerySince(ctx context.Context, collection, projectID string, after time.Time) ([]Row, error) {
	q := url.Values{}
	q.Set("project", projectID)
	q.Set("after", after.UTC().Format(time.RFC3339Nano))
	var out struct {
		Rows []Row `json:"rows"`
	}
	err := s.doJSON(ctx, "query_since", http.MethodGet,
		fmt.Sprintf("/v1/collections/%s/changes?%s", url.PathEscape(collection), q.Encode()), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (s *HTTPStore) Purge(ctx context.Context, projectID string, ids []string) (*PurgeResult, error) {
	body := map[string]any{"project_id": projectID, "ids": ids}
	var out PurgeResult
	err := s.doJSON(ctx, "purge", http.MethodPost, "/v1/purge", body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPStore) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		Now time.Time `json:"now"`
	}
	err := s.doJSON(ctx, "server_time", http.MethodGet, "/v1/time", nil, &out)
	if err != nil {
		return time.Time{}, err
	}
	return out.Now, nil
}

func (s *HTTPStore) Session(ctx context.Context) (*Session, error) {
	var out Session
	err := s.doJSON(ctx, "session", http.MethodGet, "/v1/session", nil, &out)
	if err != nil {
		return nil, err
	}
	if out.UserID == "" {
		return nil, nil
	}
	return &out, nil
}

func (s *HTTPStore) Counts(ctx context.Context, projectID string) (map[string]int64, error) {
	q := url.Values{}
	q.Set("project", projectID)
	var out struct {
		Counts map[string]int64 `json:"counts"`
	}
	err := s.doJSON(ctx, "counts", http.MethodGet, "/v1/counts?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Counts, nil
}

// doJSON performs one request and classifies the outcome. Bounded
// retries are the caller's job via RetryPolicy, not the transport's.
func (s *HTTPStore) doJSON(ctx context.Context, op, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+requestPath, bodyReader)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindRetryable, Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &Error{Kind: KindRetryable, Op: op, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &Error{Kind: KindRetryable, Op: op, Err: fmt.Errorf("malformed response: %w", err)}
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Kind: KindForStatus(resp.StatusCode),
		Op:   op,
		Err:  fmt.Errorf("%s (status %d)", msg, resp.StatusCode),
	}
}
