// Package api is the HTTP client for the membership persistence API.
//
// Each entity kind maps to a collection endpoint:
//
//	GET    /{collection}        list
//	POST   /{collection}        create
//	PUT    /{collection}/{id}   update
//	DELETE /{collection}/{id}   delete
//
// Failures are returned as *syncerr.Error: transport problems as
// NETWORK_FAILURE, non-2xx responses as SERVER_REJECTED with the server's
// message, and ids that cannot address a persisted entity as
// INVALID_OPERATION before any request is sent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/syncerr"
)

// RequestIDHeader carries a fresh request id on every call.
const RequestIDHeader = "X-Request-ID"

// maxBodySize bounds response bodies read into memory.
const maxBodySize = 32 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.org/v1".
	BaseURL string

	// Schema maps kinds to collections. Defaults to schema.Default().
	Schema *schema.Schema

	// Token, if set, is sent as a bearer token.
	Token string

	// HTTPClient is used for all requests. Defaults to a client with a 30s
	// timeout.
	HTTPClient *http.Client

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit rate.Limit

	// Burst is the limiter bucket size. Defaults to 1.
	Burst int
}

// Client talks to the persistence API. It implements engine.API and is safe
// for concurrent use.
type Client struct {
	baseURL    string
	schema     *schema.Schema
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Client. Returns an error if BaseURL is not an absolute
// http(s) URL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: base url must be http or https (got %q)", cfg.BaseURL)
	}

	s := cfg.Schema
	if s == nil {
		s = schema.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    base,
		schema:     s,
		token:      cfg.Token,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// List returns kind's collection as served, newest first.
func (c *Client) List(ctx context.Context, kind string) ([]record.Object, error) {
	const op = "list"
	k, err := c.kind(kind, op)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, k, op, http.MethodGet, "/"+k.Collection, nil)
	if err != nil {
		return nil, err
	}
	recs, err := decodeList(k, body)
	if err != nil {
		return nil, syncerr.ServerRejected(kind, op, http.StatusOK, err.Error())
	}
	return recs, nil
}

// Create posts payload and returns the stored record.
func (c *Client) Create(ctx context.Context, kind string, payload record.Object) (record.Object, error) {
	const op = "create"
	k, err := c.kind(kind, op)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, k, op, http.MethodPost, "/"+k.Collection, payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(k, op, body)
}

// Update sends patch for entity id and returns the stored record.
func (c *Client) Update(ctx context.Context, kind, id string, patch record.Object) (record.Object, error) {
	const op = "update"
	k, err := c.kind(kind, op)
	if err != nil {
		return nil, err
	}
	if err := checkID(k, op, id); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, k, op, http.MethodPut, "/"+k.Collection+"/"+url.PathEscape(id), patch)
	if err != nil {
		return nil, err
	}
	return decodeRecord(k, op, body)
}

// Delete removes entity id.
func (c *Client) Delete(ctx context.Context, kind, id string) error {
	const op = "delete"
	k, err := c.kind(kind, op)
	if err != nil {
		return err
	}
	if err := checkID(k, op, id); err != nil {
		return err
	}

	_, err = c.do(ctx, k, op, http.MethodDelete, "/"+k.Collection+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) kind(name, op string) (*schema.Kind, error) {
	k, ok := c.schema.Kind(name)
	if !ok {
		return nil, syncerr.InvalidOperation(name, op, "unknown entity kind %q", name)
	}
	return k, nil
}

// checkID refuses ids that are not persistence ids.
func checkID(k *schema.Kind, op, id string) error {
	switch {
	case id == "":
		return syncerr.InvalidOperation(k.Name, op, "%s %s requires %s", op, k.Name, k.IDField)
	case identity.IsProvisional(id):
		return syncerr.InvalidOperation(k.Name, op, "%s %q is not confirmed yet", k.Name, id)
	case k.LooksLikeBusinessRef(id):
		ref := k.BusinessKey
		if ref == "" {
			ref = "business reference"
		}
		return syncerr.InvalidOperation(k.Name, op, "%q is a %s, not a %s %s", id, ref, k.Name, k.IDField)
	}
	return nil
}

// do sends one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, k *schema.Kind, op, method, path string, payload record.Object) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerr.NetworkFailure(k.Name, op, fmt.Errorf("rate limit wait: %w", err))
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerr.InvalidOperation(k.Name, op, "encode %s: %v", k.Name, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, syncerr.NetworkFailure(k.Name, op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("api request failed", "method", method, "path", path, "request_id", reqID, "error", err)
		return nil, syncerr.NetworkFailure(k.Name, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, syncerr.NetworkFailure(k.Name, op, fmt.Errorf("read response: %w", err))
	}

	slog.Debug("api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, syncerr.ServerRejected(k.Name, op, resp.StatusCode, ErrorMessage(body))
	}
	return body, nil
}

func decodeRecord(k *schema.Kind, op string, body []byte) (record.Object, error) {
	obj, err := record.DecodeObject(body)
	if err != nil {
		return nil, syncerr.ServerRejected(k.Name, op, http.StatusOK, fmt.Sprintf("invalid %s response: %v", k.Name, err))
	}
	// Some endpoints wrap the record as {"data": {...}}.
	if inner, ok := obj["data"].(record.Object); ok && !obj.Has(k.IDField) {
		return inner, nil
	}
	return obj, nil
}

// decodeList accepts a bare array, {"data": [...]} or {"<collection>": [...]}.
func decodeList(k *schema.Kind, body []byte) ([]record.Object, error) {
	v, err := record.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("invalid %s list: %w", k.Collection, err)
	}

	var arr record.Array
	switch val := v.(type) {
	case record.Array:
		arr = val
	case record.Object:
		for _, field := range []string{"data", k.Collection} {
			if a, ok := val[field].(record.Array); ok {
				arr = a
				break
			}
		}
		if arr == nil {
			return nil, fmt.Errorf("invalid %s list: no data array", k.Collection)
		}
	default:
		return nil, fmt.Errorf("invalid %s list: got %s", k.Collection, record.KindOf(v))
	}

	out := make([]record.Object, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(record.Object)
		if !ok {
			return nil, fmt.Errorf("invalid %s list: item %d is %s", k.Collection, i, record.KindOf(item))
		}
		out = append(out, obj)
	}
	return out, nil
}
