// Package backend talks to the host CMS that owns documents and persisted
// annotation items. All calls authenticate with short-lived service tokens.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/strukturag/pdfdraw/internal/auth"
)

var (
	ErrNotFound    = errors.New("backend: not found")
	ErrUnavailable = errors.New("backend: request failed")
)

// Item is one persisted annotation as the backend returns it.
type Item struct {
	Page int    `json:"page"`
	Name string `json:"name"`
	Data string `json:"data"`
}

type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

// New creates a client for the backend reachable at baseURL, normally the
// issuer of the session token that opened the room.
func New(baseURL string, secret []byte) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ocsURL(parts ...string) string {
	return c.baseURL + "/ocs/v2.php/apps/pdfdraw/api/v1/" + strings.Join(parts, "/")
}

// ocsEnvelope is the response wrapper of the backend's OCS API.
type ocsEnvelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

func (c *Client) doOCSWithToken(ctx context.Context, method, requestURL string, form url.Values, token string) (json.RawMessage, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("OCS-APIRequest", "true")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var envelope ocsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrUnavailable, err)
	}
	meta := envelope.OCS.Meta
	if meta.Status != "ok" || meta.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ocs status %s/%d", ErrUnavailable, meta.Status, meta.StatusCode)
	}
	return envelope.OCS.Data, nil
}

// ListItems fetches all persisted items of a document. The service token is
// scoped to the document it lists.
func (c *Client) ListItems(ctx context.Context, fileID string) ([]Item, error) {
	token, err := auth.IssueBackend(c.secret, fileID)
	if err != nil {
		return nil, fmt.Errorf("issue service token: %w", err)
	}
	data, err := c.doOCSWithToken(ctx, http.MethodGet, c.ocsURL("item", fileID), nil, token)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: invalid item list: %v", ErrUnavailable, err)
	}
	return items, nil
}

// StoreItem upserts an item by (document, page, name).
func (c *Client) StoreItem(ctx context.Context, fileID string, page int, name, data string) error {
	token, err := auth.IssueBackend(c.secret, fileID)
	if err != nil {
		return fmt.Errorf("issue service token: %w", err)
	}
	requestURL := c.ocsURL("item", fileID, strconv.Itoa(page), url.PathEscape(name))
	form := url.Values{"data": {data}}
	_, err = c.doOCSWithToken(ctx, http.MethodPost, requestURL, form, token)
	return err
}

// DeleteItem removes an item by (document, page, name).
func (c *Client) DeleteItem(ctx context.Context, fileID string, page int, name string) error {
	token, err := auth.IssueBackend(c.secret, fileID)
	if err != nil {
		return fmt.Errorf("issue service token: %w", err)
	}
	requestURL := c.ocsURL("item", fileID, strconv.Itoa(page), url.PathEscape(name))
	_, err = c.doOCSWithToken(ctx, http.MethodDelete, requestURL, nil, token)
	return err
}

// DownloadFile fetches the raw bytes of the source document. The token is the
// caller-supplied one so the backend enforces the caller's read permission.
func (c *Client) DownloadFile(ctx context.Context, token, fileID string) ([]byte, error) {
	requestURL := c.baseURL + "/apps/pdfdraw/download/" + url.PathEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return content, nil
}
