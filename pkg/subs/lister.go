package subs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Conversation is the slice of the listing response the orchestrator needs.
type Conversation struct {
	ID string `json:"id"`
}

// ConversationLister is the external listing collaborator. The orchestrator
// calls it once per activation cycle.
type ConversationLister interface {
	ListConversations(ctx context.Context, workspaceID string) ([]Conversation, error)
}

// HTTPLister lists conversations from the platform API, following pagination
// until the workspace is exhausted.
type HTTPLister struct {
	baseURL  string
	pageSize int
	tokens   oauth2.TokenSource
	client   *http.Client
}

// NewHTTPLister creates a lister against baseURL. tokens may be nil for
// unauthenticated backends.
func NewHTTPLister(baseURL string, pageSize int, timeout time.Duration, tokens oauth2.TokenSource) *HTTPLister {
	if pageSize <= 0 {
		pageSize = 50
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLister{
		baseURL:  baseURL,
		pageSize: pageSize,
		tokens:   tokens,
		client:   &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Conversations []Conversation `json:"conversations"`
	NextPage      int            `json:"next_page"`
}

// ListConversations fetches every page for the workspace.
func (l *HTTPLister) ListConversations(ctx context.Context, workspaceID string) ([]Conversation, error) {
	var all []Conversation
	page := 1
	for {
		resp, err := l.fetchPage(ctx, workspaceID, page)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Conversations...)
		if resp.NextPage <= page {
			return all, nil
		}
		page = resp.NextPage
	}
}

func (l *HTTPLister) fetchPage(ctx context.Context, workspaceID string, page int) (*listResponse, error) {
	u := fmt.Sprintf("%s/workspaces/%s/conversations?%s", l.baseURL, url.PathEscape(workspaceID), url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(l.pageSize)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := setBearer(req, l.tokens); err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list conversations: unexpected status %d", resp.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list conversations: decode: %w", err)
	}
	return &out, nil
}

func setBearer(req *http.Request, tokens oauth2.TokenSource) error {
	if tokens == nil {
		return nil
	}
	tok, err := tokens.Token()
	if err != nil {
		return fmt.Errorf("credential source: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}
