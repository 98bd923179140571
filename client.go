package ctag

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	searchExpand         = "space,metadata.labels,version,content.ancestors"
	defaultClientTimeout = 30 * time.Second
)

// Client talks to the Confluence REST API. All requests go through the
// retrier, so transient failures are absorbed before callers see them.
type Client struct {
	baseURL  string
	username string
	token    string
	pageSize int
	retrier  *Retrier
	logger   *zap.SugaredLogger
}

func NewClient(config *Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	httpClient := &http.Client{Timeout: defaultClientTimeout}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		username: config.Username,
		token:    config.Token,
		pageSize: config.PageSize,
		retrier:  NewRetrier(DefaultRetryConfig(), httpClient, logger),
		logger:   logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// PageURL returns the browsable location of a page.
func (c *Client) PageURL(pageID string) string {
	return fmt.Sprintf("%s/wiki/pages/viewpage.action?pageId=%s", c.baseURL, pageID)
}

func (c *Client) do(ctx context.Context, method, requestURL string, body []byte) (*http.Response, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.token))
	return c.retrier.Do(func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Basic "+auth)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

type searchResultItem struct {
	Content *struct {
		ID        string `json:"id"`
		Ancestors []struct {
			Title string `json:"title"`
		} `json:"ancestors"`
	} `json:"content"`
	Title                 string `json:"title"`
	ResultGlobalContainer *struct {
		Title string `json:"title"`
	} `json:"resultGlobalContainer"`
}

// SearchAll materializes the full result set for a CQL expression, following
// the continuation cursor until it is absent or a batch comes back empty.
// onBatch, when non-nil, observes the running total after each batch; it must
// not affect the results.
func (c *Client) SearchAll(ctx context.Context, cql string, onBatch func(count int)) ([]Page, error) {
	requestURL := fmt.Sprintf("%s/wiki/rest/api/content/search?cql=%s&limit=%d&expand=%s",
		c.baseURL, url.QueryEscape(cql), c.pageSize, url.QueryEscape(searchExpand))

	var pages []Page
	for {
		resp, err := c.do(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to execute CQL query: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read CQL response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("CQL query failed with status %d: %s",
				resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var batch searchResponse
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse CQL response: %w", err)
		}
		if len(batch.Results) == 0 {
			break
		}

		for _, raw := range batch.Results {
			page, ok := c.parseSearchItem(raw)
			if !ok {
				continue
			}
			pages = append(pages, page)
		}

		if onBatch != nil {
			onBatch(len(pages))
		}

		if batch.Links.Next == "" {
			break
		}
		requestURL = c.resolveNext(batch.Links.Next)
	}

	c.logger.Infow("CQL query completed", "cql", cql, "results", len(pages))
	return pages, nil
}

// parseSearchItem converts one raw search result record into a Page. When the
// full structural parse fails, it falls back to a degraded parse that keeps
// at least the identifier and title; only records that yield neither are
// dropped, and never silently.
func (c *Client) parseSearchItem(raw json.RawMessage) (Page, bool) {
	var item searchResultItem
	if err := json.Unmarshal(raw, &item); err == nil {
		page := Page{Title: item.Title}
		if item.Content != nil {
			page.ID = item.Content.ID
			for _, ancestor := range item.Content.Ancestors {
				if ancestor.Title != "" {
					page.Ancestors = append(page.Ancestors, ancestor.Title)
				}
			}
		}
		if item.ResultGlobalContainer != nil {
			page.Space = item.ResultGlobalContainer.Title
		}
		return page, true
	}

	c.logger.Warnw("failed to parse search result item, attempting minimal parse")

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		c.logger.Warnw("dropping unparseable search result record", "error", err)
		return Page{}, false
	}

	var page Page
	if content, ok := generic["content"].(map[string]any); ok {
		if id, ok := content["id"].(string); ok {
			page.ID = id
		}
	}
	if title, ok := generic["title"].(string); ok {
		page.Title = title
	}
	if page.ID == "" && page.Title == "" {
		c.logger.Warnw("dropping search result record with no id or title")
		return Page{}, false
	}
	return page, true
}

// resolveNext turns the continuation link from a search response into an
// absolute URL. The API returns it relative to the /wiki context path.
func (c *Client) resolveNext(next string) string {
	if strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
		return next
	}
	if strings.HasPrefix(next, "/wiki/") {
		return c.baseURL + next
	}
	return c.baseURL + "/wiki" + next
}

type labelsResponse struct {
	Results []struct {
		Name string `json:"name"`
	} `json:"results"`
}

// GetPageTags fetches the live label set of a page. A non-2xx response
// degrades to an empty set; only transport-level failures surface as errors.
func (c *Client) GetPageTags(ctx context.Context, pageID string) ([]string, error) {
	requestURL := fmt.Sprintf("%s/wiki/rest/api/content/%s/label", c.baseURL, pageID)

	resp, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels for page %s: %w", pageID, err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read labels response for page %s: %w", pageID, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warnw("label fetch returned non-OK status, treating as empty",
			"page_id", pageID, "status", resp.StatusCode)
		return nil, nil
	}

	var labels labelsResponse
	if err := json.Unmarshal(body, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels response for page %s: %w", pageID, err)
	}

	tags := make([]string, 0, len(labels.Results))
	for _, label := range labels.Results {
		tags = append(tags, label.Name)
	}
	return tags, nil
}

// AddTag adds one label to a page.
func (c *Client) AddTag(ctx context.Context, pageID, tag string) error {
	requestURL := fmt.Sprintf("%s/wiki/rest/api/content/%s/label", c.baseURL, pageID)

	body, err := json.Marshal([]map[string]string{{"name": tag}})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return fmt.Errorf("failed to add tag %q to page %s: %w", tag, pageID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to add tag %q to page %s: status %d: %s",
			tag, pageID, resp.StatusCode, readErrorBody(resp.Body))
	}
	c.logger.Infow("added tag", "tag", tag, "page_id", pageID)
	return nil
}

// RemoveTag removes one label from a page.
func (c *Client) RemoveTag(ctx context.Context, pageID, tag string) error {
	requestURL := fmt.Sprintf("%s/wiki/rest/api/content/%s/label?name=%s",
		c.baseURL, pageID, url.QueryEscape(tag))

	resp, err := c.do(ctx, http.MethodDelete, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to remove tag %q from page %s: %w", tag, pageID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to remove tag %q from page %s: status %d: %s",
			tag, pageID, resp.StatusCode, readErrorBody(resp.Body))
	}
	c.logger.Infow("removed tag", "tag", tag, "page_id", pageID)
	return nil
}

// AddTags adds every tag to the page with one call per tag. The result is
// true only when every add succeeded; earlier successful adds are not rolled
// back on a later failure.
func (c *Client) AddTags(ctx context.Context, pageID string, tags []string) bool {
	ok := true
	for _, tag := range tags {
		if err := c.AddTag(ctx, pageID, tag); err != nil {
			c.logger.Errorw("error adding tag", "tag", tag, "page_id", pageID, "error", err)
			ok = false
		}
	}
	return ok
}

// RemoveTags removes every tag from the page, with the same all-or-nothing
// success flag and no-rollback policy as AddTags.
func (c *Client) RemoveTags(ctx context.Context, pageID string, tags []string) bool {
	ok := true
	for _, tag := range tags {
		if err := c.RemoveTag(ctx, pageID, tag); err != nil {
			c.logger.Errorw("error removing tag", "tag", tag, "page_id", pageID, "error", err)
			ok = false
		}
	}
	return ok
}

// ReplaceTags applies old→new pairs to the page's current tag set. The old
// tag is removed before the new one is added; if the removal fails, the new
// tag is never added. Returns the pairs fully replaced and whether every
// applicable pair succeeded.
func (c *Client) ReplaceTags(ctx context.Context, pageID string, pairs []ReplacePair) ([]ReplacePair, bool) {
	currentTags, err := c.GetPageTags(ctx, pageID)
	if err != nil {
		c.logger.Errorw("failed to get current tags", "page_id", pageID, "error", err)
		return nil, false
	}

	present := make(map[string]bool, len(currentTags))
	for _, tag := range currentTags {
		present[tag] = true
	}

	var applied []ReplacePair
	ok := true
	for _, pair := range pairs {
		if !present[pair.Old] {
			continue
		}
		if err := c.RemoveTag(ctx, pageID, pair.Old); err != nil {
			c.logger.Errorw("error removing tag during replace",
				"tag", pair.Old, "page_id", pageID, "error", err)
			ok = false
			continue
		}
		if err := c.AddTag(ctx, pageID, pair.New); err != nil {
			c.logger.Errorw("error adding replacement tag",
				"tag", pair.New, "page_id", pageID, "error", err)
			ok = false
			continue
		}
		applied = append(applied, pair)
		c.logger.Infow("replaced tag", "old", pair.Old, "new", pair.New, "page_id", pageID)
	}
	return applied, ok
}

// FilterExcludedPages removes pages whose id appears in the exclusion set.
// This is a local set-difference; nothing is pushed to the remote service.
func FilterExcludedPages(pages, excluded []Page) []Page {
	excludedIDs := make(map[string]bool, len(excluded))
	for _, page := range excluded {
		if page.ID != "" {
			excludedIDs[page.ID] = true
		}
	}

	filtered := make([]Page, 0, len(pages))
	for _, page := range pages {
		if page.ID != "" && excludedIDs[page.ID] {
			continue
		}
		filtered = append(filtered, page)
	}
	return filtered
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
