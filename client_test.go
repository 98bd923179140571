package ctag_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctag "github.com/thrawn01/ctag"
)

// fakePage is the server-side state of one page in the fake wiki.
type fakePage struct {
	ID    string
	Title string
	Space string
	Tags  []string
}

// fakeWiki is an in-memory Confluence stand-in covering the search and label
// endpoints the client uses. Searches are answered from a CQL-to-page-ids
// table; label mutations change live state.
type fakeWiki struct {
	mu        sync.Mutex
	pages     map[string]*fakePage
	order     []string
	queries   map[string][]string
	batchSize int

	labelPosts   int
	labelDeletes int
	failLabels   map[string]int // page id -> status to return for label mutations

	server *httptest.Server
}

func newFakeWiki(batchSize int) *fakeWiki {
	w := &fakeWiki{
		pages:      make(map[string]*fakePage),
		queries:    make(map[string][]string),
		batchSize:  batchSize,
		failLabels: make(map[string]int),
	}
	w.server = httptest.NewServer(http.HandlerFunc(w.handle))
	return w
}

func (w *fakeWiki) Close() { w.server.Close() }

func (w *fakeWiki) addPage(id, title, space string, tags ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[id] = &fakePage{ID: id, Title: title, Space: space, Tags: tags}
	w.order = append(w.order, id)
}

func (w *fakeWiki) setQuery(cql string, ids ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queries[cql] = ids
}

func (w *fakeWiki) tagsOf(id string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.pages[id].Tags...)
}

func (w *fakeWiki) config() *ctag.Config {
	return &ctag.Config{
		BaseURL:  w.server.URL,
		Username: "user@example.com",
		Token:    "secret",
		PageSize: w.batchSize,
	}
}

func (w *fakeWiki) client() *ctag.Client {
	return ctag.NewClient(w.config(), nil)
}

func (w *fakeWiki) handle(rw http.ResponseWriter, req *http.Request) {
	if user, pass, ok := req.BasicAuth(); !ok || user != "user@example.com" || pass != "secret" {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(req.URL.Path, "/wiki/rest/api/content/")
	switch {
	case path == "search":
		w.handleSearch(rw, req)
	case strings.HasSuffix(path, "/label"):
		w.handleLabel(rw, req, strings.TrimSuffix(path, "/label"))
	default:
		rw.WriteHeader(http.StatusNotFound)
	}
}

func (w *fakeWiki) handleSearch(rw http.ResponseWriter, req *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cql := req.URL.Query().Get("cql")
	ids, ok := w.queries[cql]
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(rw, `{"message": "could not parse cql"}`)
		return
	}

	start, _ := strconv.Atoi(req.URL.Query().Get("start"))
	end := start + w.batchSize
	if end > len(ids) {
		end = len(ids)
	}

	var results []map[string]any
	for _, id := range ids[start:end] {
		page := w.pages[id]
		results = append(results, map[string]any{
			"title":                 page.Title,
			"content":               map[string]any{"id": page.ID},
			"resultGlobalContainer": map[string]any{"title": page.Space},
		})
	}

	links := map[string]any{}
	if end < len(ids) {
		links["next"] = fmt.Sprintf("/rest/api/content/search?cql=%s&limit=%d&start=%d",
			url.QueryEscape(cql), w.batchSize, end)
	}

	_ = json.NewEncoder(rw).Encode(map[string]any{
		"results": results,
		"_links":  links,
	})
}

func (w *fakeWiki) handleLabel(rw http.ResponseWriter, req *http.Request, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	page, ok := w.pages[id]
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return
	}

	switch req.Method {
	case http.MethodGet:
		var results []map[string]string
		for _, tag := range page.Tags {
			results = append(results, map[string]string{"name": tag})
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"results": results})

	case http.MethodPost:
		w.labelPosts++
		if status := w.failLabels[id]; status != 0 {
			rw.WriteHeader(status)
			return
		}
		var body []struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, label := range body {
			page.Tags = append(page.Tags, label.Name)
		}
		rw.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		w.labelDeletes++
		if status := w.failLabels[id]; status != 0 {
			rw.WriteHeader(status)
			return
		}
		name := req.URL.Query().Get("name")
		kept := page.Tags[:0]
		for _, tag := range page.Tags {
			if tag != name {
				kept = append(kept, tag)
			}
		}
		page.Tags = kept
		rw.WriteHeader(http.StatusNoContent)

	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestSearchAllFollowsCursor(t *testing.T) {
	wiki := newFakeWiki(2)
	defer wiki.Close()

	for i := 1; i <= 5; i++ {
		id := strconv.Itoa(i)
		wiki.addPage(id, "Page "+id, "ENG")
	}
	wiki.setQuery(`space = "ENG"`, "1", "2", "3", "4", "5")

	client := wiki.client()
	var batchTotals []int
	pages, err := client.SearchAll(context.Background(), `space = "ENG"`, func(count int) {
		batchTotals = append(batchTotals, count)
	})
	require.NoError(t, err)

	require.Len(t, pages, 5)
	for i, page := range pages {
		assert.Equal(t, strconv.Itoa(i+1), page.ID)
		assert.Equal(t, "ENG", page.Space)
	}
	assert.Equal(t, []int{2, 4, 5}, batchTotals)
}

func TestSearchAllRejectedCQL(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()

	client := wiki.client()
	_, err := client.SearchAll(context.Background(), "not valid cql", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSearchAllMalformedRecordDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprint(rw, `{
			"results": [
				{"title": "Good", "content": {"id": "100"}},
				{"title": "Broken", "content": "not an object"},
				{"weird": true},
				{"title": "Also Good", "content": {"id": "200"}}
			],
			"_links": {}
		}`)
	}))
	defer server.Close()

	client := ctag.NewClient(&ctag.Config{
		BaseURL:  server.URL,
		Username: "u",
		Token:    "t",
		PageSize: 10,
	}, nil)

	pages, err := client.SearchAll(context.Background(), "anything", nil)
	require.NoError(t, err)

	// The broken record keeps its title through the minimal parse; the record
	// with neither id nor title is dropped.
	require.Len(t, pages, 3)
	assert.Equal(t, "100", pages[0].ID)
	assert.Equal(t, "Broken", pages[1].Title)
	assert.Empty(t, pages[1].ID)
	assert.Equal(t, "200", pages[2].ID)
}

func TestTagMutations(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "alpha", "beta")

	client := wiki.client()
	ctx := context.Background()

	require.NoError(t, client.AddTag(ctx, "1", "gamma"))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, wiki.tagsOf("1"))

	require.NoError(t, client.RemoveTag(ctx, "1", "alpha"))
	assert.Equal(t, []string{"beta", "gamma"}, wiki.tagsOf("1"))

	tags, err := client.GetPageTags(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, tags)
}

func TestGetPageTagsDegradesOnError(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()

	client := wiki.client()
	tags, err := client.GetPageTags(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestReplaceTagsSkipsAbsentPairs(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "draft", "reviewed")

	client := wiki.client()
	applied, ok := client.ReplaceTags(context.Background(), "1", []ctag.ReplacePair{
		{Old: "draft", New: "published"},
		{Old: "missing", New: "never-added"},
	})
	require.True(t, ok)
	require.Equal(t, []ctag.ReplacePair{{Old: "draft", New: "published"}}, applied)
	assert.ElementsMatch(t, []string{"reviewed", "published"}, wiki.tagsOf("1"))
}

func TestFilterExcludedPages(t *testing.T) {
	pages := []ctag.Page{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	excluded := []ctag.Page{{ID: "B"}, {ID: "Z"}}

	filtered := ctag.FilterExcludedPages(pages, excluded)
	require.Len(t, filtered, 2)
	assert.Equal(t, "A", filtered[0].ID)
	assert.Equal(t, "C", filtered[1].ID)
}

func TestPageURL(t *testing.T) {
	client := ctag.NewClient(&ctag.Config{
		BaseURL:  "https://example.atlassian.net",
		Username: "u",
		Token:    "t",
		PageSize: 10,
	}, nil)
	assert.Equal(t,
		"https://example.atlassian.net/wiki/pages/viewpage.action?pageId=12345",
		client.PageURL("12345"))
}
