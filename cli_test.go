package ctag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctag "github.com/thrawn01/ctag"
)

// useWikiEnv points the CLI's environment-based config at the fake wiki.
func useWikiEnv(t *testing.T, wiki *fakeWiki) {
	t.Helper()
	t.Setenv("ATLASSIAN_URL", wiki.server.URL)
	t.Setenv("ATLASSIAN_USERNAME", "user@example.com")
	t.Setenv("ATLASSIAN_TOKEN", "secret")
}

func TestCLIAdd(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	err := ctag.Run([]string{"add", "release", "--cql", "q", "--format", "json", "--progress=false"})
	require.NoError(t, err)
	assert.Equal(t, []string{"release"}, wiki.tagsOf("1"))
}

func TestCLIRemoveRegex(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "test-1", "prod")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	err := ctag.Run([]string{"remove", "test-.*", "--regex", "--cql", "q", "--format", "json", "--progress=false"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, wiki.tagsOf("1"))
}

func TestCLIReplace(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "draft")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	err := ctag.Run([]string{"replace", "draft=published", "--cql", "q", "--format", "json", "--progress=false"})
	require.NoError(t, err)
	assert.Equal(t, []string{"published"}, wiki.tagsOf("1"))
}

func TestCLIDryRunMakesNoChanges(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	err := ctag.Run([]string{"add", "x", "--cql", "q", "--dry-run", "--format", "json", "--progress=false"})
	require.NoError(t, err)
	assert.Empty(t, wiki.tagsOf("1"))
	assert.Equal(t, 0, wiki.labelPosts)
}

func TestCLIGet(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "alpha")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	err := ctag.Run([]string{"get", "--cql", "q", "--format", "json", "--progress=false"})
	require.NoError(t, err)
}

func TestCLIGetOutputFile(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG", "alpha", "beta")
	wiki.addPage("2", "Page 2", "ENG", "alpha")
	wiki.setQuery("q", "1", "2")
	useWikiEnv(t, wiki)

	path := filepath.Join(t.TempDir(), "pages.csv")
	err := ctag.Run([]string{"get", "--cql", "q", "--format", "csv",
		"--output-file", path, "--progress=false"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id,title,space,tags,ancestors,url")
	assert.Contains(t, string(data), "alpha;beta")
}

func TestCLIFromJSON(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG")
	wiki.setQuery("q", "1")
	useWikiEnv(t, wiki)

	path := filepath.Join(t.TempDir(), "script.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"commands": [{"action": "add", "cql_expression": "q", "tags": ["scripted"]}]}`), 0o600))

	err := ctag.Run([]string{"from-json", path, "--format", "json", "--progress=false"})
	require.NoError(t, err)
	assert.Equal(t, []string{"scripted"}, wiki.tagsOf("1"))
}

func TestCLIFatalErrors(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.setQuery("q")

	t.Run("MissingCredentials", func(t *testing.T) {
		t.Setenv("ATLASSIAN_URL", "")
		t.Setenv("ATLASSIAN_USERNAME", "")
		t.Setenv("ATLASSIAN_TOKEN", "")
		err := ctag.Run([]string{"add", "x", "--cql", "q", "--progress=false"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ATLASSIAN_URL")
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		useWikiEnv(t, wiki)
		err := ctag.Run([]string{"add", "x", "--cql", "q", "--format", "xml", "--progress=false"})
		require.Error(t, err)
	})

	t.Run("InvalidRegex", func(t *testing.T) {
		useWikiEnv(t, wiki)
		err := ctag.Run([]string{"remove", "[bad", "--regex", "--cql", "q", "--progress=false"})
		require.Error(t, err)
	})

	t.Run("MalformedReplacePair", func(t *testing.T) {
		useWikiEnv(t, wiki)
		err := ctag.Run([]string{"replace", "nodelimiter", "--cql", "q", "--progress=false"})
		require.Error(t, err)
	})

	t.Run("RejectedCQL", func(t *testing.T) {
		useWikiEnv(t, wiki)
		err := ctag.Run([]string{"add", "x", "--cql", "unknown-query", "--progress=false"})
		require.Error(t, err)
	})

	t.Run("MalformedScript", func(t *testing.T) {
		useWikiEnv(t, wiki)
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"commands": [`), 0o600))
		err := ctag.Run([]string{"from-json", path, "--progress=false"})
		require.Error(t, err)
	})
}

func TestCLIPerPageFailuresAreNotFatal(t *testing.T) {
	wiki := newFakeWiki(10)
	defer wiki.Close()
	wiki.addPage("1", "Page 1", "ENG")
	wiki.setQuery("q", "1")
	wiki.failLabels["1"] = 400
	useWikiEnv(t, wiki)

	// The page fails but the run is reported through the summary, not an
	// error exit.
	err := ctag.Run([]string{"add", "x", "--cql", "q", "--format", "json", "--progress=false"})
	require.NoError(t, err)
}
