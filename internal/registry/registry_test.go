package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/vdom"
)

func facts(source, permalink, date string, links ...string) Facts {
	return Facts{
		Source:    source,
		Permalink: permalink,
		Meta:      Meta{Title: permalink, Date: date},
		Links:     links,
	}
}

func scan(t *testing.T, r *Registry, all ...Facts) CommitResult {
	t.Helper()
	r.BeginScan()
	for _, f := range all {
		_, err := r.Register(f)
		require.NoError(t, err)
	}
	return r.Commit()
}

func TestMutualBacklinks(t *testing.T) {
	r := New(false)
	scan(t, r,
		facts("content/x.html", "/x/", "", "/y/"),
		facts("content/y.html", "/y/", "", "/x/"),
	)

	x, err := r.Context("/x/")
	require.NoError(t, err)
	require.Len(t, x.Backlinks, 1)
	assert.Equal(t, "/y/", x.Backlinks[0].Permalink)

	y, err := r.Context("/y/")
	require.NoError(t, err)
	require.Len(t, y.Backlinks, 1)
	assert.Equal(t, "/x/", y.Backlinks[0].Permalink)
}

func TestContextUsesCommittedData(t *testing.T) {
	r := New(false)
	scan(t, r, facts("content/a.html", "/a/", "2024-01-01"))

	r.BeginScan()
	assert.Equal(t, ModeScan, r.Mode())
	_, err := r.Register(facts("content/b.html", "/b/", "2024-02-01", "/a/"))
	require.NoError(t, err)

	// Mid-scan the listing is still the committed one.
	ctx, err := r.Context("/a/")
	require.NoError(t, err)
	assert.Len(t, ctx.Pages, 1)
	assert.Empty(t, ctx.Backlinks)

	result := r.Commit()
	assert.Equal(t, ModeCompile, r.Mode())
	assert.True(t, result.ListingChanged)
	assert.Equal(t, []string{"content/a.html"}, result.BacklinksChanged)

	ctx, err = r.Context("/a/")
	require.NoError(t, err)
	assert.Len(t, ctx.Pages, 2)
	require.Len(t, ctx.Backlinks, 1)
	assert.Equal(t, "/b/", ctx.Backlinks[0].Permalink)
}

func TestFirstScanHasEmptyListing(t *testing.T) {
	r := New(false)
	r.BeginScan()
	_, err := r.Register(facts("content/a.html", "/a/", ""))
	require.NoError(t, err)

	ctx, err := r.Context("/a/")
	require.NoError(t, err)
	assert.Empty(t, ctx.Pages)
}

func TestRegisterRequiresScanMode(t *testing.T) {
	r := New(false)
	_, err := r.Register(facts("content/a.html", "/a/", ""))
	assert.Error(t, err)
}

func TestListingSortedNewestFirstWithoutDrafts(t *testing.T) {
	r := New(true)
	draft := facts("content/d.html", "/d/", "2025-01-01")
	draft.Meta.Draft = true
	scan(t, r,
		facts("content/old.html", "/old/", "2020-01-01"),
		facts("content/new.html", "/new/", "2024-06-01T10:00:00Z"),
		facts("content/undated.html", "/undated/", ""),
		draft,
	)

	var order []string
	for _, p := range r.Listing() {
		order = append(order, p.Permalink)
	}
	assert.Equal(t, []string{"/new/", "/old/", "/undated/"}, order)
	assert.Equal(t, 4, r.Count(), "drafts are registered when enabled")
}

func TestDraftsExcluded(t *testing.T) {
	r := New(false)
	scan(t, r, facts("content/a.html", "/a/", ""))

	draft := facts("content/a.html", "/a/", "")
	draft.Meta.Draft = true
	r.BeginScan()
	outcome, err := r.Register(draft)
	require.NoError(t, err)
	r.Commit()

	assert.True(t, outcome.Excluded)
	assert.Equal(t, "/a/", outcome.Removed)
	assert.Equal(t, 0, r.Count())
	_, ok := r.Lookup("content/a.html")
	assert.False(t, ok)
}

func TestPermalinkConflict(t *testing.T) {
	r := New(false)
	r.BeginScan()
	_, err := r.Register(facts("content/a.html", "/same/", ""))
	require.NoError(t, err)
	_, err = r.Register(facts("content/b.html", "/same/", ""))
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeCompile))
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodePermalinkConflict))

	source, ok := r.SourceFor("/same/")
	require.True(t, ok)
	assert.Equal(t, "content/a.html", source)
}

func TestRenameKeepsTreeAndRecordsOldPermalink(t *testing.T) {
	r := New(false)
	scan(t, r, facts("content/a.html", "/old/", ""))
	tree := &vdom.Tree{Root: vdom.Element("html")}
	r.SetTree("/old/", tree)

	r.BeginScan()
	outcome, err := r.Register(facts("content/a.html", "/new/", ""))
	require.NoError(t, err)
	r.Commit()

	assert.Equal(t, "/old/", outcome.Renamed)
	assert.Same(t, tree, r.Tree("/new/"))
	assert.Nil(t, r.Tree("/old/"))

	old, ok := r.TakeRename("content/a.html")
	require.True(t, ok)
	assert.Equal(t, "/old/", old)
	_, ok = r.TakeRename("content/a.html")
	assert.False(t, ok)
}

func TestListingUsersAndUnchangedListing(t *testing.T) {
	r := New(false)
	index := facts("content/index.html", "/", "")
	index.UsesListing = true

	first := scan(t, r, index, facts("content/a.html", "/a/", "2024-01-01"))
	assert.True(t, first.ListingChanged)
	assert.Equal(t, []string{"content/index.html"}, first.ListingUsers)

	// Rescanning identical facts leaves the listing fingerprint alone.
	second := scan(t, r, facts("content/a.html", "/a/", "2024-01-01"))
	assert.False(t, second.ListingChanged)
	assert.Empty(t, second.BacklinksChanged)

	retitled := facts("content/a.html", "/a/", "2024-01-01")
	retitled.Meta.Title = "New title"
	third := scan(t, r, retitled)
	assert.True(t, third.ListingChanged)
}

func TestSiblingNavigation(t *testing.T) {
	r := New(false)
	scan(t, r,
		facts("content/blog/a.html", "/blog/a/", "2024-01-01"),
		facts("content/blog/b.html", "/blog/b/", "2024-02-01"),
		facts("content/blog/c.html", "/blog/c/", "2024-03-01"),
		facts("content/about.html", "/about/", "2024-04-01"),
	)

	ctx, err := r.Context("/blog/b/")
	require.NoError(t, err)
	require.NotNil(t, ctx.Prev)
	require.NotNil(t, ctx.Next)
	assert.Equal(t, "/blog/c/", ctx.Prev.Permalink)
	assert.Equal(t, "/blog/a/", ctx.Next.Permalink)

	ctx, err = r.Context("/about/")
	require.NoError(t, err)
	assert.Nil(t, ctx.Prev)
	assert.Nil(t, ctx.Next)
}

func TestRemoveAndResolve(t *testing.T) {
	r := New(false)
	withAlias := facts("content/a.html", "/a/", "")
	withAlias.Meta.Aliases = []string{"/old-a"}
	scan(t, r, withAlias)
	r.SetTree("/a/", &vdom.Tree{})

	p, ok := r.Resolve("/old-a/")
	require.True(t, ok)
	assert.Equal(t, "/a/", p)
	p, ok = r.Resolve("/a/?x=1#top")
	require.True(t, ok)
	assert.Equal(t, "/a/", p)

	permalink, ok := r.Remove("content/a.html")
	require.True(t, ok)
	assert.Equal(t, "/a/", permalink)
	assert.Nil(t, r.Tree("/a/"))
	_, ok = r.Resolve("/a/")
	assert.False(t, ok)
	assert.Empty(t, r.Sources())
}

func TestContextUnknownPage(t *testing.T) {
	_, err := New(false).Context("/missing/")
	assert.Error(t, err)
}

func TestNormalizePermalink(t *testing.T) {
	tests := map[string]string{
		"":               "/",
		"/":              "/",
		"blog/post":      "/blog/post/",
		"/blog/post/":    "/blog/post/",
		"/feed.xml":      "/feed.xml",
		"/a/../b?q=1":    "/b/",
		"/docs/#section": "/docs/",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePermalink(in), in)
	}
}

func TestSection(t *testing.T) {
	assert.Equal(t, "/blog/", Section("/blog/post/"))
	assert.Equal(t, "/", Section("/about/"))
	assert.Equal(t, "/", Section("/"))
}

func TestParseDate(t *testing.T) {
	_, ok := ParseDate("2024-01-02")
	assert.True(t, ok)
	_, ok = ParseDate("2024-01-02T03:04:05Z")
	assert.True(t, ok)
	_, ok = ParseDate("yesterday")
	assert.False(t, ok)
}
