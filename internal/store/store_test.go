package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/conneroisu/quire/internal/depgraph"
	qerrors "github.com/conneroisu/quire/internal/errors"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "quire.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestGraphRoundTrip(t *testing.T) {
	s, path := openTemp(t)

	g := depgraph.New()
	g.RecordImports("content/a.html", depgraph.KindPage, []string{"templates/base.html", "templates/nav.html"})
	g.RecordImports("content/b.html", depgraph.KindPage, []string{"templates/base.html"})
	require.NoError(t, s.SaveGraph(g.Snapshot()))
	require.NoError(t, s.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.LoadGraph()
	require.NoError(t, err)
	if diff := cmp.Diff(g.Snapshot(), entries, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("loaded graph mismatch (-want +got):\n%s", diff)
	}

	restored := depgraph.New()
	restored.Restore(entries)
	assert.Equal(t, []string{"content/a.html", "content/b.html"}, restored.AffectedBy("templates/base.html"))
}

func TestSaveReplacesPreviousRecords(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	require.NoError(t, s.SaveGraph([]depgraph.Entry{
		{Path: "content/old.html", Kind: depgraph.KindPage},
	}))
	require.NoError(t, s.SaveGraph([]depgraph.Entry{
		{Path: "content/new.html", Kind: depgraph.KindPage, Imports: []string{"templates/x.html"}},
	}))

	entries, err := s.LoadGraph()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "content/new.html", entries[0].Path)
}

func TestDiagnosticsRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := []qerrors.Entry{
		{Path: "content/a.html", Permalink: "/a/", Message: "boom", Type: qerrors.ErrorTypeCompile, Timestamp: stamp},
		{Path: "content/b.html", Message: "missing", Type: qerrors.ErrorTypeDependency, Timestamp: stamp},
	}
	require.NoError(t, s.SaveDiagnostics(want))

	got, err := s.LoadDiagnostics()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.SaveDiagnostics(nil))
	got, err = s.LoadDiagnostics()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSchemaMismatchResetsState(t *testing.T) {
	s, path := openTemp(t)
	require.NoError(t, s.SaveGraph([]depgraph.Entry{{Path: "content/a.html", Kind: depgraph.KindPage}}))
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put(schemaKey, []byte("0"))
	}))
	require.NoError(t, s.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.LoadGraph()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, path, s.Path())
}

func TestOpenFailsOnDirectory(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeIO))
}
