package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllReturnsEmptyBeforeFirstAppend(t *testing.T) {
	l := New(t.TempDir(), "KMD")
	entries, err := l.All()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendThenAllRoundTrip(t *testing.T) {
	l := New(t.TempDir(), "KMD")

	require.NoError(t, l.Append(Entry{Block: 100, Finder: "alice", Date: 1000}))
	require.NoError(t, l.Append(Entry{Block: 101, Finder: "bob", Date: 2000}))

	entries, err := l.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Block: 100, Finder: "alice", Date: 1000}, entries[0])
	assert.Equal(t, Entry{Block: 101, Finder: "bob", Date: 2000}, entries[1])
}

func TestAppendCreatesExpectedFilename(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "ZEC")
	require.NoError(t, l.Append(Entry{Block: 1, Finder: "alice"}))

	_, err := os.Stat(filepath.Join(dir, "ZEC_blocks.json"))
	assert.NoError(t, err)
}

func TestAppendLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "KMD")
	require.NoError(t, l.Append(Entry{Block: 1, Finder: "alice"}))

	_, err := os.Stat(filepath.Join(dir, "KMD_blocks.json.tmp"))
	assert.True(t, os.IsNotExist(err), "the rename-over-temp write must not leave a .tmp file")
}

func TestAllSurfacesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "KMD")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "KMD_blocks.json"), []byte("not json"), 0644))

	_, err := l.All()
	assert.Error(t, err)
}
