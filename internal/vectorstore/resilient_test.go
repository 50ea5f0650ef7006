package vectorstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenChromemDB_HealthyDB(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	db, err := openChromemDB(path, false, logger)
	require.NoError(t, err)
	require.NotNil(t, db)
}

func TestOpenChromemDB_QuarantinesCollectionWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	db, err := openChromemDB(path, false, logger)
	require.NoError(t, err)
	c, err := db.CreateCollection("broken", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.AddDocument(ctx, chromem.Document{
		ID:        "doc1",
		Content:   "apple pie recipe",
		Embedding: []float32{1, 0, 0},
	}))

	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	hash := entries[0].Name()
	require.NoError(t, os.Remove(filepath.Join(path, hash, "00000000.gob")))

	reopened, err := openChromemDB(path, false, logger)
	require.NoError(t, err)
	assert.Empty(t, reopened.ListCollections())

	_, err = os.Stat(filepath.Join(path, quarantineDir, hash))
	assert.NoError(t, err, "corrupt collection moved into quarantine")
	_, err = os.Stat(filepath.Join(path, hash))
	assert.True(t, os.IsNotExist(err))
}

func TestFindCorruptCollections(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	// Healthy: metadata plus a document.
	healthyPath := filepath.Join(path, "0a1b2c3d")
	require.NoError(t, os.MkdirAll(healthyPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(healthyPath, "00000000.gob"), []byte("metadata"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(healthyPath, "abcd1234.gob"), []byte("document"), 0644))

	// Corrupt: documents but no metadata.
	corruptHash := "deadbeef"
	corruptPath := filepath.Join(path, corruptHash)
	require.NoError(t, os.MkdirAll(corruptPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(corruptPath, "abcd5678.gob"), []byte("document"), 0644))

	// Empty directories are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(path, "00000001"), 0755))

	// Hidden directories such as the quarantine itself are ignored.
	hidden := filepath.Join(path, quarantineDir, "cafebabe")
	require.NoError(t, os.MkdirAll(hidden, 0755))

	corrupt := findCorruptCollections(path, false, errors.New("boom"), logger)
	assert.Equal(t, []string{corruptHash}, corrupt)
}

func TestFindCorruptCollections_FromLoadError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	loadErr := errors.New("collection metadata file not found: " + filepath.Join(path, "feedface"))
	corrupt := findCorruptCollections(path, false, loadErr, logger)
	assert.Equal(t, []string{"feedface"}, corrupt)
}

func TestFindCorruptCollections_Compressed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	// With compression only .gob.gz files count.
	plain := filepath.Join(path, "11111111")
	require.NoError(t, os.MkdirAll(plain, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(plain, "abcd1234.gob"), []byte("document"), 0644))

	gz := filepath.Join(path, "22222222")
	require.NoError(t, os.MkdirAll(gz, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gz, "abcd1234.gob.gz"), []byte("document"), 0644))

	corrupt := findCorruptCollections(path, true, errors.New("boom"), logger)
	assert.Equal(t, []string{"22222222"}, corrupt)
}

func TestFindCorruptCollections_NoCorruption(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	healthyPath := filepath.Join(path, "0a1b2c3d")
	require.NoError(t, os.MkdirAll(healthyPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(healthyPath, "00000000.gob"), []byte("metadata"), 0644))

	assert.Empty(t, findCorruptCollections(path, false, errors.New("boom"), logger))
}

func TestQuarantineCollections(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(path, "deadbeef"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(path, quarantineDir, "deadbeef"), 0755))

	moved, err := quarantineCollections(path, []string{"deadbeef", "../escape", "missing0"}, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	entries, err := os.ReadDir(filepath.Join(path, quarantineDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "existing quarantine entry is kept and the new one gets a suffix")

	_, err = os.Stat(filepath.Join(path, "deadbeef"))
	assert.True(t, os.IsNotExist(err))
}
