package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const quarantineDir = ".quarantine"

// chromem names collection directories by the first 8 hex chars of
// sha256(name).
var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

var metadataNotFoundPattern = regexp.MustCompile(`collection metadata file not found: (.+)$`)

// openChromemDB loads a persistent chromem DB, moving collections that fail
// to load into <path>/.quarantine so one corrupt collection cannot prevent
// startup.
func openChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}

	quarantined := 0
	// Each pass quarantines at least one directory or gives up, so the loop is
	// bounded by the number of collection directories.
	for err != nil {
		corrupt := findCorruptCollections(path, compress, err, logger)
		if len(corrupt) == 0 {
			return nil, fmt.Errorf("%w: loading chromem db at %s: %w", ErrStorage, path, err)
		}
		moved, qerr := quarantineCollections(path, corrupt, logger)
		if qerr != nil {
			return nil, fmt.Errorf("%w: quarantining corrupt collections: %w", ErrStorage, qerr)
		}
		if moved == 0 {
			return nil, fmt.Errorf("%w: loading chromem db at %s: %w", ErrStorage, path, err)
		}
		quarantined += moved
		db, err = chromem.NewPersistentDB(path, compress)
	}

	logger.Warn("chromem db loaded after quarantine",
		zap.String("path", path),
		zap.Int("quarantined_count", quarantined),
	)
	return db, nil
}

// findCorruptCollections returns the directory names of collections that
// cannot be loaded: those named in the load error and those holding
// documents without a metadata file.
func findCorruptCollections(path string, compress bool, loadErr error, logger *zap.Logger) []string {
	seen := make(map[string]struct{})
	var corrupt []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		corrupt = append(corrupt, name)
	}

	if m := metadataNotFoundPattern.FindStringSubmatch(loadErr.Error()); m != nil {
		add(filepath.Base(strings.TrimSpace(m[1])))
	}

	ext := ".gob"
	if compress {
		ext += ".gz"
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		logger.Warn("reading chromem directory", zap.String("path", path), zap.Error(err))
		return corrupt
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		collectionPath := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(collectionPath, "00000000"+ext)); err == nil {
			continue
		}
		files, err := os.ReadDir(collectionPath)
		if err != nil {
			logger.Warn("unreadable collection directory",
				zap.String("collection_hash", entry.Name()),
				zap.Error(err),
			)
			add(entry.Name())
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ext) {
				logger.Warn("collection has documents but no metadata",
					zap.String("collection_hash", entry.Name()),
				)
				add(entry.Name())
				break
			}
		}
	}
	return corrupt
}

func quarantineCollections(path string, hashes []string, logger *zap.Logger) (int, error) {
	target := filepath.Join(path, quarantineDir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return 0, err
	}

	moved := 0
	for _, hash := range hashes {
		// Refuse anything that is not a chromem directory name to rule out
		// path traversal through a crafted error message.
		if !collectionHashPattern.MatchString(hash) {
			logger.Error("invalid collection hash, skipping", zap.String("hash", hash))
			continue
		}
		src := filepath.Join(path, hash)
		dst := filepath.Join(target, hash)
		if _, err := os.Stat(dst); err == nil {
			dst = fmt.Sprintf("%s.%d", dst, timeNow().UnixNano())
		}
		logger.Warn("quarantining corrupt collection",
			zap.String("collection_hash", hash),
			zap.String("to", dst),
		)
		if err := os.Rename(src, dst); err != nil {
			logger.Error("failed to quarantine collection", zap.String("collection_hash", hash), zap.Error(err))
			continue
		}
		QuarantinedCollections.Inc()
		moved++
	}
	return moved, nil
}
