package gate

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/fingerprint"
	"github.com/example/mri-check/internal/preprocess"
)

// Reference is a known-MRI image and its fingerprint.
type Reference struct {
	Name        string
	Fingerprint fingerprint.Fingerprint
}

// ReferenceSet is an immutable snapshot of the reference folder. References
// are ordered by file name.
type ReferenceSet struct {
	Dir        string
	References []Reference
}

// Len returns the number of references.
func (s *ReferenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.References)
}

// Load lets a fixed set act as its own source.
func (s *ReferenceSet) Load(context.Context) (*ReferenceSet, error) {
	return s, nil
}

// FingerprintCache shares computed reference fingerprints between processes.
// Keys are hex SHA-1 digests of the reference file contents.
type FingerprintCache interface {
	Get(ctx context.Context, key string) (fingerprint.Fingerprint, bool, error)
	Set(ctx context.Context, key string, fp fingerprint.Fingerprint) error
}

var referenceExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// IsReferenceFile reports whether name has one of the accepted image extensions.
func IsReferenceFile(name string) bool {
	return referenceExtensions[strings.ToLower(filepath.Ext(name))]
}

// Loader builds reference sets from a directory and keeps the last one until
// the directory listing changes.
type Loader struct {
	dir    string
	cache  FingerprintCache
	logger *zap.Logger

	mu        sync.RWMutex
	signature string
	current   *ReferenceSet
	known     map[string]fingerprint.Fingerprint
}

// NewLoader creates a loader for dir. cache may be nil.
func NewLoader(dir string, cache FingerprintCache, logger *zap.Logger) *Loader {
	return &Loader{
		dir:    dir,
		cache:  cache,
		logger: logger.Named("reference_loader"),
		known:  make(map[string]fingerprint.Fingerprint),
	}
}

type referenceFile struct {
	name string
	path string
}

// Load returns the reference set for the current directory contents. Any
// failure to list, read or decode a reference image is returned as an error.
func (l *Loader) Load(ctx context.Context) (*ReferenceSet, error) {
	files, signature, err := l.scan()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	if l.current != nil && l.signature == signature {
		set := l.current
		l.mu.RUnlock()
		return set, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.signature == signature {
		return l.current, nil
	}

	set := &ReferenceSet{Dir: l.dir, References: make([]Reference, 0, len(files))}
	known := make(map[string]fingerprint.Fingerprint, len(files))
	for _, f := range files {
		fp, err := l.fingerprintFile(ctx, f, known)
		if err != nil {
			return nil, err
		}
		set.References = append(set.References, Reference{Name: f.name, Fingerprint: fp})
	}

	if set.Len() == 0 {
		l.logger.Warn("reference folder has no images, every upload will be rejected", zap.String("dir", l.dir))
	} else {
		l.logger.Info("reference set loaded", zap.String("dir", l.dir), zap.Int("references", set.Len()))
	}
	l.current = set
	l.signature = signature
	l.known = known
	return set, nil
}

func (l *Loader) scan() ([]referenceFile, string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, "", fmt.Errorf("read reference folder: %w", err)
	}

	var (
		files []referenceFile
		sig   strings.Builder
	)
	for _, entry := range entries {
		if entry.IsDir() || !IsReferenceFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, "", fmt.Errorf("stat reference %s: %w", entry.Name(), err)
		}
		files = append(files, referenceFile{name: entry.Name(), path: filepath.Join(l.dir, entry.Name())})
		sig.WriteString(entry.Name())
		sig.WriteByte('|')
		sig.WriteString(strconv.FormatInt(info.Size(), 10))
		sig.WriteByte('|')
		sig.WriteString(strconv.FormatInt(info.ModTime().UnixNano(), 10))
		sig.WriteByte('\n')
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, sig.String(), nil
}

// fingerprintFile must be called with l.mu held. It reuses fingerprints of
// unchanged files from the previous load and records the result in next.
func (l *Loader) fingerprintFile(ctx context.Context, f referenceFile, next map[string]fingerprint.Fingerprint) (fingerprint.Fingerprint, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, fmt.Errorf("read reference %s: %w", f.name, err)
	}
	sum := sha1.Sum(data)
	key := hex.EncodeToString(sum[:])

	if fp, ok := l.known[key]; ok {
		next[key] = fp
		return fp, nil
	}

	if l.cache != nil {
		fp, ok, err := l.cache.Get(ctx, key)
		switch {
		case err != nil:
			l.logger.Warn("fingerprint cache read failed", zap.String("reference", f.name), zap.Error(err))
		case ok:
			next[key] = fp
			return fp, nil
		}
	}

	img, _, err := preprocess.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("reference %s: %w", f.name, err)
	}
	fp, err := fingerprint.Compute(img)
	if err != nil {
		return 0, fmt.Errorf("reference %s: %w", f.name, err)
	}
	next[key] = fp

	if l.cache != nil {
		if err := l.cache.Set(ctx, key, fp); err != nil {
			l.logger.Warn("fingerprint cache write failed", zap.String("reference", f.name), zap.Error(err))
		}
	}
	return fp, nil
}
