// Package filestore writes downloaded content to the host filesystem.
// Filenames are sanitized and collisions within one batch are resolved
// with a counter suffix before the extension.
package filestore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/coursepull/internal/util"
	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	folderDateLayout = "2006-01-02"
	folderIDLength   = 8
)

type FileStore struct {
	fs      afero.Fs
	baseDir string

	mu   sync.Mutex
	used map[string]map[string]struct{} // folder -> taken filenames

	log *slog.Logger
}

func New(baseDir string, log *slog.Logger) *FileStore {
	return NewWithFS(afero.NewOsFs(), baseDir, log)
}

func NewWithFS(fs afero.Fs, baseDir string, log *slog.Logger) *FileStore {
	return &FileStore{
		fs:      fs,
		baseDir: baseDir,
		used:    make(map[string]map[string]struct{}),
		log:     log.With(slog.String("item", "FileStore")),
	}
}

// NewBatchFolder creates a deterministic per-batch folder and returns
// its name relative to the base directory.
func (s *FileStore) NewBatchFolder(prefix string) (string, error) {
	name := fmt.Sprintf("%s-%s-%s",
		util.SanitizeFilename(prefix),
		time.Now().Format(folderDateLayout),
		uuid.NewString()[:folderIDLength])

	if err := s.fs.MkdirAll(filepath.Join(s.baseDir, name), dirPerm); err != nil {
		return "", fmt.Errorf("cannot create batch folder %s: %w", name, err)
	}

	s.mu.Lock()
	s.used[name] = make(map[string]struct{})
	s.mu.Unlock()

	return name, nil
}

// Save writes data under the batch folder and returns the final
// filename, which may carry a collision suffix.
func (s *FileStore) Save(folder, name string, data []byte) (string, error) {
	final := s.claimName(folder, util.SanitizeFilename(name))

	path := filepath.Join(s.baseDir, folder, final)
	if err := afero.WriteFile(s.fs, path, data, filePerm); err != nil {
		return "", fmt.Errorf("cannot save file %s: %w", final, err)
	}

	s.log.Info("File saved",
		slog.String("path", path), slog.Int("size_bytes", len(data)))

	return final, nil
}

func (s *FileStore) claimName(folder, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, ok := s.used[folder]
	if !ok {
		taken = make(map[string]struct{})
		s.used[folder] = taken
	}

	final := name
	base, ext := util.SplitExt(name)
	for i := 1; ; i++ {
		if _, exists := taken[final]; !exists {
			break
		}
		final = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	taken[final] = struct{}{}

	return final
}
