package spillfile

import (
	"errors"
	"os"
	"path/filepath"

	"sortstage/internal/runid"
)

// TempFileService is the host contract a sorter stage relies on to
// provision and reclaim the temporary files its spills live in (spec §6).
// The size hint is advisory: implementations may ignore it.
type TempFileService interface {
	Create(sizeHint int64) (*os.File, error)
	Remove(path string) error
}

// DirService is the default TempFileService: it creates uniquely-named
// files in a single directory and pre-sizes them with Truncate when a
// positive size hint is given.
type DirService struct {
	// Dir is the directory new run files are created in. If empty,
	// os.TempDir() is used.
	Dir string
}

// Create opens a new, exclusively-created file named after a fresh run ID.
func (s DirService) Create(sizeHint int64) (*os.File, error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, runid.New().String()+".run")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if sizeHint > 0 {
		// Best-effort preallocation hint; sparse files make this cheap on
		// every filesystem we care about, and the writer truncates back to
		// the true content length when it closes.
		_ = f.Truncate(sizeHint)
	}
	return f, nil
}

// Remove deletes the file at path. Removing an already-removed file is not
// an error, matching the "best-effort deletion of temporaries" contract in
// spec §7.
func (s DirService) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
