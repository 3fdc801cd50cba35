package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Archive stores the audio of voice sessions as FLAC files for later
// inspection of recognition problems.
type Archive struct {
	dir string
	now func() time.Time
}

func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archive{dir: dir, now: time.Now}, nil
}

func (a *Archive) Dir() string { return a.dir }

// Save encodes pcm and writes it as <timestamp>-<name>.flac. Empty input
// is skipped and returns "".
func (a *Archive) Save(name string, pcm []byte) (string, error) {
	if len(pcm) < 2 {
		return "", nil
	}
	enc, err := NewFlac()
	if err != nil {
		return "", err
	}
	if _, err := enc.Write(pcm); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	file := fmt.Sprintf("%s-%s.flac", a.now().Format("20060102-150405"), unsafeName.ReplaceAllString(name, "_"))
	path := filepath.Join(a.dir, file)
	if err := os.WriteFile(path, enc.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}
