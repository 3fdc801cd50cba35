package clipboard

import (
	"fmt"

	cb "github.com/atotto/clipboard"
)

// Available reports whether a clipboard backend was found.
func Available() bool { return !cb.Unsupported }

func Read() (string, error) {
	return cb.ReadAll()
}

func Copy(text string) error {
	return cb.WriteAll(text)
}

// CopyVerified copies text and reads it back.
func CopyVerified(text string) error {
	if err := Copy(text); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	got, err := Read()
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if got != text {
		return fmt.Errorf("clipboard holds %q, want %q", got, text)
	}
	return nil
}
