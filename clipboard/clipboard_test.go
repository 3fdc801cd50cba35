package clipboard

import "testing"

func TestCopyVerified(t *testing.T) {
	if !Available() {
		t.Skip("no clipboard backend")
	}
	prev, err := Read()
	if err != nil {
		t.Skipf("clipboard not readable: %v", err)
	}
	defer Copy(prev)

	if err := CopyVerified("voxrec clipboard test"); err != nil {
		t.Skipf("clipboard not writable here: %v", err)
	}
	got, err := Read()
	if err != nil || got != "voxrec clipboard test" {
		t.Errorf("Read() = %q, %v", got, err)
	}
}
