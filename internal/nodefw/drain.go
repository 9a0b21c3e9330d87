package nodefw

import (
	"fmt"
	"os"
)

// DrainFileExists reports whether the dead-man's-switch marker is present.
// The file is checked at startup and memoized by the controller; only an
// operator removing the file re-arms delegation, and that requires a restart.
func DrainFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TouchDrainFile creates the marker file, tripping the dead-man's switch for
// every process watching the path.
func TouchDrainFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch drain file %s: %w", path, err)
	}
	return f.Close()
}
