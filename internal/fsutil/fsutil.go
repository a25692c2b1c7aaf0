package fsutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
)

// invalid characters for cross-platform file names
const invalidFilenameChars = `<>:"/\|?*`

// SanitizeFilename replaces characters that are unsafe in file names and
// truncates the result to a reasonable length.
func SanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidFilenameChars, r) {
			return '_'
		}
		return r
	}, name)
	out = strings.TrimSpace(out)
	if out == "" {
		return "Unknown"
	}
	if len(out) > 120 {
		out = strings.TrimSpace(out[:120])
	}
	return out
}

// WriteAtomic writes data to path atomically and durably: the complete file
// appears only on success, partial writes never replace an existing file.
func WriteAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return nil
}

// MoveAtomic moves src to dst so that dst appears complete or not at all.
// A cross-device rename falls back to copy into a pending file plus atomic
// replace.
func MoveAtomic(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src) // #nosec G304 -- src is produced by this process
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := WriteAtomic(dst, data); err != nil {
		return err
	}
	return os.Remove(src)
}
