package util

import (
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFilename strips characters that are unsafe on common
// filesystems and trims trailing dots and spaces. An empty result
// becomes "file".
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if name == "" {
		return "file"
	}

	return name
}

// SplitExt splits a filename into base and extension, keeping the dot
// with the extension.
func SplitExt(name string) (string, string) {
	ext := filepath.Ext(name)

	return strings.TrimSuffix(name, ext), ext
}
