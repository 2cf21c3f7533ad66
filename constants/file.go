package constants

import "strings"

// DocumentFormats holds the formats the stamper can overlay labels on.
var DocumentFormats = []string{"PDF"}

// AllowedExtensions holds the default allowed file extensions for exhibit documents.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedExt reports whether ext (with or without a leading dot) can be attached as an exhibit.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}

// Label defaults applied when a case has no registry settings yet.
const (
	DefaultLabelPrefix   = "Exhibit"
	DefaultLabelPadWidth = 0
	DefaultBatesPrefix   = "EX"
	DefaultBatesPadWidth = 5
)
