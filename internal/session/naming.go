package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var labelUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeLabel turns a device name into a filesystem-safe token for file
// names: lowercase, runs of unsafe characters collapsed to one underscore.
func SanitizeLabel(name string) string {
	s := strings.ToLower(name)
	s = labelUnsafe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 48 {
		s = strings.Trim(s[:48], "_")
	}
	if s == "" {
		s = "source"
	}
	return s
}

// sessionDir builds the per-session output directory path. The timestamp
// keeps directories sortable and unique per recording.
func sessionDir(baseDir, prefix string, now time.Time) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s_%s", prefix, now.Format("20060102_150405")))
}
