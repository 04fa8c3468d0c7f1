package library

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vrsandeep/chapterdl/internal/models"
)

var unsafeNameChars = regexp.MustCompile(`[\x00\\/:*?"<>|]`)

// SanitizeName makes s safe to use as a single path component.
func SanitizeName(s string) string {
	safe := unsafeNameChars.ReplaceAllString(s, "-")
	safe = strings.TrimSpace(safe)
	for strings.HasPrefix(safe, ".") || strings.HasPrefix(safe, "-") {
		safe = safe[1:]
	}
	if safe == "" {
		safe = "untitled"
	}
	return safe
}

// ChapterPath is where the archive for a chapter lives under root.
func ChapterPath(root, seriesID string, chapterNumber float64) string {
	return filepath.Join(root, SanitizeName(seriesID), models.FormatChapterNumber(chapterNumber)+chapterExt)
}

// isImageFile checks if a filename has a common image file extension.
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

func isChapterArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), chapterExt)
}
