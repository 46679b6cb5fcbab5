package app

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const uploadRoot = "user_uploads"

// ownerPrefix is the blob-store prefix every upload of ownerID lives under.
func ownerPrefix(ownerID string) string {
	return uploadRoot + "/" + url.PathEscape(ownerID) + "/"
}

// uploadKey builds user_uploads/<owner>/<unix ms>_<sanitized name>.
func uploadKey(ownerID, fileName string, now time.Time) string {
	name := sanitizeFilename(filepath.Base(fileName))
	if name == "" || name == "." {
		name = "image" + strings.ToLower(filepath.Ext(fileName))
	}
	return fmt.Sprintf("%s%d_%s", ownerPrefix(ownerID), now.UnixMilli(), name)
}

// ownedPath cleans a client-supplied blob path and checks it lies under the owner's prefix.
func ownedPath(ownerID, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "\\") {
		return "", false
	}
	cleaned := path.Clean(strings.TrimPrefix(raw, "/"))
	prefix := ownerPrefix(ownerID)
	if !strings.HasPrefix(cleaned, prefix) || len(cleaned) == len(prefix) {
		return "", false
	}
	return cleaned, true
}

// mimeTypeFor maps a file name to the image type sent to storage and the model.
func mimeTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".png", ".jpg", ".jpeg", ".webp"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
