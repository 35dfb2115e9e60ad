package gateway

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// MaxAvatarBytes caps avatar uploads served to the control UI.
const MaxAvatarBytes = 2 << 20

// ValidateAvatarPath canonicalizes path and root, refuses symlinks,
// requires the canonical path to stay inside the canonical root, and
// enforces the size cap. Returns the canonical path.
func ValidateAvatarPath(path, root string) (string, error) {
	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindIO, "resolve avatar root", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindIO, "resolve avatar path", err)
	}
	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return "", clawerr.Newf(clawerr.KindNotFound, "avatar %s not found", path)
	}
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindIO, "stat avatar", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", clawerr.New(clawerr.KindIO, "avatar path is a symlink")
	}
	if !info.Mode().IsRegular() {
		return "", clawerr.New(clawerr.KindIO, "avatar path is not a regular file")
	}

	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindIO, "canonicalize avatar path", err)
	}
	rel, err := filepath.Rel(canonRoot, canon)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", clawerr.New(clawerr.KindIO, "avatar path escapes root")
	}
	if info.Size() > MaxAvatarBytes {
		return "", clawerr.Newf(clawerr.KindIO, "avatar exceeds %d byte cap", MaxAvatarBytes)
	}
	return canon, nil
}

var (
	scriptTagRe   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	eventAttrRe   = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsURISchemeRe = regexp.MustCompile(`(?i)javascript\s*:`)
)

// SanitizeHTML strips script tags, inline event-handler attributes and
// javascript: URI schemes from text bound for the control UI.
func SanitizeHTML(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	s = eventAttrRe.ReplaceAllString(s, "")
	s = jsURISchemeRe.ReplaceAllString(s, "")
	return s
}
