package aws

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// maxUserNameLen is the IAM limit on user names.
const maxUserNameLen = 64

// hashSuffix matches the suffix ForUser appends; plain names never end in it.
var hashSuffix = regexp.MustCompile(`-[0-9a-f]{10}$`)

// Names derives deterministic IAM user names from external user ids.
type Names struct {
	Prefix string
}

// ForUser returns the identity name for userID. IAM compares user names
// case-insensitively, so only lower-case ids made of valid IAM characters
// that fit map to Prefix+userID. Anything else is sanitized, truncated and
// suffixed with a hash of the raw id, which keeps ids that differ only by
// case on distinct users.
func (n Names) ForUser(userID string) string {
	clean := sanitizeIAMName(userID)
	name := n.Prefix + clean
	if clean == userID && userID == strings.ToLower(userID) &&
		!hashSuffix.MatchString(userID) && len(name) <= maxUserNameLen {
		return name
	}

	sum := sha256.Sum256([]byte(userID))
	suffix := "-" + hex.EncodeToString(sum[:])[:10]
	room := maxUserNameLen - len(n.Prefix) - len(suffix)
	if room < 0 {
		room = 0
	}
	if len(clean) > room {
		clean = clean[:room]
	}
	name = n.Prefix + clean + suffix
	if len(name) > maxUserNameLen {
		name = name[:maxUserNameLen]
	}
	return name
}

// sanitizeIAMName replaces characters outside [A-Za-z0-9+=,.@_-] with '-'.
func sanitizeIAMName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("+=,.@_-", r):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
