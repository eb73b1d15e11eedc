// Package contentaddr computes stable content addresses for uploaded media
// and for fix requests. Addresses are sha256 digests over a domain-prefixed
// canonical form, so the two addressing domains can never collide and the
// same input always maps to the same address across process restarts.
package contentaddr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/reelworks/reelfix/pkg/models"
)

// Content returns the raw-content address of media bytes. Identical uploads
// map to the same address regardless of uploader or filename.
func Content(data []byte) string {
	h := sha256.New()
	io.WriteString(h, models.DedupDomainContent)
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentReader is Content for streamed uploads.
func ContentReader(r io.Reader) (string, error) {
	h := sha256.New()
	io.WriteString(h, models.DedupDomainContent)
	h.Write([]byte{0})
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FixRequest returns the request address of "fix these problems on this
// content". The problem set is deduplicated and sorted before hashing, so
// {p3,p1} and {p1,p3,p1} address the same request.
func FixRequest(contentID string, problemIDs []string) string {
	canon := CanonicalProblems(problemIDs)
	h := sha256.New()
	io.WriteString(h, models.DedupDomainRequest)
	h.Write([]byte{0})
	io.WriteString(h, contentID)
	for _, p := range canon {
		h.Write([]byte{0})
		io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalProblems returns the sorted, deduplicated, trimmed problem set.
func CanonicalProblems(problemIDs []string) []string {
	seen := make(map[string]struct{}, len(problemIDs))
	out := make([]string, 0, len(problemIDs))
	for _, p := range problemIDs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
