// Package news holds the item model shared by ingestion, scoring, dedup and the pipeline.
package news

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Item is a single ingested content unit.
type Item struct {
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	GUID        string    `json:"guid,omitempty"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Body        string    `json:"body"`
	Published   time.Time `json:"published"`
	Entities    []string  `json:"entities,omitempty"`
}

// BodyLength returns the length of the body in runes.
func (i Item) BodyLength() int {
	return len([]rune(strings.TrimSpace(i.Body)))
}

// Normalize fills the fingerprint when missing and canonicalizes entity tokens.
func (i Item) Normalize() Item {
	if i.Fingerprint == "" {
		i.Fingerprint = Fingerprint(i.SourceID, i.GUID, i.Link)
	}
	i.Entities = NormalizeTokens(i.Entities)
	return i
}

// Fingerprint creates a stable identity for an item. An explicit GUID wins over the link,
// so a source that rewrites URLs but keeps its GUID is still recognized.
func Fingerprint(sourceID, guid, link string) string {
	key := strings.TrimSpace(guid)
	if key == "" {
		key = CanonicalURL(link)
	}

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(sourceID)) + "|" + key))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// trackingParams are dropped from canonical URLs.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
	"ref":    true,
}

// CanonicalURL lowercases scheme and host, strips "www.", fragments, tracking parameters
// and trailing slashes. Unparseable input is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String()
}

// NormalizeTokens trims, canonicalizes and deduplicates entity tokens. The result is sorted.
func NormalizeTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = NormalizeToken(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NormalizeToken canonicalizes a single token: identifiers are upper-cased, topic tokens
// ("topic:...") are lower-cased.
func NormalizeToken(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(t), topicPrefix) {
		return strings.ToLower(t)
	}
	return strings.ToUpper(t)
}
