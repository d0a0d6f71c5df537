package news

import (
	"fmt"
	"regexp"
	"strings"
)

const topicPrefix = "topic:"

// Identifier patterns. Each match is a high-specificity token: a single shared
// identifier is enough to call two items the same underlying event.
var identifierExprs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`),
	regexp.MustCompile(`(?i)\bGHSA(?:-[23456789cfghjmpqrvwx]{4}){3}\b`),
	regexp.MustCompile(`(?i)\bRHSA-\d{4}:\d{3,5}\b`),
	regexp.MustCompile(`(?i)\bDSA-\d{3,5}(?:-\d+)?\b`),
	regexp.MustCompile(`(?i)\bUSN-\d{3,5}-\d+\b`),
	regexp.MustCompile(`(?i)\bMS\d{2}-\d{3}\b`),
	regexp.MustCompile(`(?i)\bZDI-\d{2}-\d{3,5}\b`),
	regexp.MustCompile(`(?i)\bCWE-\d{1,4}\b`),
}

// DefaultHighSpecificityPatterns matches the identifier tokens produced by ExtractEntities.
var DefaultHighSpecificityPatterns = []string{
	`^CVE-\d{4}-\d{4,7}$`,
	`^GHSA(-[23456789CFGHJMPQRVWX]{4}){3}$`,
	`^RHSA-\d{4}:\d{3,5}$`,
	`^DSA-\d{3,5}(-\d+)?$`,
	`^USN-\d{3,5}-\d+$`,
	`^MS\d{2}-\d{3}$`,
	`^ZDI-\d{2}-\d{3,5}$`,
}

// CWE identifiers are extracted but stay low-specificity: many unrelated advisories share one.

// Topic keyword lists. A match becomes a low-specificity "topic:<keyword>" token.
var vendorKeywords = []string{
	"microsoft", "exchange", "sharepoint", "windows", "cisco", "fortinet", "fortigate",
	"ivanti", "citrix", "vmware", "palo alto", "juniper", "atlassian", "confluence",
	"apache", "oracle", "sap", "chrome", "firefox", "apple", "android", "linux kernel",
	"openssh", "openssl", "wordpress", "gitlab", "jenkins", "kubernetes",
}

var threatKeywords = []string{
	"ransomware", "zero-day", "0-day", "backdoor", "botnet", "supply chain",
	"phishing", "data breach", "infostealer", "wiper", "rce", "remote code execution",
	"privilege escalation", "actively exploited", "kev",
}

var actorKeywords = []string{
	"lazarus", "apt28", "apt29", "fancy bear", "cozy bear", "sandworm", "volt typhoon",
	"salt typhoon", "scattered spider", "lockbit", "blackcat", "alphv", "cl0p", "clop",
	"akira", "black basta", "qilin", "kimsuky",
}

// ExtractEntities returns the normalized identifier and topic tokens found in text.
func ExtractEntities(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var tokens []string
	for _, re := range identifierExprs {
		tokens = append(tokens, re.FindAllString(text, -1)...)
	}

	lower := strings.ToLower(text)
	for _, list := range [][]string{vendorKeywords, threatKeywords, actorKeywords} {
		for _, k := range matchKeywords(lower, list) {
			tokens = append(tokens, topicPrefix+k)
		}
	}

	return NormalizeTokens(tokens)
}

// Short keywords need word boundaries so "rce" does not match "source".
var shortKeywordExprs = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp)
	for _, list := range [][]string{vendorKeywords, threatKeywords, actorKeywords} {
		for _, k := range list {
			if len(k) <= 4 && !strings.Contains(k, " ") {
				m[k] = regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
			}
		}
	}
	return m
}()

func matchKeywords(text string, keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if re, ok := shortKeywordExprs[k]; ok {
			if re.MatchString(text) {
				out = append(out, k)
			}
			continue
		}
		if strings.Contains(text, k) {
			out = append(out, k)
		}
	}
	return out
}

// TokenMatcher reports whether a normalized token matches any configured pattern.
type TokenMatcher struct {
	exprs []*regexp.Regexp
}

// NewTokenMatcher compiles patterns. An empty list falls back to DefaultHighSpecificityPatterns.
func NewTokenMatcher(patterns []string) (*TokenMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultHighSpecificityPatterns
	}

	m := &TokenMatcher{exprs: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile token pattern %q: %w", p, err)
		}
		m.exprs = append(m.exprs, re)
	}
	return m, nil
}

// Match reports whether token is high-specificity.
func (m *TokenMatcher) Match(token string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.exprs {
		if re.MatchString(token) {
			return true
		}
	}
	return false
}
