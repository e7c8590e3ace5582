// Package sources turns provider citations and answer text into deduplicated
// (url, domain) candidates.
package sources

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/publicsuffix"
	"mvdan.cc/xurls/v2"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

// placeholderDomains are illustrative domains models invent in prose.
var placeholderDomains = map[string]bool{
	"example.com":      true,
	"example.org":      true,
	"example.net":      true,
	"yourcompany.com":  true,
	"yourdomain.com":   true,
	"yourwebsite.com":  true,
	"yoursite.com":     true,
	"company.com":      true,
	"domain.com":       true,
	"website.com":      true,
	"mysite.com":       true,
	"mycompany.com":    true,
	"test.com":         true,
	"placeholder.com":  true,
	"companyname.com":  true,
	"businessname.com": true,
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp"}

// Candidate is one distinct cited URL.
type Candidate struct {
	URL    string              `json:"url"`
	Domain string              `json:"domain"`
	Title  string              `json:"title,omitempty"`
	Count  int                 `json:"count"`
	Kind   models.CitationKind `json:"kind"`
}

// Extract returns candidates in priority order: native citations, then inline
// annotations, and only when both are empty a plain-text URL scan of answer
// that skips placeholder domains.
func Extract(answer string, citations []models.Citation) []Candidate {
	acc := newAccumulator()

	for _, kind := range []models.CitationKind{models.CitationNative, models.CitationAnnotation} {
		for _, c := range citations {
			if c.Kind == kind {
				acc.add(c.URL, c.Title, kind, false)
			}
		}
	}

	if acc.len() == 0 {
		for _, match := range xurls.Strict().FindAllString(answer, -1) {
			acc.add(match, "", models.CitationText, true)
		}
	}

	return acc.list()
}

// ScanText runs only the plain-text scan.
func ScanText(answer string) []Candidate {
	acc := newAccumulator()
	for _, match := range xurls.Strict().FindAllString(answer, -1) {
		acc.add(match, "", models.CitationText, true)
	}
	return acc.list()
}

// Normalize cleans a URL the way candidates are keyed: http(s) only, no
// "www.", no utm_ parameters, no trailing slash. It also returns the host.
func Normalize(raw string) (string, string, error) {
	raw = strings.TrimSpace(strings.TrimRight(raw, ".,;:)]}>\"'"))
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", eris.Wrapf(err, "failed to parse url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", eris.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return "", "", eris.Errorf("no host in url %q", raw)
	}
	u.Host = host
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	}
	q := u.Query()
	for param := range q {
		if strings.HasPrefix(strings.ToLower(param), "utm_") {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), host, nil
}

// Domain returns the host of raw without "www.", accepting bare domains.
func Domain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// BaseDomain returns the registrable domain (eTLD+1) of raw.
func BaseDomain(raw string) (string, error) {
	host := Domain(raw)
	if host == "" {
		return "", eris.Errorf("no hostname found in %q", raw)
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", eris.Wrapf(err, "failed to get base domain for %s", host)
	}
	return base, nil
}

// IsOwnDomain reports whether candidateDomain belongs to the business. The
// check is a plain substring match of the configured domain within the
// candidate host, so subdomains match and so do look-alike hosts.
func IsOwnDomain(candidateDomain, businessDomain string) bool {
	own := Domain(businessDomain)
	if own == "" {
		return false
	}
	return strings.Contains(strings.ToLower(candidateDomain), own)
}

// SameSite reports whether two URLs or domains share a registrable domain.
func SameSite(a, b string) bool {
	ba, err := BaseDomain(a)
	if err != nil {
		return false
	}
	bb, err := BaseDomain(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ba, bb)
}

// IsPlaceholder reports whether host is a known illustrative domain.
func IsPlaceholder(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if placeholderDomains[host] {
		return true
	}
	if base, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && placeholderDomains[base] {
		return true
	}
	return false
}

type accumulator struct {
	order []string
	byURL map[string]*Candidate
}

func newAccumulator() *accumulator {
	return &accumulator{byURL: map[string]*Candidate{}}
}

func (a *accumulator) add(raw, title string, kind models.CitationKind, skipPlaceholders bool) {
	clean, host, err := Normalize(raw)
	if err != nil {
		return
	}
	if isImage(clean) {
		return
	}
	if skipPlaceholders && IsPlaceholder(host) {
		return
	}
	if c, ok := a.byURL[clean]; ok {
		c.Count++
		if c.Title == "" {
			c.Title = title
		}
		return
	}
	a.order = append(a.order, clean)
	a.byURL[clean] = &Candidate{URL: clean, Domain: host, Title: title, Count: 1, Kind: kind}
}

func (a *accumulator) len() int { return len(a.order) }

func (a *accumulator) list() []Candidate {
	out := make([]Candidate, 0, len(a.order))
	for _, u := range a.order {
		out = append(out, *a.byURL[u])
	}
	return out
}

func isImage(u string) bool {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
