package site

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// loginIndicators mirror original_source/pt_site_helper.py's NexusPHP
// logged-in-state heuristics: presence of any of these strings in the
// response body means the cookie is still authenticated.
var loginIndicators = []string{
	"logout.php", "userdetails.php", "usercp.php", "mybonus.php", "invite.php", "messages.php",
}

var tidPattern = regexp.MustCompile(`(?:details\.php\?)?id=(\d+)`)
var reannouncePattern = regexp.MustCompile(`(\d+)\s*(?:s|sec|secs|seconds)\b`)

// GenericImpl is a best-effort HTML-scraping Adapter for NexusPHP-family
// PT sites, generalized from original_source/pt_site_helper.py's
// requests+BeautifulSoup flow into a minimal net/http+regexp probe. It
// trades the original's full HTML parse for a light substring/regex scan:
// good enough to resolve a tid and a rough reannounce estimate, not a
// faithful port of the scraper.
type GenericImpl struct {
	baseURL    string
	cookie     string
	userAgent  string
	httpClient *http.Client
}

// NewGenericImpl builds a site adapter bound to one tracker's web UI.
func NewGenericImpl(baseURL, cookie, userAgent string, timeout time.Duration) *GenericImpl {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) pacer/1.0"
	}
	return &GenericImpl{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookie:     cookie,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *GenericImpl) get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", g.userAgent)
	if g.cookie != "" {
		req.Header.Set("Cookie", g.cookie)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("site request failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SearchByHash searches a NexusPHP-style /torrents.php?search=<hash>&search_area=5
// endpoint for the first matching row's tid.
func (g *GenericImpl) SearchByHash(ctx context.Context, infoHash string) (SearchResult, error) {
	q := url.Values{}
	q.Set("search", infoHash)
	q.Set("search_area", "5")

	html, err := g.get(ctx, "/torrents.php?"+q.Encode())
	if err != nil {
		return SearchResult{}, fmt.Errorf("site search failed: %w", err)
	}

	match := tidPattern.FindStringSubmatch(html)
	if match == nil {
		return SearchResult{}, ErrNotFound
	}

	promotion := "none"
	lower := strings.ToLower(html)
	switch {
	case strings.Contains(lower, "free2up") || (strings.Contains(lower, "free") && strings.Contains(lower, "2x")):
		promotion = "Free+2x"
	case strings.Contains(lower, "free"):
		promotion = "Free"
	case strings.Contains(lower, "2up") || strings.Contains(lower, "2x"):
		promotion = "2x"
	}

	return SearchResult{Tid: match[1], PromotionLabel: promotion}, nil
}

// FetchPeerlist fetches /viewpeerlist.php?id=<tid> and extracts the
// clearest "seconds until reannounce" figure it can find.
func (g *GenericImpl) FetchPeerlist(ctx context.Context, tid string) (PeerlistResult, error) {
	html, err := g.get(ctx, "/viewpeerlist.php?id="+tid)
	if err != nil {
		return PeerlistResult{}, ErrUnavailable
	}

	match := reannouncePattern.FindStringSubmatch(html)
	if match == nil {
		return PeerlistResult{}, ErrUnavailable
	}

	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return PeerlistResult{}, ErrUnavailable
	}

	return PeerlistResult{
		LastAnnounceTime:    time.Now(),
		ReannounceInSeconds: float64(seconds),
	}, nil
}

// CheckCookie probes the site's index page for NexusPHP logged-in markers.
func (g *GenericImpl) CheckCookie(ctx context.Context) bool {
	html, err := g.get(ctx, "/index.php")
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	for _, indicator := range loginIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
