// Package version compares semantic versions and checks GitHub for a
// newer panel release.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Release is the update summary served to the dashboard.
type Release struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

const (
	githubAPI     = "https://api.github.com"
	checkInterval = time.Hour
)

// Checker asks GitHub for the repo's latest release, at most once per
// interval. A failed fetch falls back to the last good answer.
type Checker struct {
	current string
	owner   string
	repo    string
	client  *http.Client
	apiBase string

	mu        sync.Mutex
	cached    *Release
	fetchedAt time.Time
	ttl       time.Duration
}

// NewChecker builds a checker for owner/repo with the running version.
func NewChecker(current, owner, repo string) *Checker {
	return &Checker{
		current: normalize(current),
		owner:   owner,
		repo:    repo,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiBase: githubAPI,
		ttl:     checkInterval,
	}
}

// Current returns the normalized running version.
func (c *Checker) Current() string {
	return c.current
}

// Check returns the latest release, cached for the check interval.
func (c *Checker) Check() (*Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		rel := *c.cached
		return &rel, nil
	}

	rel, err := c.fetch()
	if err != nil {
		if c.cached != nil {
			stale := *c.cached
			return &stale, nil
		}
		return nil, err
	}

	c.cached = rel
	c.fetchedAt = time.Now()
	out := *rel
	return &out, nil
}

func (c *Checker) fetch() (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, c.owner, c.repo)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "Helmsman/"+c.current)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	// A repo with no releases yet counts as up to date.
	if resp.StatusCode == http.StatusNotFound {
		return c.upToDate(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var body struct {
		TagName    string `json:"tag_name"`
		HTMLURL    string `json:"html_url"`
		Draft      bool   `json:"draft"`
		Prerelease bool   `json:"prerelease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if body.Draft || body.Prerelease {
		return c.upToDate(), nil
	}

	latest := normalize(body.TagName)
	return &Release{
		CurrentVersion:  c.current,
		LatestVersion:   latest,
		UpdateAvailable: CompareVersions(c.current, latest) < 0,
		ReleaseURL:      body.HTMLURL,
		CheckedAt:       time.Now(),
	}, nil
}

func (c *Checker) upToDate() *Release {
	return &Release{
		CurrentVersion: c.current,
		LatestVersion:  c.current,
		CheckedAt:      time.Now(),
	}
}

// ─── Comparison ───────────────────────────────────────────────────────────

// CompareVersions orders two semantic versions: negative when a is
// older, zero when equal, positive when a is newer. A prerelease sorts
// before its stable release, alpha before beta before rc.
func CompareVersions(a, b string) int {
	aCore, aPre := splitPre(normalize(a))
	bCore, bPre := splitPre(normalize(b))

	av, bv := parseCore(aCore), parseCore(bCore)
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			if av[i] < bv[i] {
				return -1
			}
			return 1
		}
	}

	ar, br := preRank(aPre), preRank(bPre)
	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	}
	return 0
}

// IsNewerVersion reports whether latest is strictly newer than current.
func IsNewerVersion(current, latest string) bool {
	return CompareVersions(current, latest) < 0
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		v = v[1:]
	}
	return v
}

func splitPre(v string) (core, pre string) {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// parseCore reads up to three dotted numeric components; trailing
// non-digits in a component are ignored.
func parseCore(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n := 0
		for _, r := range parts[i] {
			if r < '0' || r > '9' {
				break
			}
			n = n*10 + int(r-'0')
		}
		out[i] = n
	}
	return out
}

// preRank orders prerelease tags within one core version. Stable (no
// tag) sorts after everything; the tag's trailing number breaks ties.
func preRank(pre string) int {
	if pre == "" {
		return 1 << 20
	}

	n := 0
	for _, r := range pre {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}

	switch tag := strings.ToLower(pre); {
	case strings.HasPrefix(tag, "alpha"):
		return 1000 + n
	case strings.HasPrefix(tag, "beta"):
		return 2000 + n
	case strings.HasPrefix(tag, "rc"):
		return 3000 + n
	default:
		return 500 + n
	}
}
