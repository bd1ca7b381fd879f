// Package version holds the build version and checks for newer releases.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// Version is the current version of dap-orchestrator.
	Version = "0.1.0"

	// GitHubRepo is the repository releases are published from.
	GitHubRepo = "ctagard/dap-orchestrator"

	latestReleaseURL = "https://api.github.com/repos/%s/releases/latest"
)

// Release compares the running version with the latest published one.
type Release struct {
	CurrentVersion  string `json:"currentVersion"`
	LatestVersion   string `json:"latestVersion"`
	UpdateAvailable bool   `json:"updateAvailable"`
	ReleaseURL      string `json:"releaseUrl,omitempty"`
}

// Message returns a one-line update notice, or "" when up to date.
func (r *Release) Message() string {
	if !r.UpdateAvailable {
		return ""
	}
	return fmt.Sprintf("dap-orchestrator v%s is available (current: v%s): %s",
		r.LatestVersion, r.CurrentVersion, r.ReleaseURL)
}

// Checker queries the GitHub releases API.
type Checker struct {
	client *http.Client
	url    string
}

// NewChecker creates a checker for GitHubRepo.
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{Timeout: 5 * time.Second},
		url:    fmt.Sprintf(latestReleaseURL, GitHubRepo),
	}
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Latest fetches the latest release and compares it with Version.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "dap-orchestrator/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	return &Release{
		CurrentVersion:  Version,
		LatestVersion:   latest,
		UpdateAvailable: compareVersions(Version, latest) < 0,
		ReleaseURL:      release.HTMLURL,
	}, nil
}

// compareVersions compares two semver strings and returns -1, 0 or 1.
// Pre-release suffixes are ignored.
func compareVersions(v1, v2 string) int {
	parse := func(v string) [3]int {
		var out [3]int
		parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
		for i, p := range parts {
			p, _, _ = strings.Cut(p, "-")
			out[i], _ = strconv.Atoi(p)
		}
		return out
	}

	a, b := parse(v1), parse(v2)
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
