// Package update checks the release feed for a newer version.
package update

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
)

const defaultReleasesURL = "https://api.github.com/repos/evharten/skydeck/releases"

// release is the slice of the GitHub release object we care about.
type release struct {
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
}

// Updater fetches and compares release versions.
type Updater struct {
	url    string
	client *http.Client
}

// NewUpdater returns an updater pointed at the project release feed.
func NewUpdater() *Updater {
	return &Updater{
		url:    defaultReleasesURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check returns the newest release version newer than current, or "" when
// current is up to date. Prereleases are considered only when includeBetas
// is set.
func (u *Updater) Check(current string, includeBetas bool) (string, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return "", fmt.Errorf("parse current version %q: %w", current, err)
	}

	resp, err := u.client.Get(u.url)
	if err != nil {
		return "", fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch releases: unexpected status %s", resp.Status)
	}

	var releases []release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return "", fmt.Errorf("parse releases: %w", err)
	}

	var newest *semver.Version
	for _, r := range releases {
		if r.Prerelease && !includeBetas {
			continue
		}
		v, err := semver.NewVersion(r.TagName)
		if err != nil {
			continue
		}
		if v.GreaterThan(cur) && (newest == nil || v.GreaterThan(newest)) {
			newest = v
		}
	}
	if newest == nil {
		return "", nil
	}
	return newest.String(), nil
}
