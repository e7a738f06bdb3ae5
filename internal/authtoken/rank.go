package authtoken

import (
	"net/url"
	"sort"
	"strings"
)

// Tab scoring tiers. Base tiers dominate the bonuses so a same-hostname tab
// never outranks a same-host tab on bonuses alone.
const (
	scoreExactOrigin  = 100
	scoreSameHost     = 60
	scoreSameHostname = 30

	bonusActiveTab = 15
	bonusLoginPath = 10
)

// Origin normalizes a base URL to scheme://host[:port].
func Origin(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrInvalidBaseURL
	}
	return u.Scheme + "://" + u.Host, nil
}

type rankedTab struct {
	tab   Tab
	score int
}

// RankTabs filters tabs to those matching the origin and orders them best
// first: exact origin, then same host, then same hostname, with bonuses for
// the active tab and login-looking paths, ties broken by recency. Tabs with
// unparseable URLs are dropped.
func RankTabs(origin string, tabs []Tab) []Tab {
	target, err := url.Parse(origin)
	if err != nil {
		return nil
	}

	ranked := make([]rankedTab, 0, len(tabs))
	for _, tab := range tabs {
		u, err := url.Parse(tab.URL)
		if err != nil || u.Host == "" {
			continue
		}
		score := 0
		switch {
		case u.Scheme+"://"+u.Host == origin:
			score = scoreExactOrigin
		case u.Host == target.Host:
			score = scoreSameHost
		case u.Hostname() == target.Hostname():
			score = scoreSameHostname
		default:
			continue
		}
		if tab.Active {
			score += bonusActiveTab
		}
		if strings.Contains(strings.ToLower(u.Path), "login") {
			score += bonusLoginPath
		}
		ranked = append(ranked, rankedTab{tab: tab, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].tab.LastAccessed.After(ranked[j].tab.LastAccessed)
	})

	out := make([]Tab, len(ranked))
	for i, r := range ranked {
		out[i] = r.tab
	}
	return out
}
