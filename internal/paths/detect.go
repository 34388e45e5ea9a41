package paths

import (
	"path"
	"strings"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// Hint biases detection toward a game or platform the caller already suspects
type Hint struct {
	Game     string
	Platform string
}

// Detection is the best profile match for a directory listing
type Detection struct {
	Game       string  `json:"game"`
	Platform   string  `json:"platform"`
	Confidence float64 `json:"confidence"`
	Matches    int     `json:"matches"`
}

// Unknown reports whether no profile matched
func (d Detection) Unknown() bool {
	return d.Game == GameUnknown
}

// Matches reports whether name matches one of the profile's filename patterns.
// Matching is case-insensitive.
func (p Profile) Matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range p.Patterns {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}

// DetectGame scores every profile by the share of its patterns matched by the
// listing (clamped to 1) and returns the best one. Ties go to the profile with
// more matching files, then to one agreeing with hint, then to profile order.
func DetectGame(entries []types.FileEntry, hint Hint, profiles []Profile) Detection {
	best := Detection{Game: GameUnknown, Platform: PlatformDefault}
	bestHinted := false

	for _, p := range profiles {
		if len(p.Patterns) == 0 {
			continue
		}
		matches := 0
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			if p.Matches(e.Name) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}

		confidence := float64(matches) / float64(len(p.Patterns))
		if confidence > 1 {
			confidence = 1
		}
		hinted := hint.agrees(p)

		better := confidence > best.Confidence ||
			(confidence == best.Confidence && matches > best.Matches) ||
			(confidence == best.Confidence && matches == best.Matches && hinted && !bestHinted)
		if better {
			best = Detection{Game: p.Game, Platform: p.Platform, Confidence: confidence, Matches: matches}
			bestHinted = hinted
		}
	}

	return best
}

func (h Hint) agrees(p Profile) bool {
	if h.Game == "" && h.Platform == "" {
		return false
	}
	if h.Game != "" && !strings.EqualFold(h.Game, p.Game) {
		return false
	}
	if h.Platform != "" && !strings.EqualFold(h.Platform, p.Platform) {
		return false
	}
	return true
}
