package paths

// Profile describes one game on one platform: the filenames its server
// writes and the directories a hosting provider keeps them in.
type Profile struct {
	Game          string   `yaml:"game" json:"game"`
	Platform      string   `yaml:"platform" json:"platform"`
	Patterns      []string `yaml:"patterns" json:"patterns"`
	PathTemplates []string `yaml:"path_templates" json:"path_templates"`
}

const (
	GameUnknown     = "unknown"
	PlatformDefault = "default"
)

// DefaultProfiles returns the built-in DayZ layouts
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Game:     "dayz",
			Platform: "playstation",
			Patterns: []string{"DayZServer_PS4_x64*.ADM", "DayZServer_PS4_x64*.RPT"},
			PathTemplates: []string{
				"/games/{userId}/noftp/dayzps/config",
				"/games/ni{serviceId}_1/noftp/dayzps/config",
			},
		},
		{
			Game:     "dayz",
			Platform: "xbox",
			Patterns: []string{"DayZServer_X1_x64*.ADM", "DayZServer_X1_x64*.RPT"},
			PathTemplates: []string{
				"/games/{userId}/noftp/dayzxb/config",
				"/games/ni{serviceId}_1/noftp/dayzxb/config",
			},
		},
		{
			Game:     "dayz",
			Platform: "pc",
			Patterns: []string{"DayZServer_x64*.ADM", "DayZServer_x64*.RPT"},
			PathTemplates: []string{
				"/games/{userId}/ftproot/dayzstandalone/config",
				"/games/ni{serviceId}_1/ftproot/dayzstandalone/config",
			},
		},
	}
}

// AllTemplates returns the path templates of every profile, in order, without duplicates
func AllTemplates(profiles []Profile) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range profiles {
		for _, t := range p.PathTemplates {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Find returns the profile for game and platform
func Find(profiles []Profile, game, platform string) (Profile, bool) {
	for _, p := range profiles {
		if p.Game == game && p.Platform == platform {
			return p, true
		}
	}
	return Profile{}, false
}
