package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// player matches `Player "Name" (DEAD) (id=ABC= pos=<x, y, z>)`; the (DEAD)
// marker and the position are optional. Group names are prefixed so two
// players can appear in one expression.
func player(prefix string) string {
	return fmt.Sprintf(
		`Player "(?P<%[1]sname>[^"]+)"\s*(?:\(DEAD\)\s*)?\(id=(?P<%[1]sid>[^\s)]*)(?:\s+pos=<(?P<%[1]sx>-?[\d.]+),\s*(?P<%[1]sy>-?[\d.]+)(?:,\s*(?P<%[1]sz>-?[\d.]+))?>)?[^)]*\)`,
		prefix)
}

var (
	timePrefixRe = regexp.MustCompile(`^(\d{1,2}):(\d{2}):(\d{2})(?:\.\d+)?\s*\|\s*(.*)$`)

	killRe = regexp.MustCompile(`^` + player("v") + `\s+killed by\s+` + player("k") +
		`(?:\s+with\s+(?P<weapon>.+?))?(?:\s+from\s+(?P<distance>[\d.]+)\s+meters)?\s*$`)
	pveRe = regexp.MustCompile(`^` + player("v") + `\s+killed by\s+(?P<cause>.+?)\s*$`)
	// suicide and bleeding deaths carry no killer
	selfDeathRe = regexp.MustCompile(`^` + player("v") + `\s+(?P<cause>committed suicide|bled out)\s*$`)

	connectRe = regexp.MustCompile(
		`^Player "(?P<name>[^"]+)"\s*(?:\(id=(?P<id>[^\s)]*)[^)]*\)\s*)?is connected(?:\s*\(id=(?P<id2>[^\s)]*)[^)]*\))?`)
	disconnectRe = regexp.MustCompile(
		`^Player "(?P<name>[^"]+)"\s*(?:\(id=(?P<id>[^\s)]*)[^)]*\)\s*)?has been disconnected`)

	placedRe     = regexp.MustCompile(`^` + player("p") + `\s+placed\s+(?P<object>[^<]+?)(?:\s*<[^>]*>)?\s*$`)
	builtRe      = regexp.MustCompile(`^` + player("p") + `\s+[Bb]uilt\s+(?P<object>.+?)\s+on\s+(?P<target>.+?)\s+with\s+(?P<tool>.+?)\s*$`)
	dismantledRe = regexp.MustCompile(`^` + player("p") + `\s+[Dd]ismantled\s+(?P<object>.+?)\s+from\s+(?P<target>.+?)\s+with\s+(?P<tool>.+?)\s*$`)
)

// GameClassifier recognizes DayZ admin log lines. Lines carry only a time of
// day; the date comes from the classifier's reference time.
type GameClassifier struct {
	reference func() time.Time
}

// NewGameClassifier creates a classifier anchored to the current time
func NewGameClassifier() *GameClassifier {
	return &GameClassifier{reference: time.Now}
}

// At returns a classifier anchored to a fixed reference time, typically the
// modification time of the file being read. Its results depend only on its input.
func (c *GameClassifier) At(ref time.Time) LineClassifier {
	return &GameClassifier{reference: func() time.Time { return ref }}
}

// Classify parses one line. It returns nil for anything it does not recognize.
func (c *GameClassifier) Classify(line, serviceID, filename string) types.Event {
	raw := strings.TrimRight(line, "\r\n")
	body := strings.TrimSpace(raw)
	if body == "" {
		return nil
	}

	ref := c.reference()
	ts := ref
	if m := timePrefixRe.FindStringSubmatch(body); m != nil {
		ts = anchorTime(ref, m[1], m[2], m[3])
		body = strings.TrimSpace(m[4])
	}

	meta := types.Meta{Timestamp: ts, ServiceID: serviceID, SourceFile: filename, RawLine: raw}

	if g := match(killRe, body); g != nil {
		return types.KillEvent{
			Meta:     meta,
			Victim:   playerFrom(g, "v"),
			Killer:   playerFrom(g, "k"),
			Weapon:   g["weapon"],
			Distance: parseFloat(g["distance"]),
		}
	}
	if g := match(pveRe, body); g != nil {
		if strings.HasPrefix(g["cause"], "Player ") {
			return nil
		}
		return types.PvEEvent{Meta: meta, Victim: playerFrom(g, "v"), Cause: g["cause"]}
	}
	if g := match(selfDeathRe, body); g != nil {
		return types.PvEEvent{Meta: meta, Victim: playerFrom(g, "v"), Cause: g["cause"]}
	}
	if g := match(connectRe, body); g != nil {
		id := g["id"]
		if id == "" {
			id = g["id2"]
		}
		return types.ConnectionEvent{Meta: meta, Player: types.Player{Name: g["name"], ID: id}, Connected: true}
	}
	if g := match(disconnectRe, body); g != nil {
		return types.ConnectionEvent{Meta: meta, Player: types.Player{Name: g["name"], ID: g["id"]}, Connected: false}
	}
	if g := match(placedRe, body); g != nil {
		return types.StructureEvent{Meta: meta, Player: playerFrom(g, "p"), Action: "placed", Object: g["object"]}
	}
	if g := match(builtRe, body); g != nil {
		return types.StructureEvent{Meta: meta, Player: playerFrom(g, "p"), Action: "built",
			Object: g["object"], Target: g["target"], Tool: g["tool"]}
	}
	if g := match(dismantledRe, body); g != nil {
		return types.StructureEvent{Meta: meta, Player: playerFrom(g, "p"), Action: "dismantled",
			Object: g["object"], Target: g["target"], Tool: g["tool"]}
	}

	return nil
}

func match(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	groups := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if i != 0 && name != "" {
			groups[name] = m[i]
		}
	}
	return groups
}

func playerFrom(g map[string]string, prefix string) types.Player {
	p := types.Player{Name: g[prefix+"name"], ID: g[prefix+"id"]}
	if g[prefix+"x"] != "" && g[prefix+"y"] != "" {
		p.Position = &types.Position{
			X: parseFloat(g[prefix+"x"]),
			Y: parseFloat(g[prefix+"y"]),
			Z: parseFloat(g[prefix+"z"]),
		}
	}
	return p
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// anchorTime places a time of day on the reference date. A result more than a
// minute ahead of the reference belongs to the previous day.
func anchorTime(ref time.Time, hh, mm, ss string) time.Time {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	t := time.Date(ref.Year(), ref.Month(), ref.Day(), h, m, s, 0, ref.Location())
	if t.After(ref.Add(time.Minute)) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}
