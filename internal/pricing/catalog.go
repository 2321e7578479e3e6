package pricing

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/theheadmen/smmbroker/internal/upstream"
)

// Engagement types.
const (
	TypeFollowers = "followers"
	TypeLikes     = "likes"
	TypeViews     = "views"
	TypeComments  = "comments"
	TypeShares    = "shares"
	TypeOther     = "other"
)

var priorityApps = []string{"TikTok", "Instagram", "YouTube", "Twitter", "Spotify", "Telegram", "Twitch"}

var appAliases = map[string]string{
	"tiktok":    "TikTok",
	"tik":       "TikTok",
	"instagram": "Instagram",
	"insta":     "Instagram",
	"ig":        "Instagram",
	"twitter":   "Twitter",
	"x":         "Twitter",
	"youtube":   "YouTube",
	"yt":        "YouTube",
	"spotify":   "Spotify",
	"telegram":  "Telegram",
	"twitch":    "Twitch",
	"facebook":  "Facebook",
	"fb":        "Facebook",
	"reddit":    "Reddit",
}

var excludedApps = map[string]struct{}{}

func init() {
	for _, app := range []string{
		"Article", "CoinsGods", "DA30＋", "DA50＋", "DA70＋", "EDU", "EMERGENCY", "Exploit",
		"Forum", "FreshCoins", "Keyword", "Kick", "Kick.com", "LOCO.GG",
		"Mentimeter.com", "MixCloud", "PinterestPremium", "Quora",
		"Reverbenation", "Reverbnation", "S1", "S2", "Shazam", "Shopee", "Social", "Tidal", "Trovo", "Wiki",
	} {
		excludedApps[app] = struct{}{}
	}
}

var (
	digitsOnly   = regexp.MustCompile(`^[0-9]+$`)
	dashesOnly   = regexp.MustCompile(`^-+$`)
	shortCode    = regexp.MustCompile(`(?i)^[a-z]{2,3}$`)
	junkKeywords = regexp.MustCompile(`(?i)(flag|country|refill|cancel|cheap|test|trial|bonus|package|mix)`)
)

// NormalizeApp maps a provider service name to an app label using its first word.
func NormalizeApp(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "Other"
	}
	first := strings.ToLower(fields[0])
	if app, ok := appAliases[first]; ok {
		// "Tik Tok ..." is spelled with a space by some providers
		if first == "tik" && (len(fields) < 2 || strings.ToLower(fields[1]) != "tok") {
			return capitalize(first)
		}
		return app
	}
	return capitalize(first)
}

// DetectType classifies the engagement sold by a service.
func DetectType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "follower"):
		return TypeFollowers
	case strings.Contains(lower, "like"):
		return TypeLikes
	case strings.Contains(lower, "view"):
		return TypeViews
	case strings.Contains(lower, "comment"):
		return TypeComments
	case strings.Contains(lower, "share"):
		return TypeShares
	default:
		return TypeOther
	}
}

// Categorize returns the display label "<app>/<type>".
func Categorize(name string) string {
	return NormalizeApp(name) + "/" + DetectType(name)
}

// Excluded reports whether a catalog entry is hidden from listings. Hidden
// services can still be purchased by id.
func Excluded(app, name string) bool {
	if _, ok := excludedApps[app]; ok {
		return true
	}
	if digitsOnly.MatchString(app) || dashesOnly.MatchString(app) || shortCode.MatchString(app) {
		return true
	}
	for _, r := range app {
		if unicode.Is(unicode.So, r) {
			return true
		}
	}
	return junkKeywords.MatchString(name)
}

// Offer is one priced catalog entry.
type Offer struct {
	ServiceID       string          `json:"service_id"`
	Name            string          `json:"name"`
	BaseRate        decimal.Decimal `json:"base_rate"`
	RatePerThousand int64           `json:"rate_per_thousand"`
	Min             int64           `json:"min"`
	Max             int64           `json:"max"`
}

// AppGroup is the offers of one app, keyed by engagement type.
type AppGroup struct {
	App    string             `json:"app"`
	Offers map[string][]Offer `json:"offers"`
}

// Catalog groups and prices a provider catalog for display.
func (e *Engine) Catalog(services []upstream.Service) []AppGroup {
	groups := map[string]*AppGroup{}
	for _, svc := range services {
		app := NormalizeApp(svc.Name)
		if Excluded(app, svc.Name) {
			continue
		}
		g, ok := groups[app]
		if !ok {
			g = &AppGroup{App: app, Offers: map[string][]Offer{}}
			groups[app] = g
		}
		typ := DetectType(svc.Name)
		g.Offers[typ] = append(g.Offers[typ], Offer{
			ServiceID:       svc.ID,
			Name:            svc.Name,
			BaseRate:        e.ConvertRate(svc.Rate),
			RatePerThousand: e.ToMinorUnits(e.RatePerThousand(svc.Rate)),
			Min:             svc.Min,
			Max:             svc.Max,
		})
	}

	out := make([]AppGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := priority(out[i].App), priority(out[j].App)
		if pi != pj {
			return pi < pj
		}
		return out[i].App < out[j].App
	})
	return out
}

func priority(app string) int {
	for i, p := range priorityApps {
		if p == app {
			return i
		}
	}
	return len(priorityApps)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
