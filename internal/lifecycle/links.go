package lifecycle

import (
	"regexp"
	"sort"
	"strings"
)

var invitePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me|telegram\.dog)/(?:\+|joinchat/)([A-Za-z0-9_-]{5,})`),
	regexp.MustCompile(`(?i)tg://join\?invite=([A-Za-z0-9_-]{5,})`),
}

// ExtractInviteLinks returns the private invite links found in text, in
// order of appearance, normalized to https://t.me/+<hash> and deduplicated.
func ExtractInviteLinks(text string) []string {
	type hit struct {
		pos  int
		hash string
	}

	var hits []hit
	for _, re := range invitePatterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{pos: m[0], hash: text[m[2]:m[3]]})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]struct{}, len(hits))
	links := make([]string, 0, len(hits))
	for _, h := range hits {
		link := CanonicalLink(h.hash)
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}

	return links
}

// CanonicalLink formats an invite hash as the stored link form.
func CanonicalLink(hash string) string {
	return "https://t.me/+" + hash
}

// InviteHash extracts the invite hash from any recognized link form. It
// returns false when link is not an invite link.
func InviteHash(link string) (string, bool) {
	link = strings.TrimSpace(link)
	for _, re := range invitePatterns {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1], true
		}
	}
	return "", false
}
