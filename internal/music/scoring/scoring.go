package scoring

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"muselink/internal/music/track"
)

// Ranking weights. These are empirically tuned constants; changing them
// changes which candidate wins, so they stay fixed.
const (
	weightExactTitle    = 140
	weightExactCombined = 180
	weightQueryInBoth   = 55
	weightQueryInTitle  = 40
	weightQueryInAuthor = 25
	weightTokenInTitle  = 14
	weightTokenInAuthor = 8
	weightAllTokens     = 25
	penaltyPodcast      = -100
	penaltyVariant      = -15

	biasSpotify = 12
	biasDeezer  = 11
	biasApple   = 10
)

// Strong-match thresholds: auto-select only a decisive winner.
const (
	StrongMatchMinScore  = 120
	StrongMatchMinMargin = 25
)

var (
	nonAlnum     = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	podcastRe    = regexp.MustCompile(`(?i)\b(podcast|podcasts|episode|ep\.? ?\d+|audiobook|chapter \d+)\b`)
	podcastURLRe = regexp.MustCompile(`(?i)/(podcast|episode|show)s?/`)
	stripper     = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

var variantTerms = []string{"remix", "live", "karaoke", "sped up", "nightcore"}

// Normalize lowercases, strips diacritics and collapses runs of anything
// that is not a letter or digit (any script) to single spaces.
func Normalize(s string) string {
	s = strings.ToLower(s)
	if out, _, err := transform.String(stripper, s); err == nil {
		s = out
	}
	return strings.TrimSpace(nonAlnum.ReplaceAllString(s, " "))
}

// IsLikelyPodcast flags candidates whose title, author or URL look like a
// podcast or episode rather than a song.
func IsLikelyPodcast(title, author, url string) bool {
	if podcastRe.MatchString(title) || podcastRe.MatchString(author) {
		return true
	}
	return podcastURLRe.MatchString(url)
}

// Score ranks one candidate against the original query. Pure function of its
// inputs; identical normalized strings always produce the same value.
func Score(t *track.Track, query string) int {
	q := Normalize(query)
	title := Normalize(t.Title)
	author := Normalize(t.Author)
	combined := strings.TrimSpace(title + " " + author)

	score := 0
	if q != "" && title == q {
		score += weightExactTitle
	}
	if q != "" && combined == q {
		score += weightExactCombined
	}
	if q != "" && strings.Contains(combined, q) {
		score += weightQueryInBoth
	}
	if q != "" && strings.Contains(title, q) {
		score += weightQueryInTitle
	}
	if q != "" && author != "" && strings.Contains(author, q) {
		score += weightQueryInAuthor
	}

	tokens := strings.Fields(q)
	matched := 0
	for _, tok := range tokens {
		hit := false
		if strings.Contains(title, tok) {
			score += weightTokenInTitle
			hit = true
		}
		if author != "" && strings.Contains(author, tok) {
			score += weightTokenInAuthor
			hit = true
		}
		if hit {
			matched++
		}
	}
	if len(tokens) > 0 && matched == len(tokens) {
		score += weightAllTokens
	}

	if IsLikelyPodcast(t.Title, t.Author, t.URL) {
		score += penaltyPodcast
	}

	for _, term := range variantTerms {
		if !strings.Contains(q, term) && strings.Contains(combined, term) {
			score += penaltyVariant
			break
		}
	}

	switch t.Source {
	case track.SourceSpotify:
		score += biasSpotify
	case track.SourceDeezer:
		score += biasDeezer
	case track.SourceApple:
		score += biasApple
	}

	return score
}

// ScoreAll fills the transient Score field of every track.
func ScoreAll(tracks []track.Track, query string) {
	for i := range tracks {
		tracks[i].Score = Score(&tracks[i], query)
	}
}

// Dedupe collapses near-identical candidates, keyed by normalized
// "title:author", keeping the highest-scored instance of each key. Input
// order is preserved for the surviving representative of each key.
func Dedupe(tracks []track.Track) []track.Track {
	type slot struct {
		idx   int
		score int
	}
	seen := make(map[string]slot, len(tracks))
	out := make([]track.Track, 0, len(tracks))

	for _, t := range tracks {
		key := Normalize(t.Title) + ":" + Normalize(t.Author)
		if s, ok := seen[key]; ok {
			if t.Score > s.score {
				out[s.idx] = t
				seen[key] = slot{idx: s.idx, score: t.Score}
			}
			continue
		}
		seen[key] = slot{idx: len(out), score: t.Score}
		out = append(out, t)
	}
	return out
}

// StrongMatch picks a single candidate without user disambiguation, but only
// when the query has at least two tokens, is not itself a URL, and the top
// candidate both clears the minimum score and beats the runner-up by a clear
// margin. Under-threshold ties are surfaced to the user instead of guessed.
func StrongMatch(tracks []track.Track, query string) (track.Track, bool) {
	if len(tracks) == 0 {
		return track.Track{}, false
	}
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		return track.Track{}, false
	}
	if len(strings.Fields(query)) < 2 {
		return track.Track{}, false
	}

	best, second := -1<<30, -1<<30
	bestIdx := 0
	for i := range tracks {
		s := Score(&tracks[i], query)
		if s > best {
			second = best
			best = s
			bestIdx = i
		} else if s > second {
			second = s
		}
	}

	if best < StrongMatchMinScore {
		return track.Track{}, false
	}
	if len(tracks) > 1 && best-second < StrongMatchMinMargin {
		return track.Track{}, false
	}

	chosen := tracks[bestIdx]
	chosen.Score = best
	return chosen, true
}
