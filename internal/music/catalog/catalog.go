// Package catalog searches third-party music catalogs (Spotify, iTunes,
// Deezer) for free-text queries and resolves the winners against the audio
// node into playable tracks.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"muselink/internal/music/scoring"
	"muselink/internal/music/track"
	"muselink/pkg/workpool"
)

const (
	perProviderLimit = 8

	// Only the best-scored candidates are resolved against the node, with
	// matching fan-out width, to cap external load.
	maxNodeResolves = 12
)

// TrackLoader resolves an identifier (URL or prefixed search) against the
// audio node. Implemented by the node client; faked in tests.
type TrackLoader interface {
	LoadTracks(ctx context.Context, identifier string) ([]track.Track, error)
}

// Service fans a query out to the three catalogs, merges and ranks the
// results, and turns the survivors into node-playable tracks.
type Service struct {
	Spotify *SpotifyClient
	Apple   *AppleClient
	Deezer  *DeezerClient
	OEmbed  *OEmbedClient

	loader TrackLoader
	log    *zap.Logger
}

func NewService(spotify *SpotifyClient, apple *AppleClient, deezer *DeezerClient, oembed *OEmbedClient, loader TrackLoader, log *zap.Logger) *Service {
	return &Service{
		Spotify: spotify,
		Apple:   apple,
		Deezer:  deezer,
		OEmbed:  oembed,
		loader:  loader,
		log:     log,
	}
}

// Search queries all three catalogs concurrently, merges the candidates, and
// returns node-resolved playable tracks sorted by score descending. Provider
// failures degrade the result set, they never fail the search.
func (s *Service) Search(ctx context.Context, query, requester string) []track.Track {
	type result struct {
		name   string
		tracks []track.Track
		err    error
	}

	searches := []struct {
		name string
		run  func(context.Context, string, int) ([]track.Track, error)
	}{
		{"spotify", s.Spotify.Search},
		{"itunes", s.Apple.Search},
		{"deezer", s.Deezer.Search},
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		candidates []track.Track
	)
	for _, sr := range searches {
		wg.Add(1)
		go func(name string, run func(context.Context, string, int) ([]track.Track, error)) {
			defer wg.Done()
			tracks, err := run(ctx, query, perProviderLimit)
			if err != nil {
				s.log.Debug("catalog search failed", zap.String("provider", name), zap.Error(err))
				return
			}
			mu.Lock()
			candidates = append(candidates, tracks...)
			mu.Unlock()
		}(sr.name, sr.run)
	}
	wg.Wait()

	return s.Finalize(ctx, candidates, query, requester)
}

// Finalize filters, scores, dedupes and node-resolves an already-merged
// candidate list. Split out so the resolver can reuse it for node-native
// search results.
func (s *Service) Finalize(ctx context.Context, candidates []track.Track, query, requester string) []track.Track {
	kept := candidates[:0]
	for _, c := range candidates {
		if scoring.IsLikelyPodcast(c.Title, c.Author, c.URL) {
			continue
		}
		kept = append(kept, c)
	}

	scoring.ScoreAll(kept, query)
	kept = scoring.Dedupe(kept)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > maxNodeResolves {
		kept = kept[:maxNodeResolves]
	}

	resolved := s.resolveCandidates(ctx, kept)
	for i := range resolved {
		resolved[i].Query = query
		resolved[i].Requester = requester
		resolved[i].RequestedAt = time.Now()
	}
	sort.SliceStable(resolved, func(i, j int) bool { return resolved[i].Score > resolved[j].Score })
	return resolved
}

// resolveCandidates loads each candidate's canonical URL on the node to
// obtain an encoded payload, keeping only ones that land on a streamable
// source. Per-candidate failures just drop that candidate.
func (s *Service) resolveCandidates(ctx context.Context, candidates []track.Track) []track.Track {
	if len(candidates) == 0 {
		return nil
	}

	resolved := make([]track.Track, len(candidates))
	ok := make([]bool, len(candidates))

	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}

	_ = workpool.Each(ctx, idx, maxNodeResolves, func(ctx context.Context, i int) error {
		cand := candidates[i]
		loaded, err := s.loader.LoadTracks(ctx, cand.URL)
		if err != nil || len(loaded) == 0 {
			if err != nil {
				s.log.Debug("node resolve failed", zap.String("url", cand.URL), zap.Error(err))
			}
			return nil
		}
		for _, l := range loaded {
			if !l.Playable() || !l.Source.Streamable() {
				continue
			}
			// Keep the catalog's richer metadata and score; take the
			// node's playback identity.
			cand.Encoded = l.Encoded
			cand.ID = l.ID
			cand.ResolvedInput = cand.URL
			cand.Live = l.Live
			if cand.DurationMs == 0 {
				cand.DurationMs = l.DurationMs
			}
			resolved[i] = cand
			ok[i] = true
			break
		}
		return nil
	})

	out := make([]track.Track, 0, len(candidates))
	for i := range resolved {
		if ok[i] {
			out = append(out, resolved[i])
		}
	}
	return out
}
