package virtual

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/syncbridge"
)

var ErrTrackNotFound = errors.New("track not found")

// Catalog is a fixed in-memory TrackSource.
type Catalog map[string]syncbridge.Track

func NewCatalog(tracks ...syncbridge.Track) Catalog {
	c := make(Catalog, len(tracks))
	for _, t := range tracks {
		c[t.ID] = t
	}

	return c
}

func (c Catalog) ResolveTrack(_ context.Context, id string) (syncbridge.Track, error) {
	t, ok := c[id]
	if !ok {
		return syncbridge.Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
	}

	return t, nil
}

// Tracks returns the catalog sorted by id.
func (c Catalog) Tracks() []syncbridge.Track {
	out := make([]syncbridge.Track, 0, len(c))
	for _, t := range c {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b syncbridge.Track) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// DemoCatalog is the catalog used by the console client.
func DemoCatalog() Catalog {
	track := func(id, title, artist string, durationMs int64) syncbridge.Track {
		return syncbridge.Track{
			TrackInfo:      protocol.TrackInfo{ID: id, Title: title, Artist: artist, DurationMs: durationMs},
			PlayableHandle: "virtual://" + id,
		}
	}

	return NewCatalog(
		track("T1", "Morning Static", "The Relays", 215_000),
		track("T2", "Half a Second Late", "Drift Tolerance", 187_000),
		track("T3", "Heartbeat Interval", "Sequence Numbers", 242_000),
		track("T4", "Grace Window", "Empty Room", 198_000),
	)
}
