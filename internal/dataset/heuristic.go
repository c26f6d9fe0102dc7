package dataset

import (
	"context"
	"math"
	"sort"
)

// proximityTolerance makes near-equal proximities rank as ties.
const proximityTolerance = 1e-9

type candidate struct {
	tile      *Tile
	overlap   float64
	proximity float64
	distance  float64
	depth     int
}

// DownloadMostNeededTiles queues up to queueLength unloaded tiles for the
// viewport bbox. A tile qualifies when it is the unloaded root or a child of
// a ready tile whose MaxIx is below maxIx. Candidates are ranked by the
// fraction of their extent inside bbox, then by proximity to the loaded
// tiles, then by depth, then by distance to bbox. It returns the tiles
// queued.
func (ds *Dataset) DownloadMostNeededTiles(ctx context.Context, bbox Rect, maxIx int64, queueLength int) []*Tile {
	if queueLength <= 0 {
		return nil
	}
	var cands []candidate
	add := func(t *Tile) {
		ext := t.Extent()
		c := candidate{tile: t, depth: t.Depth(), distance: ext.Distance(bbox)}
		if a := ext.Area(); a > 0 {
			c.overlap = ext.Intersection(bbox).Area() / a
		} else if !ext.IsEmpty() && bbox.Contains(ext.Center()) {
			c.overlap = 1
		}
		cands = append(cands, c)
	}

	if ds.root.State() == StateUnloaded {
		add(ds.root)
	}
	var loaded []*Tile
	ds.VisitReady(func(t *Tile) bool {
		if ctx.Err() != nil {
			return false
		}
		loaded = append(loaded, t)
		if t.MaxIx() >= maxIx {
			return true
		}
		for _, c := range t.Children() {
			if c.State() == StateUnloaded {
				add(c)
			}
		}
		return true
	})

	for i := range cands {
		cands[i].proximity = proximity(cands[i].tile, loaded)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if math.Abs(a.proximity-b.proximity) > proximityTolerance {
			return a.proximity < b.proximity
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.distance < b.distance
	})

	var queued []*Tile
	for _, c := range cands {
		if len(queued) >= queueLength {
			break
		}
		if ds.downloader.Enqueue(c.tile) {
			queued = append(queued, c.tile)
		}
	}
	if len(queued) > 0 {
		ds.log.WithField("queued", len(queued)).WithField("candidates", len(cands)).Debug("queued most needed tiles")
	}
	return queued
}

// proximity is the distance from the center of t to the center of the
// nearest loaded tile other than its ancestors, which cover t anyway. It is
// zero when nothing else is loaded.
func proximity(t *Tile, loaded []*Tile) float64 {
	ancestors := make(map[Key]bool)
	for p := t.Parent(); p != nil; p = p.Parent() {
		ancestors[p.Key()] = true
	}
	cx, cy := t.Extent().Center()
	best := math.Inf(1)
	for _, l := range loaded {
		if ancestors[l.Key()] {
			continue
		}
		lx, ly := l.Extent().Center()
		best = math.Min(best, math.Hypot(cx-lx, cy-ly))
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}

// PendingDownloads returns the number of tiles queued or downloading in the
// background.
func (ds *Dataset) PendingDownloads() int {
	return ds.downloader.Pending()
}
