package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelpt/pacer/internal/site"
)

// tidSearchWorker drains tidQueue, resolving one torrent's tid through the
// matching site adapter at a time. Best-effort: failures just leave the
// torrent's tid empty for the next attempt.
func (e *Engine) tidSearchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.tidQueue:
			e.resolveTid(ctx, job.hash)
		}
	}
}

func (e *Engine) resolveTid(ctx context.Context, hash string) {
	e.mu.RLock()
	s, ok := e.states[hash]
	var trackerURL string
	if ok {
		trackerURL = s.TrackerURL
	}
	e.mu.RUnlock()
	if !ok {
		return
	}

	adapter := e.sites.Resolve(trackerURL)
	res, err := adapter.SearchByHash(ctx, hash)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok = e.states[hash]
	if !ok {
		return
	}
	if err != nil {
		if errors.Is(err, site.ErrNotFound) {
			s.TidSearched = true
			s.TidNotFoundUntil = now.Add(e.cfg.Site.NotFoundCooldown)
		}
		return
	}
	s.Tid = res.Tid
	s.Promotion = res.PromotionLabel
	s.PublishTime = res.PublishTime
	s.TidSearched = true
}

// peerlistWorker drains peerlistQueue, resolving timing for torrents whose
// tid is already known.
func (e *Engine) peerlistWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.peerlistQueue:
			e.resolvePeerlist(ctx, job.hash, job.tid)
		}
	}
}

func (e *Engine) resolvePeerlist(ctx context.Context, hash, tid string) {
	e.mu.RLock()
	s, ok := e.states[hash]
	var trackerURL string
	if ok {
		trackerURL = s.TrackerURL
	}
	e.mu.RUnlock()
	if !ok {
		return
	}

	adapter := e.sites.Resolve(trackerURL)
	res, err := adapter.FetchPeerlist(ctx, tid)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok = e.states[hash]
	if !ok {
		return
	}
	s.UpdateTimeLeftFromSite(res.LastAnnounceTime, time.Duration(res.ReannounceInSeconds*float64(time.Second)))
}
