// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"sync"
	"time"

	"github.com/AleutianAI/montage/services/editor/timeline"
	"golang.org/x/time/rate"
)

// Progress is a snapshot of a render's state.
type Progress struct {
	JobID string `json:"job_id"`
	Stage Stage  `json:"stage"`

	// StageFraction is the completed share of the current stage.
	StageFraction float64 `json:"stage_fraction"`

	// Overall is the weighted completed share of the whole render.
	Overall float64 `json:"overall"`

	Track       timeline.TrackID `json:"track,omitempty"`
	TracksDone  int              `json:"tracks_done"`
	TracksTotal int              `json:"tracks_total"`
	CacheHits   int              `json:"cache_hits"`
	Message     string           `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Done reports whether the render has reached a terminal stage.
func (p Progress) Done() bool {
	return p.Stage.IsTerminal()
}

type subscriber struct {
	id int
	fn func(Progress)
}

// Tracker holds the shared progress of one render.
//
// # Description
//
// Writers update a mutex-guarded snapshot. Readers either pull it with
// Current or are pushed copies through Subscribe. Intra-stage updates are
// rate limited for subscribers; stage transitions are always delivered,
// and Current always reflects the latest update.
//
// # Thread Safety
//
// Safe for concurrent use. Subscribers are called one at a time, in
// update order, without the snapshot lock held.
type Tracker struct {
	mu      sync.Mutex
	current Progress
	subs    []subscriber
	nextID  int
	limiter *rate.Limiter

	// notifyMu serializes delivery so subscribers observe updates in order.
	notifyMu sync.Mutex
}

// NewTracker creates a tracker for jobID delivering at most perSecond
// intra-stage updates to subscribers. perSecond <= 0 disables throttling.
func NewTracker(jobID string, perSecond float64) *Tracker {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	now := time.Now()
	return &Tracker{
		current: Progress{JobID: jobID, Stage: StagePending, StartedAt: now, UpdatedAt: now},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Current returns the latest snapshot.
func (t *Tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe registers fn for updates and returns a function that removes
// it. fn must not block for long; it delays other subscribers.
func (t *Tracker) Subscribe(fn func(Progress)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs = append(t.subs, subscriber{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Updates returns a channel receiving updates. Intermediate updates are
// dropped when the buffer is full; the terminal update is always
// delivered, after which the channel is closed.
func (t *Tracker) Updates(buffer int) (<-chan Progress, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Progress, buffer)
	var closeOnce sync.Once

	unsubscribe := t.Subscribe(func(p Progress) {
		if !p.Done() {
			select {
			case ch <- p:
			default:
			}
			return
		}
		closeOnce.Do(func() {
			for {
				select {
				case ch <- p:
					close(ch)
					return
				default:
					select {
					case <-ch:
					default:
					}
				}
			}
		})
	})

	// Late subscribers to a finished render still get the terminal state.
	if cur := t.Current(); cur.Done() {
		closeOnce.Do(func() {
			select {
			case <-ch:
			default:
			}
			ch <- cur
			close(ch)
		})
	}
	return ch, unsubscribe
}

// SetStage moves to stage s and notifies subscribers unconditionally.
// Transitions out of a terminal stage are ignored.
func (t *Tracker) SetStage(s Stage, message string) {
	t.publish(true, func(p *Progress) bool {
		if p.Stage.IsTerminal() {
			return false
		}
		p.Stage = s
		p.StageFraction = 0
		p.Track = ""
		p.Message = message
		if s == StageComplete {
			p.StageFraction = 1
		}
		p.Overall = overall(s, p.StageFraction)
		return true
	})
}

// Report updates the fraction of the current stage. Subscribers are
// notified subject to the rate limit.
func (t *Tracker) Report(fraction float64, track timeline.TrackID, message string) {
	t.publish(false, func(p *Progress) bool {
		if p.Stage.IsTerminal() {
			return false
		}
		p.StageFraction = clamp01(fraction)
		p.Overall = overall(p.Stage, p.StageFraction)
		p.Track = track
		if message != "" {
			p.Message = message
		}
		return true
	})
}

// setTracks records the number of tracks to prepare.
func (t *Tracker) setTracks(total int) {
	t.mu.Lock()
	t.current.TracksTotal = total
	t.mu.Unlock()
}

// trackDone counts one prepared track and reports the stage fraction.
func (t *Tracker) trackDone(track timeline.TrackID, cached bool, stageDone, stageTotal int) {
	message := "rendered"
	if cached {
		message = "reused from cache"
	}
	t.publish(false, func(p *Progress) bool {
		if p.Stage.IsTerminal() {
			return false
		}
		p.TracksDone++
		if cached {
			p.CacheHits++
		}
		if stageTotal > 0 {
			p.StageFraction = float64(stageDone) / float64(stageTotal)
		}
		p.Overall = overall(p.Stage, p.StageFraction)
		p.Track = track
		p.Message = message
		return true
	})
}

// finish moves to a terminal stage.
func (t *Tracker) finish(s Stage, err error) {
	t.publish(true, func(p *Progress) bool {
		if p.Stage.IsTerminal() {
			return false
		}
		p.Stage = s
		p.Track = ""
		if s == StageComplete {
			p.StageFraction = 1
			p.Overall = 1
			p.Message = "done"
		} else {
			p.Message = s.String()
		}
		if err != nil {
			p.Error = err.Error()
		}
		return true
	})
}

func (t *Tracker) publish(force bool, update func(*Progress) bool) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if !update(&t.current) {
		t.mu.Unlock()
		return
	}
	t.current.UpdatedAt = time.Now()
	snap := t.current
	notify := force || t.limiter.Allow()
	var subs []subscriber
	if notify {
		subs = append(subs, t.subs...)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(snap)
	}
}
