// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
	"golang.org/x/sync/errgroup"
)

// probeParallelism bounds concurrent probe processes.
const probeParallelism = 4

// VerifyAssets probes every asset and checks that each clip's source
// window lies inside its asset. Probed durations are stored in
// p.Durations.
//
// # Outputs
//
//   - error: nil when every asset probes and every clip fits; otherwise
//     an errors.Join of *AssetError sorted by asset ID, or ctx.Err().
func (p *Project) VerifyAssets(ctx context.Context, probe media.AssetProbe) error {
	ids := make([]string, 0, len(p.Assets))
	for id := range p.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		mu       sync.Mutex
		problems []*AssetError
		infos    = make(map[string]media.AssetInfo, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	for _, id := range ids {
		path := p.Assets[id]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := probe.Probe(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				problems = append(problems, &AssetError{AssetID: id, Path: path, Err: err})
				return nil
			}
			infos[id] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Durations == nil {
		p.Durations = make(map[string]time.Duration, len(infos))
	}
	for id, info := range infos {
		p.Durations[id] = info.Duration
	}

	if p.Timeline != nil {
		for _, t := range p.Timeline.Tracks() {
			for _, c := range t.Clips {
				info, ok := infos[c.AssetID]
				if !ok || info.Duration <= 0 {
					continue
				}
				if c.SourceEnd > info.Duration+time.Millisecond {
					problems = append(problems, &AssetError{
						AssetID:       c.AssetID,
						Path:          p.Assets[c.AssetID],
						Clip:          string(c.ID),
						SourceEnd:     c.SourceEnd,
						AssetDuration: info.Duration,
					})
				}
			}
		}
	}

	sort.SliceStable(problems, func(i, j int) bool { return problems[i].AssetID < problems[j].AssetID })
	errs := make([]error, len(problems))
	for i, e := range problems {
		errs[i] = e
	}
	return errors.Join(errs...)
}
