// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package engine

import (
	"context"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
)

// minLoopSleep is the floor on the delay between loop iterations. Whatever
// the operator asks for, the provider is never hammered more often than
// this.
const minLoopSleep = 30 * time.Second

// RunOptions parameterizes a Run invocation over one or more datasets.
type RunOptions struct {
	Datasets []string
	Cycle    CycleOptions

	// Loop repeats cycles until every dataset reports an empty pending
	// set within a single iteration.
	Loop  bool
	Sleep time.Duration
}

// Run executes one cycle per dataset, optionally looping until the pending
// sets are exhausted. Cancellation is honored between entities and between
// iterations, never mid-write.
func (e *Engine) Run(ctx context.Context, opts RunOptions) ([]*CycleResult, error) {
	sleep := opts.Sleep
	if sleep < minLoopSleep {
		sleep = minLoopSleep
	}

	var last []*CycleResult
	for iteration := 1; ; iteration++ {
		results := make([]*CycleResult, 0, len(opts.Datasets))
		exhausted := true

		for _, name := range opts.Datasets {
			if err := ctx.Err(); err != nil {
				return last, err
			}

			cycleOpts := opts.Cycle
			cycleOpts.Dataset = name
			res, err := e.RunCycle(ctx, cycleOpts)
			if err != nil {
				// Dataset-level failure: already recorded in the ledger;
				// move on to the next dataset.
				logging.Error().Err(err).Str("dataset", name).Msg("Dataset cycle failed")
				exhausted = false
				if res != nil {
					results = append(results, res)
				}
				continue
			}
			results = append(results, res)
			if res.PendingAfter > 0 {
				exhausted = false
			}
		}
		last = results

		if !opts.Loop || exhausted {
			return last, nil
		}

		logging.Info().Int("iteration", iteration).Dur("sleep", sleep).Msg("Pending work remains, sleeping before next iteration")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}
