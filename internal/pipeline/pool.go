package pipeline

import (
	"context"
	"sync"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// sourceTask is one queued unit of work.
type sourceTask struct {
	index  int
	source trend.Source
}

// pool fans source tasks out to a fixed number of workers. Tasks still queued
// when ctx is cancelled are never started and come back as interrupted.
type pool struct {
	size int
	work func(ctx context.Context, src trend.Source) sourceOutcome
}

func (p pool) run(ctx context.Context, sources []trend.Source) []sourceOutcome {
	size := p.size
	if size <= 0 {
		size = 1
	}
	if size > len(sources) {
		size = len(sources)
	}

	queue := make(chan sourceTask, len(sources))
	for i, src := range sources {
		queue <- sourceTask{index: i, source: src}
	}
	close(queue)

	results := make([]sourceOutcome, len(sources))
	started := make([]bool, len(sources))

	var wg sync.WaitGroup
	for w := 0; w < size; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				task, ok := <-queue
				if !ok {
					return
				}
				started[task.index] = true
				results[task.index] = p.work(ctx, task.source)
			}
		}()
	}
	wg.Wait()

	for i, src := range sources {
		if !started[i] {
			results[i] = sourceOutcome{source: src, status: trend.CrawlStatusPartial, interrupted: true, err: ctx.Err()}
		}
	}
	return results
}
