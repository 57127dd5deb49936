package extract

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/render"
)

// ExtractorWithLogs logs failed extractions and, every summaryInterval, a
// summary of the extractions made per view.
func ExtractorWithLogs(e Extractor, world string, summaryInterval time.Duration) Extractor {
	ctx, cancel := context.WithCancel(context.Background())

	extractor := &extractorWithLogs{
		Extractor:          e,
		world:              world,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]*viewSummary),
	}

	go extractor.startSummaryWorker(ctx)
	return extractor
}

type viewSummary struct {
	Extractions   int `json:"extractions"`
	Failures      int `json:"failures"`
	NumVisible    int `json:"num_visible"`
	NumRenderData int `json:"num_render_data"`
	NumTested     int `json:"num_tested"`
}

type extractorWithLogs struct {
	Extractor

	world string

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]*viewSummary
}

func (e *extractorWithLogs) Extract(ctx context.Context, view View, out *render.ExtractedRenderData) (Stats, error) {
	stats, err := e.Extractor.Extract(ctx, view, out)
	if err != nil && !errors.IsType(err, ErrTypeExtractCanceled) {
		logs.WithTag("world", e.world).
			WithTag("view", view.Name).
			Error(errors.New("extracting view failed").Wrap(err))
	} else if err == nil {
		logs.WithTag("world", e.world).
			WithTag("view", view.Name).
			WithTag("num_visible", stats.NumVisible).
			WithTag("num_render_data", stats.NumRenderData).
			Debug("view extracted")
	}

	e.incCounter(view.Name, stats, err)
	return stats, err
}

func (e *extractorWithLogs) Close() {
	e.Extractor.Close()
	e.closeSummaryWorker()
	e.logSummary()
}

func (e *extractorWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(e.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.logSummary()
		}
	}
}

func (e *extractorWithLogs) incCounter(view string, stats Stats, err error) {
	e.counterMutex.Lock()
	defer e.counterMutex.Unlock()

	s, ok := e.counter[view]
	if !ok {
		s = &viewSummary{}
		e.counter[view] = s
	}

	s.Extractions++
	if err != nil {
		s.Failures++
	}
	s.NumVisible += stats.NumVisible
	s.NumRenderData += stats.NumRenderData
	s.NumTested += stats.Query.TotalNumTestedObjects
}

func (e *extractorWithLogs) logSummary() {
	e.counterMutex.Lock()
	defer e.counterMutex.Unlock()

	if len(e.counter) == 0 {
		return
	}

	entry := logs.
		WithTag("world", e.world).
		WithTag("time_interval", e.summaryInterval)

	for k, v := range e.counter {
		entry = entry.WithTag(k, *v)
		delete(e.counter, k)
	}

	entry.Info("view extraction summary")
}
