package extract

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sowilo/render"
	"golang.org/x/sync/errgroup"
)

// ExtractViews extracts every view concurrently, view i into outs[i]. It
// returns the stats of each view and the first error that occurred.
//
// The spatial system being extracted must not be modified until
// ExtractViews returns.
func ExtractViews(ctx context.Context, e Extractor, views []View, outs []*render.ExtractedRenderData) ([]Stats, error) {
	if len(views) != len(outs) {
		return nil, errors.New("each view needs its own extracted render data").
			WithType(ErrTypeInvalidViews).
			WithTag("views", len(views)).
			WithTag("outputs", len(outs))
	}

	stats := make([]Stats, len(views))
	g, ctx := errgroup.WithContext(ctx)

	for i := range views {
		outs[i].Clear()

		g.Go(func() error {
			s, err := e.Extract(ctx, views[i], outs[i])
			stats[i] = s
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
