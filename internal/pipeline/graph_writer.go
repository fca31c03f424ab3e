package pipeline

import (
	"context"

	"eventkg/pkg/models"
)

// GraphWriter writes export records of the fused graph. Records arrive
// nodes first, in creation order, in batches that may be retried.
type GraphWriter interface {
	WriteRecords(ctx context.Context, records []*models.GraphRecord) error
	Close() error
}

// Aborter is implemented by writers that can discard a partial export.
// The builder calls Abort when export fails; Close still follows.
type Aborter interface {
	Abort() error
}
