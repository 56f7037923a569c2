package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// PreviewRunner trials detection parameters on a copy of a user's live points
type PreviewRunner struct {
	repos        *repository.Repositories
	ingestor     *Ingestor
	orchestrator *Orchestrator
	now          func() time.Time
}

// NewPreviewRunner creates a new preview runner
func NewPreviewRunner(repos *repository.Repositories, ingestor *Ingestor, orchestrator *Orchestrator) *PreviewRunner {
	return &PreviewRunner{repos: repos, ingestor: ingestor, orchestrator: orchestrator, now: time.Now}
}

// Run copies live points in tr into a new preview scope, stores params there and
// runs the whole chain synchronously. Live data is never written.
func (r *PreviewRunner) Run(ctx context.Context, username string, tr models.TimeRange, params models.DetectionParameter) (*models.Preview, error) {
	if !tr.End.After(tr.Start) {
		return nil, fmt.Errorf("%w: preview range is empty", models.ErrInvalidInput)
	}

	preview := models.Preview{
		ID:        uuid.NewString(),
		Username:  username,
		Start:     tr.Start,
		End:       tr.End,
		CreatedAt: r.now().UTC(),
	}
	if err := r.repos.Previews.Create(ctx, preview); err != nil {
		return nil, err
	}
	scope := models.Scope{Username: username, PreviewID: preview.ID}

	params.ValidSince = nil
	if _, err := r.repos.Parameters.Create(ctx, scope, params); err != nil {
		return nil, err
	}
	if _, err := r.repos.Points.CopyToPreview(ctx, username, preview.ID, tr); err != nil {
		return nil, err
	}

	copied, err := r.repos.Points.Find(ctx, scope, repository.PointQuery{Range: tr, RealOnly: true})
	if err != nil {
		return nil, err
	}
	if len(copied) > 0 {
		if err := r.ingestor.Prepare(ctx, scope, copied); err != nil {
			return nil, err
		}
	}
	if err := r.orchestrator.ProcessUser(ctx, scope); err != nil {
		return nil, err
	}
	return &preview, nil
}
