package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/step"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, kind step.Kind, next Handler) error {
		logger.Info("step started",
			slog.String("job_id", j.ID.String()),
			slog.String("subject_id", j.SubjectID.String()),
			slog.String("step", string(kind)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("job_id", j.ID.String()),
				slog.String("step", string(kind)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("job_id", j.ID.String()),
				slog.String("step", string(kind)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
