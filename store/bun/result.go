package bunstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// saveRetries bounds the version-allocation retry loop. Two writers
// racing on the same (subject, step) pair collide on the unique
// constraint; the loser re-reads MAX(version) and tries again.
const saveRetries = 3

// SaveResult appends the next version for the (subject, step) pair. The
// version is MAX(version)+1 computed in a transaction; the unique index
// on (subject_id, step, version) turns a lost race into a retry instead
// of a silent overwrite.
func (s *Store) SaveResult(ctx context.Context, res *result.Result) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			var maxVersion int
			if err := tx.NewSelect().
				Model((*resultModel)(nil)).
				ColumnExpr("COALESCE(MAX(version), 0)").
				Where("subject_id = ?", res.SubjectID.String()).
				Where("step = ?", string(res.Step)).
				Scan(ctx, &maxVersion); err != nil {
				return storageErr(err, "max result version")
			}

			res.Version = maxVersion + 1
			m := toResultModel(res)
			if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
				return err
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if isDuplicateKey(err) {
			lastErr = err
			continue
		}
		return storageErr(err, "save result")
	}
	return storageErr(lastErr, "save result: version contention after %d attempts", saveRetries)
}

// GetLatestResult returns the highest-version result for the pair.
func (s *Store) GetLatestResult(ctx context.Context, subjectID id.SubjectID, kind step.Kind) (*result.Result, error) {
	m := new(resultModel)
	err := s.db.NewSelect().Model(m).
		Where("subject_id = ?", subjectID.String()).
		Where("step = ?", string(kind)).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, rfpflow.ErrResultNotFound
		}
		return nil, storageErr(err, "get latest result")
	}
	return fromResultModel(m)
}

// GetResultVersion returns one specific version for the pair.
func (s *Store) GetResultVersion(ctx context.Context, subjectID id.SubjectID, kind step.Kind, version int) (*result.Result, error) {
	m := new(resultModel)
	err := s.db.NewSelect().Model(m).
		Where("subject_id = ?", subjectID.String()).
		Where("step = ?", string(kind)).
		Where("version = ?", version).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, rfpflow.ErrResultNotFound
		}
		return nil, storageErr(err, "get result version")
	}
	return fromResultModel(m)
}

// ListResultVersions returns every version for the pair, ascending.
func (s *Store) ListResultVersions(ctx context.Context, subjectID id.SubjectID, kind step.Kind) ([]*result.Result, error) {
	var models []resultModel
	err := s.db.NewSelect().Model(&models).
		Where("subject_id = ?", subjectID.String()).
		Where("step = ?", string(kind)).
		Order("version ASC").
		Scan(ctx)
	if err != nil {
		return nil, storageErr(err, "list result versions")
	}

	out := make([]*result.Result, 0, len(models))
	for i := range models {
		res, convErr := fromResultModel(&models[i])
		if convErr != nil {
			return nil, storageErr(convErr, "list convert")
		}
		out = append(out, res)
	}
	return out, nil
}

// GetAllLatestResults returns the latest version per step for the subject
// using a single window-function query.
func (s *Store) GetAllLatestResults(ctx context.Context, subjectID id.SubjectID) (map[step.Kind]*result.Result, error) {
	var models []resultModel
	_, err := s.db.NewRaw(`
		SELECT id, subject_id, step, version, payload, job_id, created_at FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY step ORDER BY version DESC) AS rn
			FROM rfpflow_results
			WHERE subject_id = ?0
		) ranked
		WHERE rn = 1`,
		subjectID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, storageErr(err, "all latest results")
	}

	out := make(map[step.Kind]*result.Result, len(models))
	for i := range models {
		res, convErr := fromResultModel(&models[i])
		if convErr != nil {
			return nil, storageErr(convErr, "all latest convert")
		}
		out[res.Step] = res
	}
	return out, nil
}
