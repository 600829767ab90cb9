package bunstore

import (
	"context"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/id"
)

// CreateSubject persists a new subject.
func (s *Store) CreateSubject(ctx context.Context, sub *document.Subject) error {
	m := toSubjectModel(sub)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return storageErr(err, "create subject")
	}
	return nil
}

// GetSubject retrieves a subject by ID.
func (s *Store) GetSubject(ctx context.Context, subjectID id.SubjectID) (*document.Subject, error) {
	m := new(subjectModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", subjectID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, rfpflow.ErrSubjectNotFound
		}
		return nil, storageErr(err, "get subject")
	}
	return fromSubjectModel(m)
}

// UpdateSubject persists changes to an existing subject.
func (s *Store) UpdateSubject(ctx context.Context, sub *document.Subject) error {
	m := toSubjectModel(sub)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return storageErr(err, "update subject")
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return rfpflow.ErrSubjectNotFound
	}
	return nil
}
