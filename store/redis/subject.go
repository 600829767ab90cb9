package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/document"
	"github.com/bidfoundry/rfpflow/id"
)

// CreateSubject stores the subject as a Hash.
func (s *Store) CreateSubject(ctx context.Context, sub *document.Subject) error {
	fields, err := subjectToMap(sub)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, subjectKey(sub.ID.String()), fields).Err(); err != nil {
		return storageErr(err, "create subject")
	}
	return nil
}

// GetSubject retrieves a subject by ID.
func (s *Store) GetSubject(ctx context.Context, subjectID id.SubjectID) (*document.Subject, error) {
	vals, err := s.client.HGetAll(ctx, subjectKey(subjectID.String())).Result()
	if err != nil {
		return nil, storageErr(err, "get subject")
	}
	if len(vals) == 0 {
		return nil, rfpflow.ErrSubjectNotFound
	}
	return mapToSubject(vals)
}

// UpdateSubject persists changes to an existing subject.
func (s *Store) UpdateSubject(ctx context.Context, sub *document.Subject) error {
	key := subjectKey(sub.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return storageErr(err, "update subject exists")
	}
	if exists == 0 {
		return rfpflow.ErrSubjectNotFound
	}

	fields, err := subjectToMap(sub)
	if err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return storageErr(err, "update subject")
	}
	return nil
}

// ── helpers ──

func subjectToMap(sub *document.Subject) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"id":         sub.ID.String(),
		"filename":   sub.Filename,
		"text":       sub.Text,
		"created_at": sub.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": sub.UpdatedAt.Format(time.RFC3339Nano),
	}
	if sub.Metadata != nil {
		raw, err := json.Marshal(sub.Metadata)
		if err != nil {
			return nil, storageErr(err, "marshal subject metadata")
		}
		m["metadata"] = string(raw)
	}
	return m, nil
}

func mapToSubject(m map[string]string) (*document.Subject, error) {
	sID, err := id.ParseSubjectID(m["id"])
	if err != nil {
		return nil, storageErr(err, "parse subject id")
	}

	sub := &document.Subject{
		ID:       sID,
		Filename: m["filename"],
		Text:     m["text"],
	}
	if raw := m["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sub.Metadata); err != nil {
			return nil, storageErr(err, "unmarshal subject metadata")
		}
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return sub, nil
}
