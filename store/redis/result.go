package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// SaveResult allocates the next version with an atomic INCR and stores
// the result as a Hash under its versioned key. Concurrent saves for the
// same (subject, step) pair serialize on the counter and receive
// distinct versions.
func (s *Store) SaveResult(ctx context.Context, res *result.Result) error {
	sID := res.SubjectID.String()
	kind := string(res.Step)

	version, err := s.client.Incr(ctx, resultVerKey(sID, kind)).Result()
	if err != nil {
		return storageErr(err, "save result incr")
	}
	res.Version = int(version)
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	fields, err := resultToMap(res)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, resultKey(sID, kind, res.Version), fields).Err(); err != nil {
		return storageErr(err, "save result")
	}
	return nil
}

// GetLatestResult returns the highest-version result for the pair.
func (s *Store) GetLatestResult(ctx context.Context, subjectID id.SubjectID, kind step.Kind) (*result.Result, error) {
	latest, err := s.currentVersion(ctx, subjectID, kind)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, rfpflow.ErrResultNotFound
	}
	return s.getResultByKey(ctx, resultKey(subjectID.String(), string(kind), latest))
}

// GetResultVersion returns one specific version for the pair.
func (s *Store) GetResultVersion(ctx context.Context, subjectID id.SubjectID, kind step.Kind, version int) (*result.Result, error) {
	if version < 1 {
		return nil, rfpflow.ErrResultNotFound
	}
	return s.getResultByKey(ctx, resultKey(subjectID.String(), string(kind), version))
}

// ListResultVersions returns every version for the pair, ascending.
func (s *Store) ListResultVersions(ctx context.Context, subjectID id.SubjectID, kind step.Kind) ([]*result.Result, error) {
	latest, err := s.currentVersion(ctx, subjectID, kind)
	if err != nil {
		return nil, err
	}

	out := make([]*result.Result, 0, latest)
	for v := 1; v <= latest; v++ {
		res, getErr := s.getResultByKey(ctx, resultKey(subjectID.String(), string(kind), v))
		if getErr != nil {
			return nil, getErr
		}
		out = append(out, res)
	}
	return out, nil
}

// GetAllLatestResults returns the latest version per step for the subject.
func (s *Store) GetAllLatestResults(ctx context.Context, subjectID id.SubjectID) (map[step.Kind]*result.Result, error) {
	out := make(map[step.Kind]*result.Result)
	for _, kind := range step.Kinds() {
		res, err := s.GetLatestResult(ctx, subjectID, kind)
		if err != nil {
			if errors.Is(err, rfpflow.ErrResultNotFound) {
				continue
			}
			return nil, err
		}
		out[kind] = res
	}
	return out, nil
}

// ── helpers ──

// currentVersion reads the version counter; zero means no result exists.
func (s *Store) currentVersion(ctx context.Context, subjectID id.SubjectID, kind step.Kind) (int, error) {
	raw, err := s.client.Get(ctx, resultVerKey(subjectID.String(), string(kind))).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, storageErr(err, "result version counter")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, storageErr(err, "parse result version")
	}
	return v, nil
}

func (s *Store) getResultByKey(ctx context.Context, key string) (*result.Result, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storageErr(err, "get result")
	}
	if len(vals) == 0 {
		return nil, rfpflow.ErrResultNotFound
	}
	return mapToResult(vals)
}

func resultToMap(res *result.Result) (map[string]interface{}, error) {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return nil, storageErr(err, "marshal result payload")
	}
	m := map[string]interface{}{
		"id":         res.ID.String(),
		"subject_id": res.SubjectID.String(),
		"step":       string(res.Step),
		"version":    strconv.Itoa(res.Version),
		"payload":    string(payload),
		"created_at": res.CreatedAt.Format(time.RFC3339Nano),
	}
	if !res.JobID.IsNil() {
		m["job_id"] = res.JobID.String()
	}
	return m, nil
}

func mapToResult(m map[string]string) (*result.Result, error) {
	rID, err := id.ParseResultID(m["id"])
	if err != nil {
		return nil, storageErr(err, "parse result id")
	}
	sID, err := id.ParseSubjectID(m["subject_id"])
	if err != nil {
		return nil, storageErr(err, "parse result subject id")
	}

	version, _ := strconv.Atoi(m["version"]) //nolint:errcheck // best-effort parse from trusted Redis data

	res := &result.Result{
		ID:        rID,
		SubjectID: sID,
		Step:      step.Kind(m["step"]),
		Version:   version,
	}
	if raw := m["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &res.Payload); err != nil {
			return nil, storageErr(err, "unmarshal result payload")
		}
	}
	if jID := m["job_id"]; jID != "" {
		res.JobID, _ = id.ParseJobID(jID) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	res.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return res, nil
}
