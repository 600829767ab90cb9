// Package document defines the subject record — an uploaded RFP document
// with its extracted text and metadata — and the collaborator contracts
// the pipeline reads subjects and knowledge-base side inputs through.
package document

import (
	"context"

	"github.com/bidfoundry/rfpflow"
	"github.com/bidfoundry/rfpflow/id"
)

// Subject is an RFP document under analysis.
type Subject struct {
	ID id.SubjectID `json:"id" bun:"id,pk"`
	// Filename is the original upload name.
	Filename string `json:"filename" bun:"filename,nullzero"`
	// Text is the extracted full text. Empty means extraction has not run
	// or failed; the pipeline refuses to start on such subjects.
	Text string `json:"text" bun:"text,nullzero"`
	// Metadata carries client, sector, deadline, and similar fields.
	Metadata map[string]any `json:"metadata,omitempty" bun:"metadata,type:jsonb"`

	rfpflow.Entity `bun:"embed"`
}

// NewSubject creates a subject record.
func NewSubject(filename, text string, metadata map[string]any) *Subject {
	return &Subject{
		ID:       id.NewSubjectID(),
		Filename: filename,
		Text:     text,
		Metadata: metadata,
		Entity:   rfpflow.NewEntity(),
	}
}

// Store is the subject store contract.
type Store interface {
	// CreateSubject persists a new subject.
	CreateSubject(ctx context.Context, s *Subject) error

	// GetSubject returns the subject or rfpflow.ErrSubjectNotFound.
	GetSubject(ctx context.Context, subjectID id.SubjectID) (*Subject, error)

	// UpdateSubject persists mutated fields, typically extracted text
	// arriving after upload.
	UpdateSubject(ctx context.Context, s *Subject) error
}

// KnowledgeBase supplies the past-project and personnel side inputs the
// experience step draws on. Implementations live with the caller; a
// static in-memory one is enough for tests.
type KnowledgeBase interface {
	PastProjects(ctx context.Context, subjectID id.SubjectID) ([]map[string]any, error)
	Personnel(ctx context.Context, subjectID id.SubjectID) ([]map[string]any, error)
}

// StaticKnowledgeBase is a KnowledgeBase over fixed slices, returned to
// every subject. Useful in tests and in deployments with a single shared
// capability library.
type StaticKnowledgeBase struct {
	Projects []map[string]any
	People   []map[string]any
}

// PastProjects implements KnowledgeBase.
func (kb *StaticKnowledgeBase) PastProjects(context.Context, id.SubjectID) ([]map[string]any, error) {
	return kb.Projects, nil
}

// Personnel implements KnowledgeBase.
func (kb *StaticKnowledgeBase) Personnel(context.Context, id.SubjectID) ([]map[string]any, error) {
	return kb.People, nil
}
