package ports

import "context"

// SubjectRecordCreated is published after a record is persisted
const SubjectRecordCreated = "inspection.records.created"

// EventPublisher delivers domain events to downstream consumers.
// Publishing is best effort; failures never fail an inspection.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}
