package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
)

// Store is the persistence collaborator. The core only needs CRUD-style
// primitives against the named collections; engine internals stay behind it.
type Store interface {
	// drugs
	Drugs(ctx context.Context) ([]domain.Drug, error)
	UpdateDrugPrediction(ctx context.Context, drugName string, patch domain.DrugPrediction) error

	// shortages; UpsertShortage is keyed on (drug, source, reported date),
	// UpdateShortage replaces the whole record under an existing id
	UnresolvedShortages(ctx context.Context, since time.Time) ([]domain.ShortageRecord, error)
	UpsertShortage(ctx context.Context, rec domain.ShortageRecord) error
	UpdateShortage(ctx context.Context, id string, rec domain.ShortageRecord) error

	// substitutions, unique on the (original, substitute) pair
	UpsertSubstitution(ctx context.Context, m domain.SubstitutionMapping) error
	Substitutions(ctx context.Context, drugName string) ([]domain.SubstitutionMapping, error)

	// alerts
	InsertAlerts(ctx context.Context, alerts []domain.Alert) error
	Alerts(ctx context.Context, limit int) ([]domain.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) error

	// run log
	AppendStageResult(ctx context.Context, res domain.StageResult) error
	StageResults(ctx context.Context, runID uuid.UUID) ([]domain.StageResult, error)

	// surgery schedule
	ScheduledSurgeries(ctx context.Context, until time.Time) ([]domain.SurgeryDemand, error)

	Ping(ctx context.Context) error
}

// StructuredCaller invokes the external reasoning service with a role prompt
// and a response schema, decoding the reply strictly into out. It returns
// *domain.ExternalCallError on transport failures and
// *domain.MalformedResponseError when the reply does not match the schema.
type StructuredCaller interface {
	Call(ctx context.Context, rolePrompt string, schema any, payload any, out any) error
}

// ShortageFeed queries the external regulatory shortage feed for one drug
// search term. An empty result is normal, not an error.
type ShortageFeed interface {
	Query(ctx context.Context, drugName string) ([]domain.RawShortageSignal, error)
}

// NewsSearcher runs one query against the news search collaborator,
// restricted to a recent window. May return zero articles.
type NewsSearcher interface {
	Search(ctx context.Context, query string, windowDays int) ([]domain.Article, error)
}

// Scheduler controls when pipeline runs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
