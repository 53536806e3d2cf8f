package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

// ErrNotFound is returned when a targeted row does not exist.
var ErrNotFound = errors.New("not found")

// PostgresStore persists all pipeline collections in Postgres.
type PostgresStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ ports.Store = (*PostgresStore)(nil)

// NewPostgresStore wires a sql.DB implementation.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *PostgresStore) Drugs(ctx context.Context) ([]domain.Drug, error) {
	query, args, err := s.sb.
		Select("id", "name", "type", "unit", "stock_quantity", "usage_rate_daily",
			"predicted_usage_rate", "burn_rate_days", "predicted_burn_rate_days",
			"criticality_rank", "reorder_threshold_days", "price_per_unit", "updated_at").
		From("drugs").
		OrderBy("criticality_rank ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build drugs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drugs: %w", err)
	}
	defer rows.Close()

	var drugs []domain.Drug
	for rows.Next() {
		var (
			d            domain.Drug
			predUsage    sql.NullFloat64
			burnDays     sql.NullFloat64
			predBurnDays sql.NullFloat64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.Unit, &d.StockQuantity, &d.DailyUsageRate,
			&predUsage, &burnDays, &predBurnDays,
			&d.CriticalityRank, &d.ReorderThresholdDays, &d.PricePerUnit, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan drug: %w", err)
		}
		d.PredictedUsageRate = nullableFloat(predUsage)
		d.BurnRateDays = nullableFloat(burnDays)
		d.PredictedBurnRateDays = nullableFloat(predBurnDays)
		drugs = append(drugs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drugs: %w", err)
	}
	return drugs, nil
}

func (s *PostgresStore) UpdateDrugPrediction(ctx context.Context, drugName string, patch domain.DrugPrediction) error {
	query, args, err := s.sb.
		Update("drugs").
		Set("predicted_usage_rate", floatOrNil(patch.PredictedUsageRate)).
		Set("burn_rate_days", floatOrNil(patch.BurnRateDays)).
		Set("predicted_burn_rate_days", floatOrNil(patch.PredictedBurnRateDays)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"name": drugName}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build prediction update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update prediction for %s: %w", drugName, err)
	}
	return nil
}

func (s *PostgresStore) UnresolvedShortages(ctx context.Context, since time.Time) ([]domain.ShortageRecord, error) {
	query, args, err := s.sb.
		Select("id", "drug_name", "type", "source", "source_url", "impact_severity",
			"description", "reported_date", "resolved", "resolved_date").
		From("shortages").
		Where(sq.Eq{"resolved": false}).
		Where(sq.GtOrEq{"reported_date": since}).
		OrderBy("reported_date DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build shortages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shortages: %w", err)
	}
	defer rows.Close()

	var records []domain.ShortageRecord
	for rows.Next() {
		var (
			rec          domain.ShortageRecord
			sourceURL    sql.NullString
			resolvedDate sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.DrugName, &rec.Origin, &rec.Source, &sourceURL,
			&rec.Severity, &rec.Description, &rec.ReportedDate, &rec.Resolved, &resolvedDate); err != nil {
			return nil, fmt.Errorf("scan shortage: %w", err)
		}
		rec.SourceURL = sourceURL.String
		if resolvedDate.Valid {
			t := resolvedDate.Time
			rec.ResolvedDate = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shortages: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) UpsertShortage(ctx context.Context, rec domain.ShortageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query, args, err := s.sb.
		Insert("shortages").
		Columns("id", "drug_name", "type", "source", "source_url", "impact_severity",
			"description", "reported_date", "resolved", "resolved_date").
		Values(rec.ID, rec.DrugName, rec.Origin, rec.Source, rec.SourceURL, rec.Severity,
			rec.Description, rec.ReportedDate, rec.Resolved, rec.ResolvedDate).
		Suffix(`ON CONFLICT (drug_name, source, reported_date) DO UPDATE
			SET impact_severity = EXCLUDED.impact_severity,
			    description = EXCLUDED.description,
			    resolved = EXCLUDED.resolved,
			    resolved_date = EXCLUDED.resolved_date`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build shortage upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert shortage %s: %w", rec.DrugName, err)
	}
	return nil
}

// UpdateShortage replaces the whole stored record, matching the memory
// store: origin, source, and reported date move with the update.
func (s *PostgresStore) UpdateShortage(ctx context.Context, id string, rec domain.ShortageRecord) error {
	query, args, err := s.sb.
		Update("shortages").
		Set("drug_name", rec.DrugName).
		Set("type", rec.Origin).
		Set("source", rec.Source).
		Set("source_url", rec.SourceURL).
		Set("impact_severity", rec.Severity).
		Set("description", rec.Description).
		Set("reported_date", rec.ReportedDate).
		Set("resolved", rec.Resolved).
		Set("resolved_date", rec.ResolvedDate).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build shortage update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update shortage %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shortage %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertSubstitution(ctx context.Context, sub domain.SubstitutionMapping) error {
	query, args, err := s.sb.
		Insert("substitutes").
		Columns("drug_name", "substitute_name", "preference_rank", "equivalence_notes", "updated_at").
		Values(sub.DrugName, sub.SubstituteName, sub.PreferenceRank, sub.EquivalenceNotes, time.Now().UTC()).
		Suffix(`ON CONFLICT (drug_name, substitute_name) DO UPDATE
			SET preference_rank = EXCLUDED.preference_rank,
			    equivalence_notes = EXCLUDED.equivalence_notes,
			    updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build substitution upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert substitution %s->%s: %w", sub.DrugName, sub.SubstituteName, err)
	}
	return nil
}

func (s *PostgresStore) Substitutions(ctx context.Context, drugName string) ([]domain.SubstitutionMapping, error) {
	builder := s.sb.
		Select("drug_name", "substitute_name", "preference_rank", "equivalence_notes", "updated_at").
		From("substitutes").
		OrderBy("preference_rank ASC")
	if drugName != "" {
		builder = builder.Where(sq.Eq{"drug_name": drugName})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build substitutions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query substitutions: %w", err)
	}
	defer rows.Close()

	var subs []domain.SubstitutionMapping
	for rows.Next() {
		var sub domain.SubstitutionMapping
		if err := rows.Scan(&sub.DrugName, &sub.SubstituteName, &sub.PreferenceRank,
			&sub.EquivalenceNotes, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan substitution: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate substitutions: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	builder := s.sb.
		Insert("alerts").
		Columns("id", "run_id", "alert_type", "severity", "drug_name", "drug_id",
			"title", "description", "action_payload", "acknowledged", "created_at")
	now := time.Now().UTC()
	for _, a := range alerts {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		builder = builder.Values(id, a.RunID, a.Kind, a.Severity, a.DrugName, a.DrugID,
			a.Title, a.Description, []byte(a.ActionPayload), a.Acknowledged, createdAt)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build alerts insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

func (s *PostgresStore) Alerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	builder := s.sb.
		Select("id", "run_id", "alert_type", "severity", "drug_name", "drug_id",
			"title", "description", "action_payload", "acknowledged", "created_at").
		From("alerts").
		OrderBy("created_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build alerts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var (
			a       domain.Alert
			drugID  sql.NullString
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Severity, &a.DrugName, &drugID,
			&a.Title, &a.Description, &payload, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.DrugID = drugID.String
		a.ActionPayload = payload
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string) error {
	query, args, err := s.sb.
		Update("alerts").
		Set("acknowledged", true).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build alert ack: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendStageResult(ctx context.Context, res domain.StageResult) error {
	query, args, err := s.sb.
		Insert("agent_logs").
		Columns("run_id", "agent_name", "payload", "summary", "created_at").
		Values(res.RunID, res.Stage, []byte(res.Payload), res.Summary, res.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build stage result insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append stage result %s: %w", res.Stage, err)
	}
	return nil
}

func (s *PostgresStore) StageResults(ctx context.Context, runID uuid.UUID) ([]domain.StageResult, error) {
	query, args, err := s.sb.
		Select("run_id", "agent_name", "payload", "summary", "created_at").
		From("agent_logs").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stage results query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var results []domain.StageResult
	for rows.Next() {
		var (
			res     domain.StageResult
			payload []byte
		)
		if err := rows.Scan(&res.RunID, &res.Stage, &payload, &res.Summary, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		res.Payload = payload
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) ScheduledSurgeries(ctx context.Context, until time.Time) ([]domain.SurgeryDemand, error) {
	query, args, err := s.sb.
		Select("id", "surgery_type", "scheduled_date", "required_drugs", "status").
		From("surgery_schedule").
		Where(sq.Eq{"status": domain.SurgeryScheduled}).
		Where(sq.LtOrEq{"scheduled_date": until}).
		OrderBy("scheduled_date ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build surgeries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query surgeries: %w", err)
	}
	defer rows.Close()

	var surgeries []domain.SurgeryDemand
	for rows.Next() {
		var (
			s2       domain.SurgeryDemand
			required []byte
		)
		if err := rows.Scan(&s2.ID, &s2.SurgeryType, &s2.ScheduledDate, &required, &s2.Status); err != nil {
			return nil, fmt.Errorf("scan surgery: %w", err)
		}
		if err := unmarshalRequirements(required, &s2.RequiredDrugs); err != nil {
			return nil, fmt.Errorf("decode surgery %s drugs: %w", s2.ID, err)
		}
		surgeries = append(surgeries, s2)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate surgeries: %w", err)
	}
	return surgeries, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func unmarshalRequirements(raw []byte, out *[]domain.DrugRequirement) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
