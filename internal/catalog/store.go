package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

// Store reads and writes dosing profiles in PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new profile store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// LoadProfiles returns every active profile
func (s *Store) LoadProfiles(ctx context.Context) ([]dosing.DrugDosingProfile, error) {
	query := `
		SELECT drug_name, indication, base_dose_mg, frequency,
		       renal_rule, hepatic_rule, monitoring_required, monitoring_frequency
		FROM drug_dosing_profiles
		WHERE active
		ORDER BY drug_name, indication
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []dosing.DrugDosingProfile
	for rows.Next() {
		var p dosing.DrugDosingProfile
		var renalRaw, hepaticRaw []byte
		err := rows.Scan(
			&p.DrugName, &p.Indication, &p.BaseDoseMg, &p.Frequency,
			&renalRaw, &hepaticRaw, &p.MonitoringRequired, &p.MonitoringFrequency,
		)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if err := decodeRules(&p, renalRaw, hepaticRaw); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("dosing profiles loaded", zap.Int("count", len(profiles)))
	return profiles, nil
}

// Load builds an immutable catalog from the active profiles
func (s *Store) Load(ctx context.Context) (*Catalog, error) {
	profiles, err := s.LoadProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return New(profiles)
}

// Upsert writes profiles in one transaction, replacing rows with the same
// drug and indication
func (s *Store) Upsert(ctx context.Context, profiles []dosing.DrugDosingProfile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range profiles {
		if err := upsertProfile(ctx, tx, &profiles[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("dosing profiles upserted", zap.Int("count", len(profiles)))
	return nil
}

func upsertProfile(ctx context.Context, tx pgx.Tx, p *dosing.DrugDosingProfile) error {
	if err := p.Check(); err != nil {
		return err
	}
	renal, err := json.Marshal(p.RenalAdjustmentRule)
	if err != nil {
		return fmt.Errorf("encode renal rule: %w", err)
	}
	hepatic, err := json.Marshal(p.HepaticAdjustmentRule)
	if err != nil {
		return fmt.Errorf("encode hepatic rule: %w", err)
	}

	query := `
		INSERT INTO drug_dosing_profiles
		(drug_name, indication, base_dose_mg, frequency, renal_rule, hepatic_rule,
		 monitoring_required, monitoring_frequency, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (lower(drug_name), lower(indication)) DO UPDATE
		SET base_dose_mg = EXCLUDED.base_dose_mg,
		    frequency = EXCLUDED.frequency,
		    renal_rule = EXCLUDED.renal_rule,
		    hepatic_rule = EXCLUDED.hepatic_rule,
		    monitoring_required = EXCLUDED.monitoring_required,
		    monitoring_frequency = EXCLUDED.monitoring_frequency,
		    active = TRUE,
		    updated_at = NOW()
	`
	_, err = tx.Exec(ctx, query,
		p.DrugName, p.Indication, p.BaseDoseMg, p.Frequency,
		renal, hepatic, p.MonitoringRequired, p.MonitoringFrequency,
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", p.DrugName, p.Indication, err)
	}
	return nil
}

func decodeRules(p *dosing.DrugDosingProfile, renalRaw, hepaticRaw []byte) error {
	if len(renalRaw) > 0 {
		if err := json.Unmarshal(renalRaw, &p.RenalAdjustmentRule); err != nil {
			return fmt.Errorf("decode renal rule for %s/%s: %w", p.DrugName, p.Indication, err)
		}
	}
	if len(hepaticRaw) > 0 {
		if err := json.Unmarshal(hepaticRaw, &p.HepaticAdjustmentRule); err != nil {
			return fmt.Errorf("decode hepatic rule for %s/%s: %w", p.DrugName, p.Indication, err)
		}
	}
	return nil
}
