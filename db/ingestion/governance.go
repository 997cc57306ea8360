// Package ingestion - Record governance and validation
package ingestion

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// RecordContract defines what every incoming record must carry
type RecordContract struct {
	RequiredFields    []string
	Currency          string
	RequireNormalized bool
}

// DefaultContract returns the contract for normalized H100 hourly prices
func DefaultContract() RecordContract {
	return RecordContract{
		RequiredFields:    []string{"provider_id", "category", "currency", "variant_normalized"},
		Currency:          "USD",
		RequireNormalized: true,
	}
}

// ValidationResult contains the validation outcome
type ValidationResult struct {
	Observations []types.Observation
	Unknown      []string
	Errors       []string
}

// IsValid reports whether no schema errors were found
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Err returns the schema errors as a single SCHEMA_ERROR, or nil
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return errors.Schemaf("%d invalid records: %s", len(r.Errors), strings.Join(r.Errors, "; ")).
		WithContext("errors", r.Errors)
}

// RecordValidator validates records against the contract and registry
type RecordValidator struct {
	contract RecordContract
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRecordValidator creates a validator
func NewRecordValidator(reg *registry.Registry, contract RecordContract, logger *zap.Logger) *RecordValidator {
	return &RecordValidator{contract: contract, registry: reg, logger: logging.OrDefault(logger)}
}

// Validate checks every record and converts the valid ones into primary
// observations keyed by canonical provider id. Unknown providers are
// skipped with a warning; every other defect is a schema error.
func (v *RecordValidator) Validate(records []Record) *ValidationResult {
	result := &ValidationResult{}
	seen := make(map[string]int)

	for i, rec := range records {
		if msg := v.checkRequired(rec); msg != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %s", i, msg))
			continue
		}

		category, err := types.ParseCategory(rec.Category)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if v.contract.Currency != "" && !strings.EqualFold(rec.Currency, v.contract.Currency) {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: currency %s, want %s", i, rec.Currency, v.contract.Currency))
			continue
		}
		if v.contract.RequireNormalized && !*rec.VariantNormalized {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: price for %s is not variant-normalized", i, rec.ProviderID))
			continue
		}

		id, ok := v.registry.Canonicalize(rec.ProviderID)
		if !ok {
			result.Unknown = append(result.Unknown, rec.ProviderID)
			v.logger.Warn("no weight assigned, skipping provider", logging.Provider(rec.ProviderID))
			continue
		}
		p, _ := v.registry.Get(id)
		if p.Category != category {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %s declared %s, registry says %s", i, rec.ProviderID, category, p.Category))
			continue
		}
		if prev, dup := seen[id]; dup {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: duplicate of record %d for %s", i, prev, id))
			continue
		}
		seen[id] = i

		if rec.Price == nil {
			result.Observations = append(result.Observations, types.Absent(id))
			continue
		}
		obs := types.NewObservation(id, *rec.Price, types.TierPrimary)
		if !obs.Present() {
			v.logger.Warn("invalid price treated as missing", logging.Provider(id), zap.Float64("price", *rec.Price))
		}
		result.Observations = append(result.Observations, obs)
	}
	return result
}

func (v *RecordValidator) checkRequired(rec Record) string {
	var missing []string
	for _, f := range v.contract.RequiredFields {
		switch f {
		case "provider_id":
			if strings.TrimSpace(rec.ProviderID) == "" {
				missing = append(missing, f)
			}
		case "category":
			if strings.TrimSpace(rec.Category) == "" {
				missing = append(missing, f)
			}
		case "currency":
			if strings.TrimSpace(rec.Currency) == "" {
				missing = append(missing, f)
			}
		case "variant_normalized":
			if rec.VariantNormalized == nil {
				missing = append(missing, f)
			}
		}
	}
	if len(missing) > 0 {
		return "missing required fields: " + strings.Join(missing, ", ")
	}
	return ""
}
