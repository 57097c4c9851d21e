package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
)

// WorkPayload is the schema of a work entry.
type WorkPayload struct {
	Title string           `json:"title,omitempty"`
	Hours *float64         `json:"hours,omitempty"`
	Date  string           `json:"date,omitempty"`
	Notes string           `json:"notes,omitempty"`
	Rate  *decimal.Decimal `json:"rate,omitempty"`
}

// PaymentPayload is the schema of a payment record.
type PaymentPayload struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	WorkID   string           `json:"workId,omitempty"`
	PaidAt   string           `json:"paidAt,omitempty"`
	Note     string           `json:"note,omitempty"`
}

// ProfilePayload is the schema of the user profile.
type ProfilePayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ValidatePayload checks data against the schema of its entity type.
// Every payload must be a JSON object; deletes may carry no data at all.
// Fields a schema does not name are left alone.
func ValidatePayload(entity EntityType, action ActionType, data json.RawMessage) error {
	if isEmptyJSON(data) {
		if action == ActionDelete {
			return nil
		}
		return apperrors.Newf(apperrors.ErrInvalidPayload, "%s %s requires data", entity, action)
	}
	if !isJSONObject(data) {
		return apperrors.Newf(apperrors.ErrInvalidPayload, "%s data must be a JSON object", entity)
	}

	switch entity {
	case EntityWork:
		var p WorkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "decode work payload", err)
		}
		if action == ActionCreate && strings.TrimSpace(p.Title) == "" {
			return apperrors.New(apperrors.ErrInvalidPayload, "work title is required")
		}
		if p.Hours != nil && *p.Hours < 0 {
			return apperrors.New(apperrors.ErrInvalidPayload, "work hours must not be negative")
		}
		if p.Rate != nil && p.Rate.IsNegative() {
			return apperrors.New(apperrors.ErrInvalidPayload, "work rate must not be negative")
		}

	case EntityPayment:
		var p PaymentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "decode payment payload", err)
		}
		if action == ActionCreate && (p.Amount == nil || !p.Amount.IsPositive()) {
			return apperrors.New(apperrors.ErrInvalidPayload, "payment amount must be positive")
		}
		if p.Amount != nil && p.Amount.IsNegative() {
			return apperrors.New(apperrors.ErrInvalidPayload, "payment amount must not be negative")
		}
		if p.Currency != "" && len(p.Currency) != 3 {
			return apperrors.Newf(apperrors.ErrInvalidPayload, "invalid currency code %q", p.Currency)
		}

	case EntityProfile:
		var p ProfilePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "decode profile payload", err)
		}
		if p.Email != "" && !strings.Contains(p.Email, "@") {
			return apperrors.Newf(apperrors.ErrInvalidPayload, "invalid email %q", p.Email)
		}
	}

	return nil
}

// MergeFields returns data with fields set at the top level. Empty data is
// treated as an empty object.
func MergeFields(data json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if !isEmptyJSON(data) {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "payload is not a JSON object", err)
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "encode field "+k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// EmbedSyncStamp returns a cached entity snapshot: data with _syncMetadata set.
func EmbedSyncStamp(data json.RawMessage, stamp SyncStamp) (json.RawMessage, error) {
	return MergeFields(data, map[string]interface{}{SyncMetadataField: stamp})
}

func isEmptyJSON(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isJSONObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
