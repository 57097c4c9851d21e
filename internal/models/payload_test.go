package models

import (
	"encoding/json"
	"testing"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
)

// TestValidatePayload verifies the per-type schemas.
func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		entity  EntityType
		action  ActionType
		data    string
		wantErr bool
	}{
		{"work create", EntityWork, ActionCreate, `{"title":"Fix sink","hours":2.5,"rate":"45.00"}`, false},
		{"work create without title", EntityWork, ActionCreate, `{"hours":1}`, true},
		{"work update partial", EntityWork, ActionUpdate, `{"hours":3}`, false},
		{"work negative hours", EntityWork, ActionUpdate, `{"hours":-1}`, true},
		{"payment create", EntityPayment, ActionCreate, `{"amount":"120.50","currency":"USD"}`, false},
		{"payment numeric amount", EntityPayment, ActionCreate, `{"amount":99.99}`, false},
		{"payment zero amount", EntityPayment, ActionCreate, `{"amount":"0"}`, true},
		{"payment bad currency", EntityPayment, ActionUpdate, `{"currency":"dollars"}`, true},
		{"profile email", EntityProfile, ActionUpdate, `{"email":"a@b.co"}`, false},
		{"profile bad email", EntityProfile, ActionUpdate, `{"email":"nope"}`, true},
		{"settings free form", EntitySettings, ActionUpdate, `{"theme":"dark","nested":{"x":1}}`, false},
		{"unknown type", EntityType("invoice"), ActionCreate, `{"anything":true}`, false},
		{"array rejected", EntityWork, ActionUpdate, `[1,2]`, true},
		{"delete empty", EntityWork, ActionDelete, ``, false},
		{"delete null", EntityPayment, ActionDelete, `null`, false},
		{"update empty", EntityWork, ActionUpdate, ``, true},
		{"invalid JSON", EntitySettings, ActionUpdate, `{"a":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.entity, tt.action, json.RawMessage(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperrors.Is(err, apperrors.ErrInvalidPayload) {
				t.Errorf("error code = %s, want %s", apperrors.CodeOf(err), apperrors.ErrInvalidPayload)
			}
		})
	}
}

// TestEmbedSyncStamp verifies the snapshot keeps data fields and adds _syncMetadata.
func TestEmbedSyncStamp(t *testing.T) {
	data := json.RawMessage(`{"title":"Paint fence","extra":[1,2]}`)
	stamp := SyncStamp{SyncID: "work_1_5", Timestamp: 5, Version: 1, Action: ActionCreate}

	out, err := EmbedSyncStamp(data, stamp)
	if err != nil {
		t.Fatalf("EmbedSyncStamp() error = %v", err)
	}

	var got struct {
		Title string    `json:"title"`
		Extra []int     `json:"extra"`
		Meta  SyncStamp `json:"_syncMetadata"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Title != "Paint fence" || len(got.Extra) != 2 {
		t.Errorf("data fields lost: %s", out)
	}
	if got.Meta != stamp {
		t.Errorf("_syncMetadata = %+v, want %+v", got.Meta, stamp)
	}
}

// TestMergeFields_emptyData verifies empty data becomes an object.
func TestMergeFields_emptyData(t *testing.T) {
	out, err := MergeFields(nil, map[string]interface{}{"_version": 2})
	if err != nil {
		t.Fatalf("MergeFields() error = %v", err)
	}
	if string(out) != `{"_version":2}` {
		t.Errorf("MergeFields() = %s", out)
	}
}

// TestMergeFields_notObject verifies non-object data is rejected.
func TestMergeFields_notObject(t *testing.T) {
	if _, err := MergeFields(json.RawMessage(`"str"`), map[string]interface{}{"k": 1}); err == nil {
		t.Error("MergeFields() on a string should fail")
	}
}
