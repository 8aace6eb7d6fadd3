package stripe

import (
	"encoding/json"
	"testing"
)

func TestResourceID_UnmarshalString(t *testing.T) {
	var r resourceID
	if err := json.Unmarshal([]byte(`"cus_123"`), &r); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if r.String() != "cus_123" {
		t.Errorf("Expected cus_123, got %q", r)
	}
}

func TestResourceID_UnmarshalExpandedObject(t *testing.T) {
	var r resourceID
	if err := json.Unmarshal([]byte(`{"id": "sub_456", "object": "subscription"}`), &r); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if r.String() != "sub_456" {
		t.Errorf("Expected sub_456, got %q", r)
	}
}

func TestResourceID_UnmarshalNull(t *testing.T) {
	r := resourceID("stale")
	if err := json.Unmarshal([]byte(`null`), &r); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if r != "" {
		t.Errorf("Expected empty, got %q", r)
	}
}
