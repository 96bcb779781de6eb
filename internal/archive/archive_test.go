package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"novora/api/internal/store"
)

func TestObjectKey(t *testing.T) {
	report := store.ReportsCache{
		OrgID:       "O1",
		Scope:       "survey:S1",
		PeriodStart: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC),
	}
	want := "reports/O1/survey:S1/20250106T0900_20250116T0900.json"
	if got := ObjectKey(report); got != want {
		t.Fatalf("ObjectKey = %q, want %q", got, want)
	}
}

func TestMinioConfigIsConfigured(t *testing.T) {
	tests := []struct {
		cfg  MinioConfig
		want bool
	}{
		{MinioConfig{}, false},
		{MinioConfig{Endpoint: "localhost:9000"}, false},
		{MinioConfig{Endpoint: "localhost:9000", Bucket: "reports"}, true},
	}
	for _, tc := range tests {
		if got := tc.cfg.IsConfigured(); got != tc.want {
			t.Errorf("IsConfigured(%+v) = %v, want %v", tc.cfg, got, tc.want)
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	payload := []byte(`{"safe":true}`)
	if err := m.Put(ctx, "k", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload[0] = 'X'
	got, err := m.Get(ctx, "k")
	if err != nil || string(got) != `{"safe":true}` {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}
