package vault

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func newTestVault(t *testing.T) (*Vault, *store.MemoryStore, *clock.FakeClock) {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	_ = mem.InsertSurvey(ctx, store.Survey{ID: "S1", OrgID: "O1", OpensAt: t0, ClosesAt: t0.Add(10 * 24 * time.Hour), Status: store.SurveyActive})
	clk := clock.Fake(t0)
	pseudonyms, err := NewPseudonymizer([]byte("test-key"))
	if err != nil {
		t.Fatalf("pseudonymizer: %v", err)
	}
	return New(mem, clk, pseudonyms, Options{}), mem, clk
}

var device = Device{IP: "10.0.0.1", UserAgent: "test", AcceptLanguage: "en", AcceptEncoding: "gzip"}

func TestMintFormatAndExpiry(t *testing.T) {
	v, _, _ := newTestVault(t)
	tok, created, err := v.Mint(context.Background(), "S1", "T1", "")
	if err != nil || !created {
		t.Fatalf("mint = %v, %v", created, err)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_-]{32}$`).MatchString(tok.Token) {
		t.Fatalf("token %q is not 32 url-safe characters", tok.Token)
	}
	// closes_at (10d) is earlier than now+TTL (14d).
	if !tok.ExpiresAt.Equal(t0.Add(10 * 24 * time.Hour)) {
		t.Fatalf("expires_at = %v", tok.ExpiresAt)
	}
}

func TestMintForEmployeeIsIdempotent(t *testing.T) {
	v, mem, _ := newTestVault(t)
	first, _, err := v.MintForEmployee(context.Background(), "O1", "S1", "T1", "alice@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, created, err := v.MintForEmployee(context.Background(), "O1", "S1", "T1", "alice@example.com")
	if err != nil || created || second.Token != first.Token {
		t.Fatalf("second mint = %s created=%v err=%v", second.Token, created, err)
	}
	if first.EmployeePseudonym == "alice@example.com" || len(first.EmployeePseudonym) != 64 {
		t.Fatalf("pseudonym %q is not a keyed hash", first.EmployeePseudonym)
	}
	tokens, _ := mem.ListSurveyTokens(context.Background(), "S1")
	if len(tokens) != 1 {
		t.Fatalf("tokens = %d, want 1", len(tokens))
	}
}

func TestConsumeSingleUseUnderContention(t *testing.T) {
	v, mem, _ := newTestVault(t)
	ctx := context.Background()
	if _, _, err := mem.InsertToken(ctx, store.SurveyToken{Token: "TKN_A", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var mu sync.Mutex
	results := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Consume(ctx, "TKN_A", device)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				results["ok"]++
				return
			}
			results[Reason(err)]++
		}()
	}
	wg.Wait()

	if results["ok"] != 1 || results["already_used"] != 9 {
		t.Fatalf("results = %v, want 1 ok and 9 already_used", results)
	}
	stats, err := v.Stats(ctx, "S1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Used != 1 || stats.FailedAttempts < 9 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestValidateReasons(t *testing.T) {
	v, mem, _ := newTestVault(t)
	ctx := context.Background()
	_ = mem.InsertSurvey(ctx, store.Survey{ID: "DRAFT", OrgID: "O1", OpensAt: t0, ClosesAt: t0.Add(time.Hour), Status: store.SurveyDraft})
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "fresh", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "used", SurveyID: "S1", TeamID: "T1", Used: true, ExpiresAt: t0.Add(time.Hour)})
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "old", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(-time.Minute)})
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "draft", SurveyID: "DRAFT", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})

	tests := []struct {
		name, token, survey string
		want                error
	}{
		{"valid", "fresh", "S1", nil},
		{"unknown", "nope", "S1", ErrInvalid},
		{"wrong survey", "fresh", "DRAFT", ErrInvalid},
		{"used", "used", "S1", ErrAlreadyUsed},
		{"expired", "old", "S1", ErrExpired},
		{"inactive", "draft", "DRAFT", ErrSurveyInactive},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// A fresh device per case keeps throttles out of the way.
			d := device
			d.IP = "10.0.1." + string(rune('a'+i))
			tok, err := v.Validate(ctx, tc.token, tc.survey, d)
			if !errors.Is(err, tc.want) && !(tc.want == nil && err == nil) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if tc.want == nil && tok.TeamID != "T1" {
				t.Fatalf("team = %q", tok.TeamID)
			}
		})
	}
}

func TestDeviceThrottleAfterFailures(t *testing.T) {
	v, mem, clk := newTestVault(t)
	ctx := context.Background()
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "good", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(48 * time.Hour)})

	for i := 0; i < 5; i++ {
		clk.Advance(2 * time.Minute)
		if _, err := v.Validate(ctx, "bad", "S1", device); !errors.Is(err, ErrInvalid) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	clk.Advance(2 * time.Minute)
	if _, err := v.Validate(ctx, "good", "S1", device); !errors.Is(err, ErrThrottledDevice) {
		t.Fatalf("err = %v, want ErrThrottledDevice", err)
	}

	// Other devices are unaffected.
	other := device
	other.UserAgent = "other"
	if _, err := v.Validate(ctx, "good", "S1", other); err != nil {
		t.Fatalf("other device err = %v", err)
	}

	// The window slides.
	clk.Advance(61 * time.Minute)
	if _, err := v.Validate(ctx, "good", "S1", device); err != nil {
		t.Fatalf("after window err = %v", err)
	}
}

func TestRateThrottle(t *testing.T) {
	v, mem, _ := newTestVault(t)
	ctx := context.Background()
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "good", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})
	for i := 0; i < 10; i++ {
		if _, err := v.Validate(ctx, "good", "S1", device); err != nil {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if _, err := v.Validate(ctx, "good", "S1", device); !errors.Is(err, ErrThrottledRate) {
		t.Fatalf("err = %v, want ErrThrottledRate", err)
	}
}

func TestExpireAllAndPurge(t *testing.T) {
	v, mem, clk := newTestVault(t)
	ctx := context.Background()
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "a", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})
	_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: "b", SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})
	if _, err := v.Consume(ctx, "a", device); err != nil {
		t.Fatalf("consume: %v", err)
	}
	n, err := v.ExpireAll(ctx, "S1", ReasonSurveyClosed)
	if err != nil || n != 1 {
		t.Fatalf("expire = %d, %v", n, err)
	}
	if _, err := v.Consume(ctx, "b", device); !errors.Is(err, ErrExpired) {
		t.Fatalf("consume retired token err = %v", err)
	}

	if n, _ := v.Purge(ctx); n != 0 {
		t.Fatalf("purged %d tokens before the retention window", n)
	}
	clk.Advance(31 * 24 * time.Hour)
	if n, _ := v.Purge(ctx); n != 1 {
		t.Fatalf("purged %d tokens, want 1", n)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	if device.Fingerprint() != device.Fingerprint() {
		t.Fatal("fingerprint is not deterministic")
	}
	other := device
	other.AcceptEncoding = "br"
	if other.Fingerprint() == device.Fingerprint() {
		t.Fatal("fingerprint ignores accept-encoding")
	}
}
