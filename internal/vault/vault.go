// Package vault mints, validates and retires single-use survey tokens.
//
// A token is 24 bytes from crypto/rand, base64url encoded without padding
// (32 characters). Validation applies two device throttles before looking
// at the token: too many failures in the long window, or too many attempts
// of any kind in the short window. Every attempt is written to the attempt
// ledger together with the token's failure bookkeeping.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

var (
	ErrInvalid         = errors.New("vault: invalid token")
	ErrAlreadyUsed     = errors.New("vault: token already used")
	ErrSurveyInactive  = errors.New("vault: survey inactive")
	ErrExpired         = errors.New("vault: token expired")
	ErrThrottledDevice = errors.New("vault: device throttled")
	ErrThrottledRate   = errors.New("vault: rate throttled")
)

// Reason returns the ledger reason for a vault error, or "" for nil and
// unknown errors.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrSurveyInactive):
		return "survey_inactive"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrThrottledDevice):
		return "throttled_device"
	case errors.Is(err, ErrThrottledRate):
		return "throttled_rate"
	default:
		return ""
	}
}

const tokenBytes = 24

// ReasonSurveyClosed is the expired_reason written when a survey closes.
const ReasonSurveyClosed = "survey_closed"

type Options struct {
	TokenTTL      time.Duration
	MaxFailed     int
	FailureWindow time.Duration
	MaxRequests   int
	RateWindow    time.Duration
	PurgeAfter    time.Duration
}

func DefaultOptions() Options {
	return Options{
		TokenTTL:      14 * 24 * time.Hour,
		MaxFailed:     5,
		FailureWindow: 60 * time.Minute,
		MaxRequests:   10,
		RateWindow:    5 * time.Minute,
		PurgeAfter:    30 * 24 * time.Hour,
	}
}

// Store is what the vault reads and writes.
type Store interface {
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	InsertToken(ctx context.Context, token store.SurveyToken) (store.SurveyToken, bool, error)
	GetToken(ctx context.Context, token string) (store.SurveyToken, error)
	ConsumeToken(ctx context.Context, token string, at time.Time) (store.SurveyToken, error)
	RecordTokenAttempt(ctx context.Context, attempt store.TokenAttempt) error
	CountTokenAttempts(ctx context.Context, surveyID, fingerprint string, since time.Time, failuresOnly bool) (int, error)
	ExpireSurveyTokens(ctx context.Context, surveyID, reason string, at time.Time) (int, error)
	TokenStats(ctx context.Context, surveyID string) (store.TokenStats, error)
	PurgeTokens(ctx context.Context, before time.Time) (int, error)
}

// Device is the request metadata used for throttling.
type Device struct {
	IP             string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// Fingerprint is the hex SHA-256 of ip:ua:accept_language:accept_encoding.
func (d Device) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.IP + ":" + d.UserAgent + ":" + d.AcceptLanguage + ":" + d.AcceptEncoding))
	return hex.EncodeToString(sum[:])
}

type Vault struct {
	store      Store
	clock      clock.Clock
	opts       Options
	pseudonyms *Pseudonymizer
	observe    func(outcome string)
}

func New(st Store, clk clock.Clock, pseudonyms *Pseudonymizer, opts Options) *Vault {
	defaults := DefaultOptions()
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaults.TokenTTL
	}
	if opts.MaxFailed <= 0 {
		opts.MaxFailed = defaults.MaxFailed
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = defaults.FailureWindow
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = defaults.MaxRequests
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaults.RateWindow
	}
	if opts.PurgeAfter <= 0 {
		opts.PurgeAfter = defaults.PurgeAfter
	}
	return &Vault{store: st, clock: clk, opts: opts, pseudonyms: pseudonyms}
}

// OnOutcome registers a hook that receives "ok" or a failure reason for
// every validation and consume.
func (v *Vault) OnOutcome(fn func(outcome string)) {
	v.observe = fn
}

func (v *Vault) Pseudonyms() *Pseudonymizer { return v.pseudonyms }

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Mint issues a token for (survey, team). pseudonym may be empty; when set,
// minting is idempotent and the existing token for that pseudonym is
// returned with created=false.
func (v *Vault) Mint(ctx context.Context, surveyID, teamID, pseudonym string) (store.SurveyToken, bool, error) {
	survey, err := v.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.SurveyToken{}, false, fmt.Errorf("mint: %w", err)
	}
	value, err := newToken()
	if err != nil {
		return store.SurveyToken{}, false, err
	}
	now := v.clock.Now()
	expires := now.Add(v.opts.TokenTTL)
	if survey.ClosesAt.Before(expires) {
		expires = survey.ClosesAt
	}
	token, created, err := v.store.InsertToken(ctx, store.SurveyToken{
		Token:             value,
		SurveyID:          surveyID,
		TeamID:            teamID,
		EmployeePseudonym: pseudonym,
		ExpiresAt:         expires,
		CreatedAt:         now,
	})
	if err != nil {
		return store.SurveyToken{}, false, fmt.Errorf("mint: %w", err)
	}
	return token, created, nil
}

// MintForEmployee mints a token bound to the keyed pseudonym of an
// employee. The raw employee id is never persisted.
func (v *Vault) MintForEmployee(ctx context.Context, orgID, surveyID, teamID, employeeID string) (store.SurveyToken, bool, error) {
	if v.pseudonyms == nil {
		return store.SurveyToken{}, false, errors.New("vault: no pseudonymizer configured")
	}
	return v.Mint(ctx, surveyID, teamID, v.pseudonyms.Pseudonym(orgID, employeeID))
}

// Validate checks a token for surveyID on behalf of device and returns the
// token (and so its team) when it may be redeemed. It does not consume.
func (v *Vault) Validate(ctx context.Context, token, surveyID string, device Device) (store.SurveyToken, error) {
	now := v.clock.Now()
	fingerprint := device.Fingerprint()

	failures, err := v.store.CountTokenAttempts(ctx, surveyID, fingerprint, now.Add(-v.opts.FailureWindow), true)
	if err != nil {
		return store.SurveyToken{}, fmt.Errorf("count failures: %w", err)
	}
	if failures >= v.opts.MaxFailed {
		return store.SurveyToken{}, v.record(ctx, surveyID, "", fingerprint, now, ErrThrottledDevice)
	}
	attempts, err := v.store.CountTokenAttempts(ctx, surveyID, fingerprint, now.Add(-v.opts.RateWindow), false)
	if err != nil {
		return store.SurveyToken{}, fmt.Errorf("count attempts: %w", err)
	}
	if attempts >= v.opts.MaxRequests {
		return store.SurveyToken{}, v.record(ctx, surveyID, "", fingerprint, now, ErrThrottledRate)
	}

	item, err := v.store.GetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) || (err == nil && item.SurveyID != surveyID) {
		return store.SurveyToken{}, v.record(ctx, surveyID, "", fingerprint, now, ErrInvalid)
	}
	if err != nil {
		return store.SurveyToken{}, fmt.Errorf("load token: %w", err)
	}
	if reason := tokenState(item, now); reason != nil {
		return item, v.record(ctx, surveyID, token, fingerprint, now, reason)
	}

	survey, err := v.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.SurveyToken{}, fmt.Errorf("load survey: %w", err)
	}
	if survey.Status != store.SurveyActive || now.Before(survey.OpensAt) || !now.Before(survey.ClosesAt) {
		return item, v.record(ctx, surveyID, token, fingerprint, now, ErrSurveyInactive)
	}

	if err := v.record(ctx, surveyID, token, fingerprint, now, nil); err != nil {
		return store.SurveyToken{}, err
	}
	return item, nil
}

func tokenState(item store.SurveyToken, now time.Time) error {
	switch {
	case item.Used:
		return ErrAlreadyUsed
	case item.ExpiredReason != "" || !now.Before(item.ExpiresAt):
		return ErrExpired
	default:
		return nil
	}
}

// Consume marks the token used. Concurrent consumers race on a single
// conditional update: exactly one wins, the rest get ErrAlreadyUsed.
func (v *Vault) Consume(ctx context.Context, token string, device Device) (store.SurveyToken, error) {
	now := v.clock.Now()
	item, err := v.store.ConsumeToken(ctx, token, now)
	return v.Settle(ctx, token, device, now, item, err)
}

// Settle records the outcome of a consume performed by the caller, such as
// the response transaction, and maps store.ErrTokenUnavailable to the
// matching vault error.
func (v *Vault) Settle(ctx context.Context, token string, device Device, at time.Time, current store.SurveyToken, consumeErr error) (store.SurveyToken, error) {
	fingerprint := device.Fingerprint()
	if consumeErr == nil {
		return current, v.record(ctx, current.SurveyID, token, fingerprint, at, nil)
	}
	if !errors.Is(consumeErr, store.ErrTokenUnavailable) {
		return current, consumeErr
	}
	if current.Token == "" {
		return current, v.record(ctx, "", "", fingerprint, at, ErrInvalid)
	}
	reason := tokenState(current, at)
	if reason == nil {
		// Lost a race against a survey mismatch or a concurrent expiry.
		reason = ErrInvalid
	}
	return current, v.record(ctx, current.SurveyID, token, fingerprint, at, reason)
}

// record writes the attempt and returns outcome unchanged, or the write
// error when recording fails.
func (v *Vault) record(ctx context.Context, surveyID, token, fingerprint string, at time.Time, outcome error) error {
	attempt := store.TokenAttempt{
		SurveyID:    surveyID,
		Token:       token,
		Fingerprint: fingerprint,
		At:          at,
		Success:     outcome == nil,
		Reason:      Reason(outcome),
	}
	if err := v.store.RecordTokenAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record token attempt: %w", err)
	}
	if v.observe != nil {
		label := attempt.Reason
		if attempt.Success {
			label = "ok"
		}
		v.observe(label)
	}
	return outcome
}

// ExpireAll retires every unused token of a survey.
func (v *Vault) ExpireAll(ctx context.Context, surveyID, reason string) (int, error) {
	n, err := v.store.ExpireSurveyTokens(ctx, surveyID, reason, v.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire tokens: %w", err)
	}
	return n, nil
}

func (v *Vault) Stats(ctx context.Context, surveyID string) (store.TokenStats, error) {
	return v.store.TokenStats(ctx, surveyID)
}

// Purge deletes tokens retired more than PurgeAfter ago.
func (v *Vault) Purge(ctx context.Context) (int, error) {
	n, err := v.store.PurgeTokens(ctx, v.clock.Now().Add(-v.opts.PurgeAfter))
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return n, nil
}
