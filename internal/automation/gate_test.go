package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

type fakeSuppression map[string]bool

func (f fakeSuppression) IsSuppressed(_ context.Context, orgID, email string) (bool, error) {
	return f[orgID+"/"+email], nil
}

type fakeHistory struct {
	hist  domain.SendHistory
	err   error
	calls int
}

func (f *fakeHistory) SendHistory(context.Context, string, string) (domain.SendHistory, error) {
	f.calls++
	return f.hist, f.err
}

func intPtr(n int) *int { return &n }

func newTestGate(supp fakeSuppression, hist *fakeHistory, now time.Time) *Gate {
	g := NewGate(supp, hist)
	g.now = func() time.Time { return now }
	return g
}

func TestGate_SuppressionAlwaysSkips(t *testing.T) {
	contact := testContact()
	supp := fakeSuppression{"org-1/jane.roe@example.com": true}
	hist := &fakeHistory{}
	rule := stageRule("r-1", 10, "")

	d, err := newTestGate(supp, hist, evalNow).Admit(context.Background(), &rule, contact)
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.SkipSuppressed, d.Reason)
	assert.Zero(t, hist.calls, "suppression is checked first")
}

func TestGate_NoLimitsAdmitsWithoutHistory(t *testing.T) {
	hist := &fakeHistory{}
	rule := stageRule("r-1", 10, "")

	d, err := newTestGate(fakeSuppression{}, hist, evalNow).Admit(context.Background(), &rule, testContact())
	require.NoError(t, err)
	assert.True(t, d.Admit)
	assert.Zero(t, hist.calls)
}

func TestGate_MaxSends(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.MaxSendsPerContact = intPtr(2)

	for sent, want := range map[int]bool{0: true, 1: true, 2: false, 3: false} {
		hist := &fakeHistory{hist: domain.SendHistory{SentCount: sent}}
		d, err := newTestGate(fakeSuppression{}, hist, evalNow).Admit(context.Background(), &rule, testContact())
		require.NoError(t, err)
		assert.Equal(t, want, d.Admit, "sent=%d", sent)
		if !want {
			assert.Equal(t, domain.SkipMaxSendsReached, d.Reason)
		}
	}
}

func TestGate_MaxSendsZeroNeverSends(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.MaxSendsPerContact = intPtr(0)

	d, err := newTestGate(fakeSuppression{}, &fakeHistory{}, evalNow).Admit(context.Background(), &rule, testContact())
	require.NoError(t, err)
	assert.Equal(t, domain.SkipMaxSendsReached, d.Reason)
}

func TestGate_Cooldown(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.CooldownPeriodDays = intPtr(7)

	cases := map[string]struct {
		lastSent time.Duration
		admit    bool
	}{
		"inside cooldown": {lastSent: 3 * 24 * time.Hour, admit: false},
		"just inside":     {lastSent: 7*24*time.Hour - time.Second, admit: false},
		"exactly elapsed": {lastSent: 7 * 24 * time.Hour, admit: true},
		"long after":      {lastSent: 30 * 24 * time.Hour, admit: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			last := evalNow.Add(-tc.lastSent)
			hist := &fakeHistory{hist: domain.SendHistory{SentCount: 1, LastSentAt: &last}}
			d, err := newTestGate(fakeSuppression{}, hist, evalNow).Admit(context.Background(), &rule, testContact())
			require.NoError(t, err)
			assert.Equal(t, tc.admit, d.Admit)
			if !tc.admit {
				assert.Equal(t, domain.SkipCooldownActive, d.Reason)
			}
		})
	}
}

func TestGate_NeverSentIgnoresCooldown(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.CooldownPeriodDays = intPtr(7)

	d, err := newTestGate(fakeSuppression{}, &fakeHistory{}, evalNow).Admit(context.Background(), &rule, testContact())
	require.NoError(t, err)
	assert.True(t, d.Admit)
}

func TestGate_MaxSendsCheckedBeforeCooldown(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.MaxSendsPerContact = intPtr(1)
	rule.CooldownPeriodDays = intPtr(7)
	last := evalNow.Add(-time.Hour)
	hist := &fakeHistory{hist: domain.SendHistory{SentCount: 1, LastSentAt: &last}}

	d, err := newTestGate(fakeSuppression{}, hist, evalNow).Admit(context.Background(), &rule, testContact())
	require.NoError(t, err)
	assert.Equal(t, domain.SkipMaxSendsReached, d.Reason)
}

func TestGate_HistoryErrorIsNotAVeto(t *testing.T) {
	rule := stageRule("r-1", 10, "")
	rule.MaxSendsPerContact = intPtr(1)
	hist := &fakeHistory{err: errors.New("connection reset")}

	_, err := newTestGate(fakeSuppression{}, hist, evalNow).Admit(context.Background(), &rule, testContact())
	assert.Error(t, err)
}
