package sessions

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestIssueValidate(t *testing.T) {
	ok := Issue{Kind: IssueFillerWord, StartMs: 0, EndMs: 10}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok.DurationMs() != 10 {
		t.Fatalf("expected duration 10, got %d", ok.DurationMs())
	}

	bad := []Issue{
		{Kind: IssueFillerWord, StartMs: -1, EndMs: 10},
		{Kind: IssueFillerWord, StartMs: 10, EndMs: 10},
		{Kind: IssueFillerWord, StartMs: 20, EndMs: 10},
		{StartMs: 0, EndMs: 10},
	}
	for _, issue := range bad {
		if err := issue.Validate(); !errors.Is(err, ErrInvalidIssue) {
			t.Fatalf("expected ErrInvalidIssue for %+v, got %v", issue, err)
		}
	}
}

func TestNewScoreClampsAndRounds(t *testing.T) {
	cases := []struct {
		in   float64
		want Score
	}{
		{-3, 0},
		{0.123456, 0.1235},
		{1.7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, c := range cases {
		if got := NewScore(c.in); got != c.want {
			t.Fatalf("NewScore(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestResultValidateRejectsPercentages(t *testing.T) {
	res := &AnalysisResult{}
	res.OverallScores.OverallScore = 87
	if err := res.Validate(); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
	res.OverallScores.OverallScore = NewScore(0.87)
	if err := res.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	trial := Session{Kind: KindTrial, ExpiresAt: &past}
	if !trial.Expired(now) {
		t.Fatalf("expected trial to be expired")
	}
	permanent := Session{Kind: KindSession, ExpiresAt: &past}
	if permanent.Expired(now) {
		t.Fatalf("permanent sessions never expire")
	}
}
