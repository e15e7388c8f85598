package model

import "testing"

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateExactLength(t *testing.T) {
	got := Truncate("hello", 5)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateMaxLenThree(t *testing.T) {
	got := Truncate("hello", 3)
	if got != "hel" {
		t.Fatalf("expected 'hel', got %q", got)
	}
}

func TestTruncateEmptyString(t *testing.T) {
	got := Truncate("", 10)
	if got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobFailed, true},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobPending, false},
		{JobSucceeded, JobFailed, false},
		{JobFailed, JobSucceeded, false},
		{JobFailed, JobFailed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobRunning.Terminal() || JobPending.Terminal() {
		t.Fatal("pending/running must not be terminal")
	}
	if !JobSucceeded.Terminal() || !JobFailed.Terminal() {
		t.Fatal("succeeded/failed must be terminal")
	}
}
