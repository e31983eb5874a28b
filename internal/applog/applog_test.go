package applog

import (
	"testing"
)

func TestLoggerRing(t *testing.T) {
	l := New()
	l.SetConsoleOutput(false)
	l.maxEntries = 5

	for i := 0; i < 8; i++ {
		l.Info("test", "message", "detail")
	}

	entries := l.Entries()
	if len(entries) != 5 {
		t.Fatalf("ring kept %d entries, want 5", len(entries))
	}
	for _, e := range entries {
		if e.Level != LevelInfo || e.Source != "test" || e.Details != "detail" {
			t.Errorf("unexpected entry: %+v", e)
		}
	}
}

func TestRecent(t *testing.T) {
	l := New()
	l.SetConsoleOutput(false)
	l.Info("a", "one")
	l.Warn("b", "two")
	l.Error("c", "three")

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(recent))
	}
	if recent[0].Message != "two" || recent[1].Message != "three" {
		t.Errorf("Recent returned wrong window: %+v", recent)
	}

	if got := l.Recent(100); len(got) != 3 {
		t.Errorf("Recent(100) returned %d entries, want 3", len(got))
	}
	if got := l.Recent(-1); len(got) != 0 {
		t.Errorf("Recent(-1) returned %d entries, want 0", len(got))
	}
}

func TestLevelString(t *testing.T) {
	if LevelInfo.String() != "INFO" || LevelWarn.String() != "WARN" || LevelError.String() != "ERROR" {
		t.Error("level strings wrong")
	}
	b, err := LevelError.MarshalJSON()
	if err != nil || string(b) != `"ERROR"` {
		t.Errorf("MarshalJSON = %s, %v", b, err)
	}
}

func TestClear(t *testing.T) {
	l := New()
	l.SetConsoleOutput(false)
	l.Info("x", "y")
	l.Clear()
	if len(l.Entries()) != 0 {
		t.Error("Clear left entries behind")
	}
}
