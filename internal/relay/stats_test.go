package relay

import (
	"strings"
	"testing"
)

func TestStatsText_empty(t *testing.T) {
	if got := StatsText(nil); got != "0 publishing points:\n\n" {
		t.Errorf("got %q", got)
	}
}

func TestStatsText(t *testing.T) {
	p := readyPoint(t)
	p.AddSubscriber(newRecorder("10.0.0.2:5000"))
	p.AddSubscriber(newRecorder("10.0.0.1:5000"))
	idle := newTestPoint(DefaultOptions())

	got := StatsText([]*PublishingPoint{p, idle})
	lines := strings.Split(got, "\n")
	if len(lines) != 5 || lines[0] != "2 publishing points:" || lines[3] != "" {
		t.Fatalf("unexpected layout:\n%s", got)
	}
	if !strings.HasPrefix(lines[1], "/live      state=streaming") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[1], "subscribers: 10.0.0.1:5000, 10.0.0.2:5000") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "state=awaiting-preamble") || !strings.HasSuffix(lines[2], "subscribers: none") {
		t.Errorf("line 2 = %q", lines[2])
	}
}
