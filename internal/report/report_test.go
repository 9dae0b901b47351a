package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/engine"
)

func sampleReport() engine.Report {
	return engine.NewReport(engine.Result{
		RunID:           "run-1",
		Download:        120.5,
		Upload:          30.2,
		Ping:            18,
		Jitter:          3,
		IP:              "203.0.113.7",
		ISP:             "Example Net",
		City:            "Lyon",
		Region:          "Auvergne-Rhone-Alpes",
		Country:         "France",
		CountryCode:     "FR",
		Server:          "self",
		Timestamp:       "2026-10-19T10:00:00Z",
		CalculationTime: 7.4,
	})
}

func TestBar(t *testing.T) {
	cases := []struct {
		percent float64
		want    string
	}{
		{0, "░░░░░░░░░░"},
		{50, "█████░░░░░"},
		{100, "██████████"},
		{140, "██████████"},
		{-3, "░░░░░░░░░░"},
	}
	for _, tc := range cases {
		if got := Bar(tc.percent, 10); got != tc.want {
			t.Fatalf("Bar(%v) = %q, want %q", tc.percent, got, tc.want)
		}
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Download:  120 Mbps",
		"(Very Fast)",
		"Upload:    30.2 Mbps",
		"(Good)",
		"Ping:      18 ms",
		"(Excellent)",
		"Lyon, Auvergne-Rhone-Alpes, France (FR)",
		"Run run-1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSONReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := WriteJSON(path, sampleReport()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got engine.Report
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Result.Download != 120.5 || got.Ratings.Download.Label != "Very Fast" {
		t.Fatalf("report = %+v", got)
	}
	if !strings.Contains(string(raw), `"countryCode": "FR"`) {
		t.Fatalf("json missing countryCode: %s", raw)
	}
}

func TestWriteJSONMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "result.json")
	if err := WriteJSON(path, sampleReport()); err == nil {
		t.Fatal("WriteJSON into a missing directory succeeded")
	}
}

func TestProgressThrottlesAndBreaksLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	now := time.Unix(0, 0)
	p.now = func() time.Time { return now }

	p.Update(engine.Update{Phase: engine.PhasePing, Progress: 0})
	p.Update(engine.Update{Phase: engine.PhasePing, Progress: 100, CurrentSpeed: 21})
	p.Update(engine.Update{Phase: engine.PhaseDownload, Progress: 0})
	now = now.Add(10 * time.Millisecond)
	p.Update(engine.Update{Phase: engine.PhaseDownload, Progress: 30, CurrentSpeed: 50})
	now = now.Add(200 * time.Millisecond)
	p.Update(engine.Update{Phase: engine.PhaseDownload, Progress: 60, CurrentSpeed: 55})
	p.Update(engine.Update{Phase: engine.PhaseComplete, Progress: 100})
	p.Finish()

	out := buf.String()
	if strings.Contains(out, " 30%") {
		t.Fatalf("update inside the redraw interval was drawn:\n%q", out)
	}
	for _, want := range []string{"21 ms", " 60%", "55.0 Mbps"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%q", want, out)
		}
	}
	if got := strings.Count(out, "\n"); got != 2 {
		t.Fatalf("newlines = %d, want 2 (phase change and finish)", got)
	}
}

func TestProgressDisabled(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Disable = true
	p.Update(engine.Update{Phase: engine.PhaseDownload, Progress: 50})
	p.Finish()
	if buf.Len() != 0 {
		t.Fatalf("disabled progress wrote %q", buf.String())
	}
}
