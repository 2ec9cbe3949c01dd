package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/report"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := a.rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAggregateCommand(t *testing.T) {
	data := t.TempDir()
	header := "device,timestamp,session_id,model,input_tokens,output_tokens\n"
	writeFile(t, filepath.Join(data, "A", report.EventsFile), header+"A,2024-01-01T00:10:00Z,s1,claude-opus-4,100,10\n")
	writeFile(t, filepath.Join(data, "B", report.EventsFile), header+
		"B,2024-01-01T00:10:00Z,s1,claude-opus-4,100,10\n"+
		"B,2024-01-01T06:00:00Z,s2,claude-opus-4,300,30\n")
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, "aggregate", "--data-dir", data, "--out", outDir, "--limit", "1000", "--weekly-limit", "4400")
	if err != nil {
		t.Fatalf("aggregate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "canonical") || !strings.Contains(out, "440") {
		t.Fatalf("summary output = %s", out)
	}
	blocks, err := os.ReadFile(filepath.Join(outDir, report.BlocksFile))
	if err != nil {
		t.Fatalf("read blocks: %v", err)
	}
	if !strings.Contains(string(blocks), "2024-01-01T00:00:00Z,100,10,0,0,110,11.00,1000,\"A,B\",claude-opus-4\n") {
		t.Fatalf("block_usage.csv = %s", blocks)
	}
	weekly, err := os.ReadFile(filepath.Join(outDir, report.WeeklyFile))
	if err != nil {
		t.Fatalf("read weekly: %v", err)
	}
	if !strings.Contains(string(weekly), "2024-01-01,440,10.00,1,2,4400,\"A,B\"\n") {
		t.Fatalf("weekly_usage.csv = %s", weekly)
	}
}

func TestAggregateCommand_PositionalDevices(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "desk.csv"), "timestamp,session_id,input_tokens\n2024-01-01T00:10:00Z,s1,5\n")
	outDir := t.TempDir()

	if out, err := execute(t, "aggregate", "--out", outDir, "laptop="+filepath.Join(root, "desk.csv")); err != nil {
		t.Fatalf("aggregate: %v\n%s", err, out)
	}
	daily, err := os.ReadFile(filepath.Join(outDir, report.DailyFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(daily), "2024-01-01,5,1,1,laptop\n") {
		t.Fatalf("daily_usage.csv = %s", daily)
	}
}

func TestAggregateCommand_NoData(t *testing.T) {
	data := t.TempDir()
	if err := os.MkdirAll(filepath.Join(data, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "aggregate", "--data-dir", data, "--out", t.TempDir())
	if !errors.Is(err, core.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestAggregateCommand_BadPolicy(t *testing.T) {
	if _, err := execute(t, "aggregate", "--data-dir", t.TempDir(), "--policy", "median"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := parseDuration("750ms"); err != nil || d.Milliseconds() != 750 {
		t.Fatalf("parseDuration(750ms) = %v, %v", d, err)
	}
	for _, bad := range []string{"0s", "-1s", "soon"} {
		if _, err := parseDuration(bad); err == nil {
			t.Fatalf("parseDuration(%q) should fail", bad)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "fleetusage dev") {
		t.Fatalf("version output = %q", out)
	}
}

func TestFormatTokens(t *testing.T) {
	tests := map[int64]string{
		0:         "0",
		999:       "999",
		1000:      "1,000",
		100000:    "100,000",
		1234567:   "1,234,567",
		-77000000: "-77,000,000",
	}
	for in, want := range tests {
		if got := formatTokens(in); got != want {
			t.Errorf("formatTokens(%d) = %q, want %q", in, got, want)
		}
	}
}
