package scenario

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/sqfstream/internal/canon"
)

// Render writes the trace as canonical JSON, one event per line.
func Render(res *Result) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range res.Trace {
		line, err := canon.Marshal(map[string]any(ev))
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// AssertGolden compares the rendered trace of res with
// testdata/golden/{res.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
func AssertGolden(t *testing.T, res *Result) {
	t.Helper()

	out, err := Render(res)
	if err != nil {
		t.Fatalf("render trace: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, res.Name, out)
}
