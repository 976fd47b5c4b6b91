package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestChainedHelpers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Msg("component message")
	WithDocID("doc-1").Warn().Msg("doc message")
	WithWorkerID("w-1").Error().Msg("worker message")
	WithExecutionID("e-1").Debug().Msg("exec message")
	WithStage("E").Info().Msg("stage message")

	out := buf.String()
	for _, want := range []string{
		`"component":"scheduler"`,
		`"doc_id":"doc-1"`,
		`"worker_id":"w-1"`,
		`"execution_id":"e-1"`,
		`"stage":"E"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("pool").Debug().Msg("suppressed line")
	WithComponent("pool").Warn().Msg("visible line")

	out := buf.String()
	if strings.Contains(out, "suppressed line") {
		t.Errorf("debug message leaked through warn level:\n%s", out)
	}
	if !strings.Contains(out, "visible line") {
		t.Errorf("warn message missing:\n%s", out)
	}
}
