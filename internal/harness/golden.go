package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a run as deterministic text. Fingerprints are replaced
// with fp#N placeholders in order of first appearance, which keeps equality
// between lines visible while staying independent of hash values.
func Snapshot(scenario *Scenario, res *Result) []byte {
	var sb strings.Builder
	redact := newRedactor()

	fmt.Fprintf(&sb, "scenario: %s\n", scenario.Name)
	for i, b := range res.Builds {
		fmt.Fprintf(&sb, "\nbuild %d: roots %s\n", i+1, strings.Join(b.Roots, " "))
		for _, ev := range b.Result.Trace {
			fmt.Fprintf(&sb, "%02d %s/%s %s", ev.Seq, ev.Name, ev.Kind, ev.Event)
			if ev.Detail != "" {
				fmt.Fprintf(&sb, " %s", redact.replace(ev.Detail))
			}
			sb.WriteByte('\n')
		}
		sb.WriteString("jobs:\n")
		for _, j := range b.Result.Jobs {
			fmt.Fprintf(&sb, "%s/%s %s", j.Name, j.Key.Kind, j.State)
			if j.Fingerprint != "" {
				fmt.Fprintf(&sb, " %s", redact.replace(string(j.Fingerprint)))
			}
			sb.WriteByte('\n')
		}
	}
	return []byte(sb.String())
}

// RunWithGolden loads a scenario, runs it, and compares the snapshot
// against testdata/golden/<name>.golden. Regenerate with go test -update.
func RunWithGolden(t *testing.T, scenarioPath string) *Result {
	t.Helper()

	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	res, err := Run(scenario)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Snapshot(scenario, res))
	return res
}

// redactor maps each distinct fingerprint to a stable placeholder.
type redactor struct {
	seen map[string]string
}

func newRedactor() *redactor {
	return &redactor{seen: make(map[string]string)}
}

func (r *redactor) replace(detail string) string {
	if !looksLikeFingerprint(detail) {
		return detail
	}
	if p, ok := r.seen[detail]; ok {
		return p
	}
	p := fmt.Sprintf("fp#%d", len(r.seen)+1)
	r.seen[detail] = p
	return p
}

func looksLikeFingerprint(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
