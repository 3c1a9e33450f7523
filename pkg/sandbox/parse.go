package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// TestReport is the parsed outcome of a test run. Fields mirror what the
// tester publishes in its results event.
type TestReport struct {
	OK       bool    `json:"ok"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Output   string  `json:"output,omitempty"`
}

var (
	pytestCountRe    = regexp.MustCompile(`(\d+) (passed|failed|skipped|error)`)
	pytestCoverageRe = regexp.MustCompile(`(?m)^TOTAL\s+\d+\s+\d+\s+(\d+)%`)

	jestLineRe     = regexp.MustCompile(`(?m)^Tests:\s+(.+)$`)
	jestCountRe    = regexp.MustCompile(`(\d+) (passed|failed|skipped)`)
	jestCoverageRe = regexp.MustCompile(`(?m)^All files\s*\|\s*([\d.]+)`)
)

// pytestNoTestsExit is pytest's exit code when collection finds nothing.
const pytestNoTestsExit = 5

// parsePytest reads pytest's terminal summary. Counts come from the final
// "N passed, M failed" line; coverage from the pytest-cov TOTAL row when
// present.
func parsePytest(res *RunResult) TestReport {
	report := TestReport{Output: res.Stdout}
	if res.TimedOut {
		report.Reason = "timeout"
		return report
	}
	if res.ExitCode == pytestNoTestsExit {
		// Nothing to run is not a failure: the results event reports ok
		// with zero counts so the pipeline proceeds to review.
		report.OK = true
		report.Reason = "no tests collected"
		return report
	}

	for _, m := range pytestCountRe.FindAllStringSubmatch(res.Stdout, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed":
			report.Passed = n
		case "failed":
			report.Failed = n
		case "skipped":
			report.Skipped = n
		case "error":
			report.Failed += n
		}
	}
	if m := pytestCoverageRe.FindStringSubmatch(res.Stdout); m != nil {
		report.Coverage, _ = strconv.ParseFloat(m[1], 64)
	}

	report.OK = res.ExitCode == 0 && report.Failed == 0
	if !report.OK && report.Reason == "" {
		report.Reason = "tests failed"
	}
	return report
}

// parseJest reads jest's "Tests:" summary line. Jest writes its summary to
// stderr, so both streams are scanned.
func parseJest(res *RunResult) TestReport {
	out := res.Stdout + "\n" + res.Stderr
	report := TestReport{Output: out}
	if res.TimedOut {
		report.Reason = "timeout"
		return report
	}
	if strings.Contains(out, "No tests found") {
		report.OK = true
		report.Reason = "no tests found"
		return report
	}

	if line := jestLineRe.FindStringSubmatch(out); line != nil {
		for _, m := range jestCountRe.FindAllStringSubmatch(line[1], -1) {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passed":
				report.Passed = n
			case "failed":
				report.Failed = n
			case "skipped":
				report.Skipped = n
			}
		}
	}
	if m := jestCoverageRe.FindStringSubmatch(out); m != nil {
		report.Coverage, _ = strconv.ParseFloat(m[1], 64)
	}

	report.OK = res.ExitCode == 0 && report.Failed == 0
	if !report.OK && report.Reason == "" {
		report.Reason = "tests failed"
	}
	return report
}

// LintReport is the parsed outcome of a linter run.
type LintReport struct {
	OK       bool   `json:"ok"`
	Findings string `json:"findings,omitempty"`
}

func parseLint(res *RunResult) LintReport {
	findings := strings.TrimSpace(res.Stdout)
	if findings == "" {
		findings = strings.TrimSpace(res.Stderr)
	}
	return LintReport{OK: res.ExitCode == 0 && !res.TimedOut, Findings: findings}
}
