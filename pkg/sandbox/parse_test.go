package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePytest_Passing(t *testing.T) {
	res := &RunResult{
		ExitCode: 0,
		Stdout: `collected 5 items

test_app.py::test_create PASSED
test_app.py::test_list PASSED

---------- coverage ----------
Name         Stmts   Miss  Cover
------------------------------------
app.py          40      6    85%
------------------------------------
TOTAL           40      6    85%

========== 4 passed, 1 skipped in 0.31s ==========
`,
	}

	report := parsePytest(res)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Passed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 85.0, report.Coverage)
	assert.Empty(t, report.Reason)
}

func TestParsePytest_Failing(t *testing.T) {
	res := &RunResult{
		ExitCode: 1,
		Stdout:   "========== 2 failed, 3 passed in 0.40s ==========\n",
	}

	report := parsePytest(res)
	assert.False(t, report.OK)
	assert.Equal(t, 3, report.Passed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, "tests failed", report.Reason)
}

func TestParsePytest_CollectionErrorsCountAsFailures(t *testing.T) {
	res := &RunResult{
		ExitCode: 1,
		Stdout:   "========== 1 error in 0.05s ==========\n",
	}

	report := parsePytest(res)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.Failed)
}

func TestParsePytest_NoTests(t *testing.T) {
	res := &RunResult{
		ExitCode: pytestNoTestsExit,
		Stdout:   "collected 0 items\n",
	}

	// An app shipped without tests passes with zero counts; only the
	// reason records that nothing ran.
	report := parsePytest(res)
	assert.True(t, report.OK)
	assert.Equal(t, "no tests collected", report.Reason)
	assert.Zero(t, report.Passed)
	assert.Zero(t, report.Failed)
}

func TestParsePytest_Timeout(t *testing.T) {
	report := parsePytest(&RunResult{ExitCode: timeoutExitCode, TimedOut: true})
	assert.False(t, report.OK)
	assert.Equal(t, "timeout", report.Reason)
}

func TestParseJest_Passing(t *testing.T) {
	res := &RunResult{
		ExitCode: 0,
		Stderr: `PASS ./app.test.js

Tests:       1 skipped, 6 passed, 7 total
Snapshots:   0 total
Time:        1.2 s
`,
		Stdout: `----------|---------|----------|---------|---------|
File      | % Stmts | % Branch | % Funcs | % Lines |
----------|---------|----------|---------|---------|
All files |   92.31 |    83.33 |     100 |   92.31 |
----------|---------|----------|---------|---------|
`,
	}

	report := parseJest(res)
	assert.True(t, report.OK)
	assert.Equal(t, 6, report.Passed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 92.31, report.Coverage)
}

func TestParseJest_Failing(t *testing.T) {
	res := &RunResult{
		ExitCode: 1,
		Stderr:   "Tests:       2 failed, 4 passed, 6 total\n",
	}

	report := parseJest(res)
	assert.False(t, report.OK)
	assert.Equal(t, 4, report.Passed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, "tests failed", report.Reason)
}

func TestParseJest_NoTests(t *testing.T) {
	res := &RunResult{
		ExitCode: 1,
		Stderr:   "No tests found, exiting with code 1\n",
	}

	report := parseJest(res)
	assert.True(t, report.OK)
	assert.Equal(t, "no tests found", report.Reason)
	assert.Zero(t, report.Passed)
	assert.Zero(t, report.Failed)
}

func TestParseLint(t *testing.T) {
	clean := parseLint(&RunResult{ExitCode: 0})
	assert.True(t, clean.OK)
	assert.Empty(t, clean.Findings)

	dirty := parseLint(&RunResult{
		ExitCode: 1,
		Stdout:   "./app.py:3:1: F401 'os' imported but unused\n",
	})
	assert.False(t, dirty.OK)
	assert.Contains(t, dirty.Findings, "F401")
}
