package testexec

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"
)

// TestCase is one executed test with its outcome.
type TestCase struct {
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Screenshot   string        `json:"screenshot,omitempty"`
	Trace        string        `json:"trace,omitempty"`
}

// TestRun aggregates one pytest invocation. ArtifactDir, when set, is
// the retained workspace holding the screenshots and traces the cases
// reference by name; the caller owns its cleanup.
type TestRun struct {
	Total        int           `json:"total"`
	Passed       int           `json:"passed"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	TestCases    []TestCase    `json:"test_cases"`
	Duration     time.Duration `json:"duration"`
	ArtifactDir  string        `json:"artifact_dir,omitempty"`
	ErrorSummary string        `json:"error_summary,omitempty"`
	Success      bool          `json:"success"`
}

// finalize derives the aggregate fields from the case list. Success
// requires at least one test and zero failures.
func (r *TestRun) finalize() {
	r.Total = len(r.TestCases)
	r.Passed, r.Failed, r.Skipped = 0, 0, 0
	var failures []string
	for _, tc := range r.TestCases {
		switch tc.Status {
		case "passed":
			r.Passed++
		case "skipped":
			r.Skipped++
		default:
			r.Failed++
			if tc.ErrorMessage != "" {
				failures = append(failures, fmt.Sprintf("%s: %s", tc.Name, firstLine(tc.ErrorMessage)))
			} else {
				failures = append(failures, tc.Name)
			}
		}
	}
	if len(failures) > 0 {
		r.ErrorSummary = strings.Join(failures, "; ")
	}
	r.Success = r.Total > 0 && r.Failed == 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// jsonReport mirrors the pytest-json-report output we consume.
type jsonReport struct {
	Duration float64 `json:"duration"`
	Tests    []struct {
		NodeID  string  `json:"nodeid"`
		Outcome string  `json:"outcome"`
		Call    misstep `json:"call"`
		Setup   misstep `json:"setup"`
	} `json:"tests"`
}

type misstep struct {
	Duration float64 `json:"duration"`
	Longrepr string  `json:"longrepr"`
	Crash    struct {
		Message string `json:"message"`
	} `json:"crash"`
}

// parseJSONReport reads a pytest-json-report file into a TestRun.
func parseJSONReport(path string) (*TestRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report jsonReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("json report: %w", err)
	}

	run := &TestRun{Duration: secondsToDuration(report.Duration)}
	for _, t := range report.Tests {
		tc := TestCase{
			Name:     shortName(t.NodeID),
			Status:   t.Outcome,
			Duration: secondsToDuration(t.Call.Duration + t.Setup.Duration),
		}
		if t.Outcome != "passed" && t.Outcome != "skipped" {
			tc.ErrorMessage = t.Call.Crash.Message
			if tc.ErrorMessage == "" {
				tc.ErrorMessage = t.Call.Longrepr
			}
			if tc.ErrorMessage == "" {
				tc.ErrorMessage = t.Setup.Crash.Message
			}
		}
		run.TestCases = append(run.TestCases, tc)
	}
	run.finalize()
	return run, nil
}

// junitSuites covers both <testsuites> roots and a bare <testsuite>.
type junitSuites struct {
	Suites []junitSuite `xml:"testsuite"`
	junitSuite
}

type junitSuite struct {
	Time  float64     `xml:"time,attr"`
	Cases []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name    string        `xml:"name,attr"`
	Time    float64       `xml:"time,attr"`
	Failure *junitFailure `xml:"failure"`
	Error   *junitFailure `xml:"error"`
	Skipped *junitFailure `xml:"skipped"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// parseJUnitReport is the fallback when the JSON report is missing,
// e.g. when pytest-json-report is not installed on the runner.
func parseJUnitReport(path string) (*TestRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc junitSuites
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("junit report: %w", err)
	}

	suites := doc.Suites
	if len(suites) == 0 && len(doc.Cases) > 0 {
		suites = []junitSuite{doc.junitSuite}
	}

	run := &TestRun{}
	for _, suite := range suites {
		run.Duration += secondsToDuration(suite.Time)
		for _, c := range suite.Cases {
			tc := TestCase{
				Name:     c.Name,
				Status:   "passed",
				Duration: secondsToDuration(c.Time),
			}
			switch {
			case c.Failure != nil:
				tc.Status = "failed"
				tc.ErrorMessage = junitMessage(c.Failure)
			case c.Error != nil:
				tc.Status = "failed"
				tc.ErrorMessage = junitMessage(c.Error)
			case c.Skipped != nil:
				tc.Status = "skipped"
			}
			run.TestCases = append(run.TestCases, tc)
		}
	}
	run.finalize()
	return run, nil
}

func junitMessage(f *junitFailure) string {
	if f.Message != "" {
		return f.Message
	}
	return strings.TrimSpace(f.Body)
}

// shortName strips the file prefix from a pytest nodeid.
func shortName(nodeID string) string {
	if i := strings.LastIndex(nodeID, "::"); i >= 0 {
		return nodeID[i+2:]
	}
	return nodeID
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
