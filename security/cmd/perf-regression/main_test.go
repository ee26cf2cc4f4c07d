package main

import (
	"strings"
	"testing"
)

const baselineOutput = `goos: linux
BenchmarkValidateEnhanced-8   	  100000	     10000 ns/op	    2048 B/op	      30 allocs/op
BenchmarkValidateEnhanced-8   	  100000	     12000 ns/op	    2048 B/op	      30 allocs/op
BenchmarkValidateLegacy-8     	  100000	      9000 ns/op	    1900 B/op	      28 allocs/op
BenchmarkValidateDegraded-8   	  200000	      3000 ns/op	     900 B/op	      12 allocs/op
BenchmarkRefresh-8            	   50000	     20000 ns/op	    4000 B/op	      60 allocs/op
BenchmarkUntracked-8          	   50000	       100 ns/op
PASS
`

func mustParse(t *testing.T, s string) sampleSet {
	t.Helper()
	set, err := parseBenchmarks(strings.NewReader(s))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return set
}

func TestParseBenchmarksStripsProcsSuffix(t *testing.T) {
	set := mustParse(t, baselineOutput)
	got := set["BenchmarkValidateEnhanced"]["ns/op"]
	if len(got) != 2 || got[0] != 10000 || got[1] != 12000 {
		t.Fatalf("unexpected samples %v", got)
	}
	if _, ok := set["BenchmarkUntracked"]; ok {
		t.Fatal("untracked benchmark should be ignored")
	}
}

func TestCompareWithinThreshold(t *testing.T) {
	base := mustParse(t, baselineOutput)
	if failures := compare(base, base, 0.30, nil); len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
}

func TestCompareFlagsRegressionAndMissing(t *testing.T) {
	base := mustParse(t, baselineOutput)
	candidate := mustParse(t, strings.ReplaceAll(
		strings.ReplaceAll(baselineOutput, "9000 ns/op", "19000 ns/op"),
		"BenchmarkRefresh-8", "BenchmarkRenamed-8",
	))

	failures := compare(base, candidate, 0.30, nil)
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %v", failures)
	}
	if !strings.Contains(failures[0], "missing samples for BenchmarkRefresh") {
		t.Fatalf("unexpected first failure %q", failures[0])
	}
	if !strings.Contains(failures[1], "BenchmarkValidateLegacy ns/op regressed") {
		t.Fatalf("unexpected second failure %q", failures[1])
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("odd median = %v", got)
	}
	if got := median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Fatalf("even median = %v", got)
	}
}
