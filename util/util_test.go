package util_test

import (
	"testing"

	"github.com/nasa-jpl/ideactl/util"
)

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestIntSliceToCSVEmpty(t *testing.T) {
	if out := util.IntSliceToCSV(nil); out != "" {
		t.Errorf("expected empty string got %q", out)
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: -1, Max: 1}
	cases := map[float64]bool{-2: false, -1: true, 0: true, 1: true, 1.0001: false}
	for in, want := range cases {
		if got := l.Check(in); got != want {
			t.Errorf("Check(%f) = %v, expected %v", in, got, want)
		}
	}
}
