package viewduration

import (
	"testing"
	"time"
)

func checkDuration(t *testing.T, funcName string, want, got time.Duration) {
	t.Helper()
	if want != got {
		t.Fatalf("incorrect view duration after calling %s (want: %d, got: %d)", funcName, want, got)
	}
}

func TestFixed(t *testing.T) {
	want := 100 * time.Microsecond
	vd := NewFixed(want)
	checkDuration(t, "nothing", want, vd.Duration())
	vd.ViewStarted()
	checkDuration(t, "ViewStarted", want, vd.Duration())
	vd.ViewSucceeded()
	checkDuration(t, "ViewSucceeded", want, vd.Duration())
	vd.ViewTimeout()
	checkDuration(t, "ViewTimeout", want, vd.Duration())
}

func TestDynamic(t *testing.T) {
	startTimeout := 100 * time.Millisecond
	maxTimeout := 500 * time.Millisecond
	params := NewParams(5, startTimeout, maxTimeout, 2)

	vd := NewDynamic(params)
	checkDuration(t, "nothing", startTimeout, vd.Duration())
	vd.ViewStarted()
	checkDuration(t, "ViewStarted", startTimeout, vd.Duration())
	vd.ViewTimeout()
	checkDuration(t, "ViewTimeout", 2*startTimeout, vd.Duration())
	// time out enough times to reach the cap
	for i := 0; i < 10; i++ {
		vd.ViewTimeout()
	}
	checkDuration(t, "ViewTimeout 10 times", maxTimeout, vd.Duration())
}
