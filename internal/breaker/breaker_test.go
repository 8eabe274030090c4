package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

var testSettings = Settings{
	FailureThreshold:  5,
	SuccessThreshold:  1,
	Cooldown:          100 * time.Millisecond,
	HalfOpenMaxTrials: 1,
}

func mustAllow(t *testing.T, reg *Registry, host string, s Settings) func(bool) {
	t.Helper()
	done, err := reg.Allow(host, s)
	if err != nil {
		t.Fatalf("Allow(%s): unexpected %v", host, err)
	}
	return done
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewRegistry(nil)
	const host = "flaky.example.com"

	for i := 0; i < 5; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	if got := reg.State(host); got != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", got)
	}

	// The next call is fast-failed with no admission.
	done, err := reg.Allow(host, testSettings)
	if err == nil {
		done(true)
		t.Fatal("expected CIRCUIT_OPEN, call was admitted")
	}
	if kind := types.KindOf(err); kind != types.KindCircuitOpen {
		t.Fatalf("expected kind %s, got %s", types.KindCircuitOpen, kind)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	reg := NewRegistry(nil)
	const host = "wobbly.example.com"

	for i := 0; i < 4; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	mustAllow(t, reg, host, testSettings)(true)
	// Four more failures must not trip a threshold of five.
	for i := 0; i < 4; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	if got := reg.State(host); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	reg := NewRegistry(nil)
	const host = "recovering.example.com"

	for i := 0; i < 5; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	time.Sleep(testSettings.Cooldown + 20*time.Millisecond)

	done := mustAllow(t, reg, host, testSettings)
	if got := reg.State(host); got != StateHalfOpen {
		t.Fatalf("state during trial = %s, want half_open", got)
	}
	done(true)

	if got := reg.State(host); got != StateClosed {
		t.Fatalf("state after trial success = %s, want closed", got)
	}
	snap, ok := reg.Snapshot(host)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.ConsecutiveFailures != 0 || snap.ConsecutiveSuccesses != 0 {
		t.Fatalf("counters not cleared on close: %+v", snap)
	}
}

func TestHalfOpenTrialFailureReopensAndRestartsCooldown(t *testing.T) {
	reg := NewRegistry(nil)
	const host = "relapsing.example.com"

	for i := 0; i < 5; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	time.Sleep(testSettings.Cooldown + 20*time.Millisecond)

	mustAllow(t, reg, host, testSettings)(false)
	if got := reg.State(host); got != StateOpen {
		t.Fatalf("state after trial failure = %s, want open", got)
	}

	// Cooldown restarted: an immediate call is still fast-failed.
	if _, err := reg.Allow(host, testSettings); types.KindOf(err) != types.KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN during restarted cooldown, got %v", err)
	}

	time.Sleep(testSettings.Cooldown + 20*time.Millisecond)
	mustAllow(t, reg, host, testSettings)(true)
	if got := reg.State(host); got != StateClosed {
		t.Fatalf("state after second trial success = %s, want closed", got)
	}
}

func TestHalfOpenBoundsConcurrentTrials(t *testing.T) {
	settings := testSettings
	settings.HalfOpenMaxTrials = 2
	settings.SuccessThreshold = 2
	reg := NewRegistry(nil)
	const host = "trials.example.com"

	for i := 0; i < 5; i++ {
		mustAllow(t, reg, host, settings)(false)
	}
	time.Sleep(settings.Cooldown + 20*time.Millisecond)

	first := mustAllow(t, reg, host, settings)
	second := mustAllow(t, reg, host, settings)
	// Third concurrent caller exceeds the trial budget.
	if _, err := reg.Allow(host, settings); types.KindOf(err) != types.KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN for excess trial, got %v", err)
	}

	first(true)
	second(true)
	if got := reg.State(host); got != StateClosed {
		t.Fatalf("state after both trials succeeded = %s, want closed", got)
	}
}

func TestHostsAreIndependent(t *testing.T) {
	reg := NewRegistry(nil)
	for i := 0; i < 5; i++ {
		mustAllow(t, reg, "down.example.com", testSettings)(false)
	}
	if got := reg.State("down.example.com"); got != StateOpen {
		t.Fatalf("down host state = %s, want open", got)
	}
	if got := reg.State("up.example.com"); got != StateClosed {
		t.Fatalf("unrelated host state = %s, want closed", got)
	}
	mustAllow(t, reg, "up.example.com", testSettings)(true)
}

func TestTransitionsAreReported(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	reg := NewRegistry(func(host string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})
	const host = "observed.example.com"

	for i := 0; i < 5; i++ {
		mustAllow(t, reg, host, testSettings)(false)
	}
	time.Sleep(testSettings.Cooldown + 20*time.Millisecond)
	mustAllow(t, reg, host, testSettings)(true)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestConcurrentFailuresOpenExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	opens := 0
	reg := NewRegistry(func(host string, from, to State) {
		if to == StateOpen {
			mu.Lock()
			opens++
			mu.Unlock()
		}
	})
	const host = "stampede.example.com"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := reg.Allow(host, testSettings)
			if err == nil {
				done(false)
			}
		}()
	}
	wg.Wait()

	if got := reg.State(host); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if opens != 1 {
		t.Fatalf("closed>open fired %d times, want exactly 1", opens)
	}
}
