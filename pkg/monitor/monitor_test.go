package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader returns a fixed sequence of outputs, repeating the last one.
type scriptedReader struct {
	mu      sync.Mutex
	outputs []string
	errs    []error
	calls   int
}

func (r *scriptedReader) Read(_ context.Context, _ string, _ int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.calls
	r.calls++

	if index < len(r.errs) && r.errs[index] != nil {
		return "", r.errs[index]
	}

	if len(r.outputs) == 0 {
		return "", nil
	}

	if index >= len(r.outputs) {
		index = len(r.outputs) - 1
	}

	return r.outputs[index], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitForState(t *testing.T, m *Monitor, want State) {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		if m.State() == want {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("monitor never reached state %s, stuck at %s", want, m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDetectSimpleIgnoresEarlierTurns(t *testing.T) {
	// The keyword from a previous agent turn must not satisfy the wait for
	// the current turn.
	buffer := "> do X\n● done\n> do Y\n● working"

	assert.False(t, detectSimple(buffer, "done"))
	assert.True(t, detectSimple(buffer, "working"))
}

func TestDetectSimpleStopsAtInputBox(t *testing.T) {
	buffer := "> summarize\n● thinking about it\n╭─ input ─╮\nDONE typed but not sent"

	assert.False(t, detectSimple(buffer, "DONE"))
	assert.True(t, detectSimple(buffer, "thinking"))
}

func TestDetectSimpleCaseInsensitive(t *testing.T) {
	buffer := "> go\n● All Done Here"

	assert.True(t, detectSimple(buffer, "all done"))
}

func TestDetectSimpleNoResponseYet(t *testing.T) {
	assert.False(t, detectSimple("> do the thing, then print DONE", "DONE"))
}

func TestDetectSimpleUnstructuredBuffer(t *testing.T) {
	// Without any turn markers the whole buffer is searched.
	assert.True(t, detectSimple("plain log output with MARKER inside", "MARKER"))
	assert.False(t, detectSimple("plain log output", "MARKER"))
}

func TestDetectTaskScopedWindow(t *testing.T) {
	old := "T1_DONE\n" + strings.Repeat("filler\n", 25)

	assert.False(t, detectTaskScoped(old, "T1_DONE"))
	assert.True(t, detectTaskScoped(old+"T2_DONE", "T2_DONE"))

	// Exact matching: case differences do not count.
	assert.False(t, detectTaskScoped("t2_done", "T2_DONE"))
}

func TestMonitorDetects(t *testing.T) {
	reader := &scriptedReader{outputs: []string{
		"> run tests",
		"> run tests\n● running",
		"> run tests\n● running\n● ALL_GREEN",
	}}

	detected := make(chan string, 1)

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "ALL_GREEN",
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
		OnDetected:   func(buffer string) { detected <- buffer },
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case buffer := <-detected:
		assert.Contains(t, buffer, "ALL_GREEN")
	case <-time.After(2 * time.Second):
		t.Fatal("keyword never detected")
	}

	waitForState(t, m, StateDetected)
}

func TestMonitorTimeoutAlwaysFires(t *testing.T) {
	// Poll errors must not delay or suppress the deadline.
	reader := &scriptedReader{errs: []error{
		errors.New("read failed"), errors.New("read failed"), errors.New("read failed"),
	}}

	timedOut := make(chan struct{}, 1)
	errCount := 0

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "NEVER",
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
		OnTimeout:    func() { timedOut <- struct{}{} },
		OnError:      func(error) { errCount++ },
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	waitForState(t, m, StateTimedOut)
	assert.Positive(t, errCount)
}

func TestMonitorReadErrorsTolerated(t *testing.T) {
	// A failed poll is retried; detection still happens afterwards.
	reader := &scriptedReader{
		outputs: []string{"", "", "● FOUND_IT"},
		errs:    []error{errors.New("transient")},
	}

	detected := make(chan string, 1)

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "FOUND_IT",
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
		OnDetected:   func(buffer string) { detected <- buffer },
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case <-detected:
	case <-time.After(2 * time.Second):
		t.Fatal("keyword never detected after transient error")
	}
}

func TestMonitorZeroTimeoutNeverExpires(t *testing.T) {
	reader := &scriptedReader{outputs: []string{"no keyword here"}}

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "NEVER",
		PollInterval: 5 * time.Millisecond,
		Timeout:      0,
		OnTimeout:    func() { t.Error("timeout fired with zero timeout") },
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateRunning, m.State())

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
}

func TestMonitorStopIdempotent(t *testing.T) {
	reader := &scriptedReader{outputs: []string{""}}

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "X",
		PollInterval: 5 * time.Millisecond,
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	m.Stop()

	assert.Equal(t, StateStopped, m.State())
}

func TestMonitorStartTwiceFails(t *testing.T) {
	reader := &scriptedReader{outputs: []string{""}}

	m := New(Config{
		InstanceID:   "inst-1",
		Keyword:      "X",
		PollInterval: 5 * time.Millisecond,
	}, reader, testLogger())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestAppendDeltaAndCap(t *testing.T) {
	m := New(Config{InstanceID: "inst-1", Keyword: "X", PollInterval: time.Second},
		&scriptedReader{}, testLogger())

	m.append("line one\n")
	m.append("line one\nline two\n")

	assert.Equal(t, "line one\nline two\n", m.Buffer())

	// A snapshot that does not extend the previous one is appended whole.
	m.append("totally different")
	assert.Contains(t, m.Buffer(), "totally different")

	m.append(strings.Repeat("x", maxBufferChars+100))
	assert.Len(t, m.Buffer(), maxBufferChars)
}

func TestAppendScrolledWindowDeduplicates(t *testing.T) {
	m := New(Config{InstanceID: "inst-1", Keyword: "X", PollInterval: time.Second},
		&scriptedReader{}, testLogger())

	// The capture window scrolled: the second read overlaps the first but no
	// longer starts with it.
	m.append("line1\nline2\nline3\n")
	m.append("line2\nline3\nline4\n")

	assert.Equal(t, "line1\nline2\nline3\nline4\n", m.Buffer())
}

func TestOverlapLen(t *testing.T) {
	assert.Equal(t, 0, overlapLen("", "abc"))
	assert.Equal(t, 3, overlapLen("abc", "abc"))
	assert.Equal(t, 3, overlapLen("xxabc", "abcyy"))
	assert.Equal(t, 0, overlapLen("abc", "xyz"))
	assert.Equal(t, 2, overlapLen("ab", "abcdef"))
}
