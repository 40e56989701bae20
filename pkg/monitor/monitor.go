// Package monitor implements the keyword monitor: a polling detector that
// watches one agent session's output for a trigger keyword.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/bridge"
)

// State of a monitor. Start is only valid from idle.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDetected State = "detected"
	StateTimedOut State = "timed_out"
	StateStopped  State = "stopped"
	StateErrored  State = "errored"
)

// Mode selects the detection strategy.
type Mode string

const (
	// ModeSimple isolates the agent's most recent response segment before
	// searching, preventing false positives from earlier turns or the live
	// input box.
	ModeSimple Mode = "simple"
	// ModeTaskScoped scans only the last few lines for an exact match;
	// task-scoped keywords are unique enough to skip segment isolation.
	ModeTaskScoped Mode = "task_id_scoped"
)

const (
	// maxBufferChars is the hard cap on accumulated output; oldest text is
	// discarded first.
	maxBufferChars = 50_000

	// taskScopedWindowLines bounds the scan window in task-scoped mode.
	taskScopedWindowLines = 20

	// readWindowLines is how much recent output each poll requests.
	readWindowLines = 50
)

var ErrAlreadyStarted = errors.New("monitor already started")

// Config describes one keyword wait.
type Config struct {
	InstanceID   string
	Keyword      string
	PollInterval time.Duration
	Timeout      time.Duration // 0 means never expire
	Mode         Mode

	// OnDetected receives the full accumulated buffer.
	OnDetected func(buffer string)
	// OnTimeout fires when the deadline passes without detection.
	OnTimeout func()
	// OnError reports a failed poll. The monitor keeps polling; only the
	// deadline timer can end the wait on its own.
	OnError func(err error)
}

// Monitor polls one session until its keyword appears, the deadline passes,
// or it is stopped. One monitor is active per session at a time; creating a
// replacement implies disposing of the previous handle first.
type Monitor struct {
	cfg    Config
	reader bridge.OutputReader
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	buffer   string
	lastRead string
	stopCh   chan struct{}
	done     sync.WaitGroup
}

func New(cfg Config, reader bridge.OutputReader, logger *slog.Logger) *Monitor {
	if cfg.Mode == "" {
		cfg.Mode = ModeSimple
	}

	return &Monitor{
		cfg:    cfg,
		reader: reader,
		logger: logger.With(
			"module", "keyword_monitor",
			"instance_id", cfg.InstanceID,
			"keyword", cfg.Keyword,
		),
		state:  StateIdle,
		stopCh: make(chan struct{}),
	}
}

// State returns the current monitor state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Buffer returns the accumulated output buffer.
func (m *Monitor) Buffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.buffer
}

// Start begins polling: an immediate check, then one per poll interval, with
// an independent deadline timer. Valid only from the idle state.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()

		return ErrAlreadyStarted
	}

	m.state = StateRunning
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Starting keyword monitor",
		"poll_interval", m.cfg.PollInterval,
		"timeout", m.cfg.Timeout,
		"mode", string(m.cfg.Mode),
	)

	m.done.Add(1)

	go m.run(ctx)

	return nil
}

// Stop cancels the poll and deadline timers. Idempotent and safe to call
// from any goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)

		if m.state == StateRunning {
			m.state = StateStopped
		}
	}
	m.mu.Unlock()

	m.done.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.done.Done()

	var deadline <-chan time.Time

	if m.cfg.Timeout > 0 {
		timer := time.NewTimer(m.cfg.Timeout)
		defer timer.Stop()

		deadline = timer.C
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	if m.check(ctx) {
		return
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			m.transition(StateStopped)

			return
		case <-deadline:
			if m.transition(StateTimedOut) && m.cfg.OnTimeout != nil {
				m.cfg.OnTimeout()
			}

			return
		case <-ticker.C:
			if m.check(ctx) {
				return
			}
		}
	}
}

// check performs one poll. It returns true when the wait is over.
func (m *Monitor) check(ctx context.Context) bool {
	output, err := m.reader.Read(ctx, m.cfg.InstanceID, readWindowLines)
	if err != nil {
		// A single failed poll is tolerated and retried next tick.
		m.logger.WarnContext(ctx, "Monitor poll failed", "error", err)

		if m.cfg.OnError != nil {
			m.cfg.OnError(err)
		}

		return false
	}

	m.append(output)

	if !m.detect() {
		return false
	}

	if m.transition(StateDetected) && m.cfg.OnDetected != nil {
		m.cfg.OnDetected(m.Buffer())
	}

	return true
}

// append adds the new portion of a read snapshot to the bounded buffer.
// Successive snapshots are overlapping capture windows: the longest suffix of
// the previous read that prefixes the new one is text already buffered.
func (m *Monitor) append(snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := snapshot[overlapLen(m.lastRead, snapshot):]

	m.lastRead = snapshot
	m.buffer += delta

	if len(m.buffer) > maxBufferChars {
		m.buffer = m.buffer[len(m.buffer)-maxBufferChars:]
	}
}

// overlapLen returns the length of the longest suffix of prev that is also a
// prefix of next.
func overlapLen(prev, next string) int {
	n := min(len(prev), len(next))

	for ; n > 0; n-- {
		if strings.HasSuffix(prev, next[:n]) {
			return n
		}
	}

	return 0
}

func (m *Monitor) detect() bool {
	m.mu.Lock()
	buffer := m.buffer
	m.mu.Unlock()

	if m.cfg.Keyword == "" {
		return false
	}

	switch m.cfg.Mode {
	case ModeTaskScoped:
		return detectTaskScoped(buffer, m.cfg.Keyword)
	default:
		return detectSimple(buffer, m.cfg.Keyword)
	}
}

// transition moves running → terminal exactly once.
func (m *Monitor) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return false
	}

	m.state = to

	return true
}

// detectSimple searches only the agent's most recent response segment: after
// the last human input marker, from the first agent response marker, up to
// the next input-box boundary.
func detectSimple(buffer, keyword string) bool {
	lines := strings.Split(buffer, "\n")

	lastInput := -1

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "> ") {
			lastInput = i
		}
	}

	responseStart := -1

	for i := lastInput + 1; i < len(lines); i++ {
		if strings.Contains(lines[i], "●") {
			responseStart = i

			break
		}
	}

	if responseStart == -1 {
		// No response yet after the latest input.
		if lastInput >= 0 {
			return false
		}

		// No turn structure at all: search the whole buffer.
		return strings.Contains(strings.ToLower(buffer), strings.ToLower(keyword))
	}

	segment := make([]string, 0, len(lines)-responseStart)

	for i := responseStart; i < len(lines); i++ {
		if strings.Contains(lines[i], "╭") {
			break
		}

		segment = append(segment, lines[i])
	}

	haystack := strings.ToLower(strings.Join(segment, "\n"))

	return strings.Contains(haystack, strings.ToLower(keyword))
}

// detectTaskScoped performs an exact substring match over the last few lines.
func detectTaskScoped(buffer, keyword string) bool {
	lines := strings.Split(buffer, "\n")

	if len(lines) > taskScopedWindowLines {
		lines = lines[len(lines)-taskScopedWindowLines:]
	}

	return strings.Contains(strings.Join(lines, "\n"), keyword)
}
