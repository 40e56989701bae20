// Package contextstore provides the hierarchical variable and stage state
// store for one workflow run, including string-template interpolation.
package contextstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

var (
	placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	barePathPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

	// Task-id placeholder occurrences stripped when task-id mode is off, so
	// task-scoped keyword templates degrade to plain keywords. Order matters:
	// infix forms first, then any leftover bare occurrence.
	taskIDStripPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$\{current_task_id\}_`),
		regexp.MustCompile(`_\$\{current_task_id\}`),
		regexp.MustCompile(`\$\{current_task_id\}`),
	}
)

// Store owns the run context of a single workflow run. All mutation funnels
// through its methods, which are atomic with respect to that run.
type Store struct {
	mu  sync.RWMutex
	run *models.RunContext

	useTaskIDs bool
}

func NewStore(run *models.RunContext) *Store {
	return &Store{
		run:        run,
		useTaskIDs: run.Settings.UseTaskIDs,
	}
}

// Get looks up a dot-separated path through the nested variable maps. It
// returns (nil, false) if any segment is absent; it never fails.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lookupPath(s.rootLocked(), path)
}

// Set writes a value at a dot-separated path, creating intermediate maps as
// needed and overwriting the leaf.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments := strings.Split(path, ".")
	current := s.run.Vars

	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}

		current = next
	}

	current[segments[len(segments)-1]] = value
}

// SetStage creates or replaces the status of a stage-run record. Idempotent.
func (s *Store) SetStage(stageID string, status models.StageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.run.Stages[stageID]
	if !ok {
		rec = &models.StageRun{StartedAt: time.Now().UTC()}
		s.run.Stages[stageID] = rec
	}

	rec.Status = status
}

// UpdateStage merge-assigns into a stage-run record, creating it if absent.
func (s *Store) UpdateStage(stageID string, update func(*models.StageRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.run.Stages[stageID]
	if !ok {
		rec = &models.StageRun{StartedAt: time.Now().UTC()}
		s.run.Stages[stageID] = rec
	}

	update(rec)
}

// StageRun returns a copy of the stage-run record, if present.
func (s *Store) StageRun(stageID string) (models.StageRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.run.Stages[stageID]
	if !ok {
		return models.StageRun{}, false
	}

	return *rec, true
}

// TrackSession records metadata for a spawned session.
func (s *Store) TrackSession(info *models.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}

	if info.State == "" {
		info.State = models.SessionStateActive
	}

	s.run.Sessions[info.ID] = info
}

// UpdateSession mutates a tracked session's metadata, if present.
func (s *Store) UpdateSession(sessionID string, update func(*models.SessionInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.run.Sessions[sessionID]; ok {
		update(info)
	}
}

// Sessions returns a snapshot copy of the tracked session map.
func (s *Store) Sessions() map[string]models.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.SessionInfo, len(s.run.Sessions))
	for id, info := range s.run.Sessions {
		out[id] = *info
	}

	return out
}

// SetActionResult records a named action result.
func (s *Store) SetActionResult(name string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run.ActionResults[name] = result
}

// SetRunStatus updates the run-level status and end time.
func (s *Store) SetRunStatus(status models.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run.Status = status

	if status != models.RunStatusRunning {
		now := time.Now().UTC()
		s.run.EndedAt = &now
	}
}

// RunID returns the run identifier.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.run.RunID
}

// Settings returns the effective run settings.
func (s *Store) Settings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.run.Settings
}

// Snapshot returns a deep copy of the run context, safe to hand to a
// persistence layer while the run keeps mutating.
func (s *Store) Snapshot() *models.RunContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := json.Marshal(s.run)
	if err != nil {
		copied := *s.run

		return &copied
	}

	var copied models.RunContext
	if err := json.Unmarshal(raw, &copied); err != nil {
		copied = *s.run
	}

	return &copied
}

// ResolveSession resolves a session selector to a concrete session id:
// explicit id (or tracked role) first, then the "current" alias from
// vars.current_session_id, then the caller-supplied implicit id.
func (s *Store) ResolveSession(selector, implicit string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if selector != "" && selector != "current" {
		if id, ok := lookupPath(s.rootLocked(), "instances."+selector); ok {
			if str, ok := id.(string); ok && str != "" {
				return str, nil
			}
		}

		return selector, nil
	}

	if id, ok := lookupPath(s.rootLocked(), "current_session_id"); ok {
		if str, ok := id.(string); ok && str != "" {
			return str, nil
		}
	}

	if implicit != "" {
		return implicit, nil
	}

	return "", ErrNoCurrentSession
}

// Interpolate substitutes every ${path} occurrence with the value at that
// path. Unknown paths leave the placeholder text intact so partial failures
// stay visible downstream. Non-bare-path expressions are evaluated against
// the restricted helper set. Re-interpolating output built from known paths
// is a no-op.
func (s *Store) Interpolate(template string) string {
	if !s.useTaskIDs {
		for _, p := range taskIDStripPatterns {
			template = p.ReplaceAllString(template, "")
		}
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := match[2 : len(match)-1]

		if barePathPattern.MatchString(expr) {
			value, ok := s.Get(expr)
			if !ok {
				return match
			}

			return formatValue(value)
		}

		value, err := Evaluate(expr, func(path string) (any, bool) { return s.Get(path) })
		if err != nil {
			return match
		}

		return formatValue(value)
	})
}

// EvaluateCondition evaluates a boolean expression against the store using
// the whitelisted expression grammar. Empty expressions are true.
func (s *Store) EvaluateCondition(expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	value, err := Evaluate(expr, func(path string) (any, bool) { return s.Get(path) })
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}

	return Truthy(value), nil
}

// rootLocked builds the path-lookup root. Variables live at the top level;
// stage records and run metadata are reachable under reserved prefixes.
func (s *Store) rootLocked() map[string]any {
	root := make(map[string]any, len(s.run.Vars)+3)
	for k, v := range s.run.Vars {
		root[k] = v
	}

	stages := make(map[string]any, len(s.run.Stages))
	for id, rec := range s.run.Stages {
		stages[id] = map[string]any{
			"status": string(rec.Status),
			"output": rec.Output,
			"error":  rec.Error,
		}
	}

	root["stages"] = stages
	root["results"] = s.run.ActionResults
	root["run"] = map[string]any{
		"id":          s.run.RunID,
		"workflow_id": s.run.WorkflowID,
	}

	return root
}

func lookupPath(root map[string]any, path string) (any, bool) {
	var current any = root

	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(raw)
	}
}
