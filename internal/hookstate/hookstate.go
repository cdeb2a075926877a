// Package hookstate holds per-agent ephemeral flags shared between the hook
// ingestor, the deferred-stop workers, and the respond path. Everything here
// is process-local and loses nothing important on restart: offsets are
// re-derived by the reconciler and flags have sub-10-second lifetimes.
package hookstate

import (
	"sync"
	"time"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// respondTTL bounds how long a respond-pending or respond-inflight flag
// suppresses the hook echo of a user answer the system itself delivered.
const respondTTL = 10 * time.Second

type agentRow struct {
	awaitingTool     string
	respondPending   time.Time // zero when unset; flag expires respondTTL after
	respondInflight  time.Time
	deferredStop     bool
	transcriptOffset int64
	progressBuffer   []string
	pendingFile      *models.FileMeta
}

// State is the singleton container of per-agent ephemeral flags. All
// operations are atomic under one internal mutex; hold times are
// microseconds, so a single lock is fine.
type State struct {
	mu   sync.Mutex
	rows map[string]*agentRow
	now  func() time.Time
}

// New creates an empty hook-state container.
func New() *State {
	return &State{
		rows: make(map[string]*agentRow),
		now:  time.Now,
	}
}

func (s *State) row(agentID string) *agentRow {
	r, ok := s.rows[agentID]
	if !ok {
		r = &agentRow{}
		s.rows[agentID] = r
	}
	return r
}

// SetAwaitingTool records the tool that caused AWAITING_INPUT.
func (s *State) SetAwaitingTool(agentID, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(agentID).awaitingTool = toolName
}

// AwaitingTool returns the recorded tool name, if any.
func (s *State) AwaitingTool(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[agentID]
	if !ok || r.awaitingTool == "" {
		return "", false
	}
	return r.awaitingTool, true
}

// ClearAwaitingTool clears the awaiting-tool flag (on the next user
// response).
func (s *State) ClearAwaitingTool(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[agentID]; ok {
		r.awaitingTool = ""
	}
}

// SetRespondInflight marks that a user answer is about to be sent to the
// terminal (pre-commit).
func (s *State) SetRespondInflight(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(agentID).respondInflight = s.now()
}

// PromoteRespondPending upgrades inflight to pending once the answer has
// committed. The pending flag is what suppresses the hook echo.
func (s *State) PromoteRespondPending(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(agentID)
	r.respondInflight = time.Time{}
	r.respondPending = s.now()
}

// ClearRespondInflight drops the inflight flag on a failed send.
func (s *State) ClearRespondInflight(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[agentID]; ok {
		r.respondInflight = time.Time{}
	}
}

// ConsumeRespondPending reports whether a respond-pending flag is live for
// the agent and consumes it. Within the TTL at most one user_prompt_submit
// is suppressed; the flag is single-shot.
func (s *State) ConsumeRespondPending(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[agentID]
	if !ok || r.respondPending.IsZero() {
		return false
	}
	live := s.now().Sub(r.respondPending) <= respondTTL
	r.respondPending = time.Time{}
	return live
}

// RespondInflight reports whether an answer send is in progress and still
// within TTL.
func (s *State) RespondInflight(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[agentID]
	if !ok || r.respondInflight.IsZero() {
		return false
	}
	return s.now().Sub(r.respondInflight) <= respondTTL
}

// TryClaimDeferredStop claims the single-flight deferred-stop slot for the
// agent. Returns false if a worker is already in flight.
func (s *State) TryClaimDeferredStop(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.row(agentID)
	if r.deferredStop {
		return false
	}
	r.deferredStop = true
	return true
}

// ReleaseDeferredStop frees the deferred-stop slot.
func (s *State) ReleaseDeferredStop(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[agentID]; ok {
		r.deferredStop = false
	}
}

// TranscriptOffset returns the last byte offset read from the agent's
// transcript file.
func (s *State) TranscriptOffset(agentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[agentID]; ok {
		return r.transcriptOffset
	}
	return 0
}

// SetTranscriptOffset records the new offset after an incremental read.
func (s *State) SetTranscriptOffset(agentID string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(agentID).transcriptOffset = offset
}

// AppendProgress buffers intermediate agent text captured between tool
// calls. The deferred-stop worker dedups its completion text against this.
func (s *State) AppendProgress(agentID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(agentID)
	r.progressBuffer = append(r.progressBuffer, text)
}

// ProgressBuffer returns a copy of the buffered progress texts.
func (s *State) ProgressBuffer(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[agentID]
	if !ok {
		return nil
	}
	return append([]string(nil), r.progressBuffer...)
}

// ClearProgress empties the progress buffer (at each stop).
func (s *State) ClearProgress(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[agentID]; ok {
		r.progressBuffer = nil
	}
}

// SetPendingFile stages file metadata uploaded with an idle-state command;
// it attaches to the next turn the hook path creates.
func (s *State) SetPendingFile(agentID string, meta *models.FileMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(agentID).pendingFile = meta
}

// TakePendingFile consumes the staged file metadata. Single-shot.
func (s *State) TakePendingFile(agentID string) (*models.FileMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[agentID]
	if !ok || r.pendingFile == nil {
		return nil, false
	}
	meta := r.pendingFile
	r.pendingFile = nil
	return meta, true
}

// OnSessionEnd clears the entire row for the agent.
func (s *State) OnSessionEnd(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, agentID)
}
