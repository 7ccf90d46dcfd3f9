// Package jobs tracks the latest state of background jobs per (user, kind).
//
// At most one job of a kind runs for a user at a time. Start claims the
// slot atomically; every later write goes through the handle it returned,
// so a finished run can never clobber a newer one.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

type key struct {
	userID uint
	kind   domain.JobKind
}

// Registry is an in-memory job state table safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	states map[key]*domain.JobState
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[key]*domain.JobState),
		now:    time.Now,
	}
}

// Start moves the (user, kind) slot to in_progress. It returns
// common.ErrAlreadyRunning if a run is already active.
func (r *Registry) Start(userID uint, kind domain.JobKind) (domain.JobHandle, error) {
	if !kind.Valid() {
		return domain.JobHandle{}, common.WrapError(common.ErrCodeInvalidInput, "unknown job kind", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{userID, kind}
	if st, ok := r.states[k]; ok && st.Active() {
		return domain.JobHandle{}, common.ErrAlreadyRunning
	}

	h := domain.JobHandle{UserID: userID, Kind: kind, RunID: uuid.NewString()}
	r.states[k] = &domain.JobState{
		UserID:    userID,
		Kind:      kind,
		RunID:     h.RunID,
		Status:    domain.JobInProgress,
		Stage:     domain.StageQueued,
		Message:   "queued",
		StartedAt: r.now(),
	}
	return h, nil
}

// Update records progress for an active run. Progress is clamped to
// [0, 100] and never moves backwards.
func (r *Registry) Update(h domain.JobHandle, stage domain.JobStage, progress int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.current(h)
	if st == nil || !st.Active() {
		return
	}
	progress = clamp(progress)
	if progress < st.Progress {
		progress = st.Progress
	}
	st.Stage = stage
	st.Progress = progress
	if message != "" {
		st.Message = message
	}
}

// Complete marks the run as completed.
func (r *Registry) Complete(h domain.JobHandle, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.current(h)
	if st == nil || !st.Active() {
		return
	}
	st.Status = domain.JobCompleted
	st.Stage = domain.StageDone
	st.Progress = 100
	st.Message = message
	st.Error = ""
	st.FinishedAt = r.now()
}

// Fail marks the run as failed. The user facing message comes from
// common.UserMessage; the raw error text is kept for diagnostics.
func (r *Registry) Fail(h domain.JobHandle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.current(h)
	if st == nil || !st.Active() {
		return
	}
	st.Status = domain.JobError
	st.Message = common.UserMessage(err)
	if err != nil {
		st.Error = err.Error()
	}
	st.FinishedAt = r.now()
}

// Read returns a copy of the latest state, or an idle state if the job has
// never run.
func (r *Registry) Read(userID uint, kind domain.JobKind) domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[key{userID, kind}]; ok {
		return *st
	}
	return domain.JobState{UserID: userID, Kind: kind, Status: domain.JobIdle}
}

// Running returns the number of jobs currently in progress.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, st := range r.states {
		if st.Active() {
			n++
		}
	}
	return n
}

func (r *Registry) current(h domain.JobHandle) *domain.JobState {
	st, ok := r.states[key{h.UserID, h.Kind}]
	if !ok || st.RunID != h.RunID {
		return nil
	}
	return st
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
