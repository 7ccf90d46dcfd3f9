package domain

import "time"

// JobKind 可从外部触发的任务类型
type JobKind string

const (
	JobSync     JobKind = "sync"
	JobGenerate JobKind = "generate"
)

// Valid 判断任务类型是否合法
func (k JobKind) Valid() bool {
	return k == JobSync || k == JobGenerate
}

// JobStatus 任务状态: idle → in_progress → {completed, error}
type JobStatus string

const (
	JobIdle       JobStatus = "idle"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// JobStage 任务内部阶段
type JobStage string

const (
	StageQueued         JobStage = "queued"
	StageFetchingStars  JobStage = "fetching_stars"
	StageSavingSnapshot JobStage = "saving_snapshot"
	StageLoadingStars   JobStage = "loading_stars"
	StageProfiling      JobStage = "profiling"
	StageFindingSimilar JobStage = "finding_similar"
	StageGathering      JobStage = "gathering"
	StageScoring        JobStage = "scoring"
	StageSaving         JobStage = "saving"
	StageDone           JobStage = "done"
)

// JobHandle 标识一次运行，由 Start 返回，后续所有写操作都要带上它
type JobHandle struct {
	UserID uint
	Kind   JobKind
	RunID  string
}

// JobState 某用户某类任务的最新状态
type JobState struct {
	UserID     uint      `json:"user_id"`
	Kind       JobKind   `json:"kind"`
	RunID      string    `json:"run_id,omitempty"`
	Status     JobStatus `json:"status"`
	Stage      JobStage  `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Active 任务是否正在运行
func (s JobState) Active() bool {
	return s.Status == JobInProgress
}
