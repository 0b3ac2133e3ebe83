package models

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Stage is the pipeline step a run is currently in.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageExtracting Stage = "extracting"
	StageTraining   Stage = "training"
	StageGenerating Stage = "generating"
	StagePackaging  Stage = "packaging"
	StageDone       Stage = "done"
)

// Run is the audit record of one fine-tune-and-generate invocation.
type Run struct {
	ID            string     `json:"id"`
	ModelType     string     `json:"model_type"`
	Epochs        int        `json:"epochs"`
	BatchSize     int        `json:"batch_size"`
	DatasetDigest string     `json:"dataset_digest"`
	DatasetSize   int64      `json:"dataset_size"`
	Status        RunStatus  `json:"status"`
	Stage         Stage      `json:"stage"`
	RowCount      int        `json:"row_count"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
