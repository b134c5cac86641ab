package domain

// Mode is the terminal branch a single invocation executes
type Mode string

const (
	ModePrepareOnly Mode = "prepare_ds_only"
	ModeMergeLora   Mode = "merge_lora"
	ModeInference   Mode = "inference"
	ModeReshard     Mode = "shard"
	ModeTrain       Mode = "train"
)

// NeedsDataset reports whether the mode consumes a prepared dataset
func (m Mode) NeedsDataset() bool {
	return m == ModePrepareOnly || m == ModeTrain
}

// LoadsModel reports whether the mode loads model weights
func (m Mode) LoadsModel() bool {
	return m != ModePrepareOnly
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunInterrupted || s == RunFailed
}
