package entity

type JobState string

const (
	JobPending   JobState = "pending"
	JobActive    JobState = "active"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// DownloadJob is one unit of work in a batch. Jobs are deduplicated by
// FileID at submission time, so an attachment referenced from two parent
// records is downloaded once.
type DownloadJob struct {
	FileID      string
	DisplayName string
	Source      Attachment
	State       JobState
	Attempts    int
}

// BatchProgress is the externally visible state of the running batch.
// Snapshots of it are persisted to the durable store so a restarted
// process reports accurate status.
type BatchProgress struct {
	BatchID     string `json:"batch_id"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	CurrentFile string `json:"current_file,omitempty"`
	Active      bool   `json:"active"`
}
