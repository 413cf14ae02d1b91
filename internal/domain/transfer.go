package domain

import "time"

// TransferOutcome is the terminal result of one relay request.
type TransferOutcome string

const (
	OutcomeSuccess TransferOutcome = "success"
	OutcomeFailed  TransferOutcome = "failed"
)

// TransferRecord is what the ledger keeps about a finished relay.
// TransferID is generated by the server for every relay and keys both the
// spool directory and the ledger entry; RequestID is the caller's
// correlation id and may repeat across retries.
type TransferRecord struct {
	TransferID string          `json:"transfer_id" db:"transfer_id"`
	RequestID  string          `json:"request_id" db:"request_id"`
	Filename   string          `json:"filename" db:"filename"`
	Bucket     string          `json:"bucket" db:"bucket"`
	Key        string          `json:"key" db:"object_key"`
	Bytes      int64           `json:"bytes" db:"bytes"`
	ETag       string          `json:"etag,omitempty" db:"etag"`
	VersionID  string          `json:"version_id,omitempty" db:"version_id"`
	Stage      string          `json:"stage" db:"stage"`
	FailStage  string          `json:"fail_stage,omitempty" db:"fail_stage"`
	Outcome    TransferOutcome `json:"outcome" db:"outcome"`
	FailKind   string          `json:"fail_kind,omitempty" db:"fail_kind"`
	Message    string          `json:"message,omitempty" db:"message"`
	SpoolPath  string          `json:"spool_path,omitempty" db:"spool_path"`
	SpoolKept  bool            `json:"spool_kept" db:"spool_kept"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt time.Time       `json:"finished_at" db:"finished_at"`
}

// Leaked reports whether the relay left its spool artifact on disk.
func (r *TransferRecord) Leaked() bool {
	return r.SpoolKept && r.SpoolPath != ""
}

// Duration is the wall time the relay took.
func (r *TransferRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
