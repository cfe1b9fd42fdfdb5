package types

import "time"

// QueuedItem is a contract waiting for batch refresh.
type QueuedItem struct {
	Contract          Contract  `json:"contract"`
	Tier              int       `json:"tier"`
	Seq               int64     `json:"seq"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	RetryCount        int       `json:"retry_count"`
	LastErrorCategory string    `json:"last_error_category,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

func (q QueuedItem) ContractID() string { return q.Contract.ID }

// QueueFailure is the permanent record left once an item gives up.
type QueueFailure struct {
	Contract   Contract  `json:"contract"`
	Tier       int       `json:"tier"`
	RetryCount int       `json:"retry_count"`
	Category   string    `json:"category"`
	Retryable  bool      `json:"retryable"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}
