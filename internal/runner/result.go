package runner

// Batch is the result of one Poll.
type Batch struct {
	End       bool     `json:"end"`               // done and every item delivered
	Success   *bool    `json:"success,omitempty"` // nil while pending
	Reason    string   `json:"reason,omitempty"`  // failure reason
	Truncated bool     `json:"truncated,omitempty"`
	Items     []Output `json:"items"`
}

// Stats counts what a run has delivered so far.
type Stats struct {
	Items     int64 `json:"items"`
	Bytes     int64 `json:"bytes"`
	Truncated bool  `json:"truncated"`
}
