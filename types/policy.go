package types

// Policy is the per-invocation session restriction set. It is never
// persisted: the mechanisms behind it do not survive a guest restart.
type Policy struct {
	// Offline denies outbound traffic except loopback and private ranges.
	Offline bool `json:"offline"`
	// ReadOnly remounts the project directory without write permission.
	ReadOnly bool `json:"read_only"`
}
