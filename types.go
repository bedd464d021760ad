package keyrouter

// Key is a pooled upstream credential handed out by the Router.
type Key struct {
	ID     string
	APIKey string
}

// Lease is a selected key bound to one request. Complete or Fail it once the
// upstream call returns.
type Lease struct {
	RequestID string
	Resource  string
	Key       Key
	Attempt   int
}

// Result describes a finished Router.Do call.
type Result struct {
	RequestID string
	Resource  string
	KeyID     string
	Tokens    int64
	Attempts  int
}

// Message is a chat message, used only for token estimation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
