package contexthandler

import "time"

const (
	// ShortLivedTimeout bounds ordinary routed requests.
	ShortLivedTimeout = 30 * time.Second

	// LongLivedTimeout bounds watch and follow requests.
	LongLivedTimeout = 4 * time.Hour
)

// Destination is where the router sends a request.
type Destination struct {
	SocketPath string `json:"socketPath"`
	Protocol   string `json:"protocol"`
	Host       string `json:"host"`
	Path       string `json:"path"`
}

// Target describes how a routed request reaches the proxy process. Headers
// replace the corresponding request headers before forwarding.
type Target struct {
	ChangeOrigin bool              `json:"changeOrigin"`
	Timeout      time.Duration     `json:"timeout"`
	Headers      map[string]string `json:"headers"`
	Destination  Destination       `json:"target"`
}

// TimeoutMillis returns the timeout in milliseconds.
func (t *Target) TimeoutMillis() int64 {
	return t.Timeout.Milliseconds()
}
