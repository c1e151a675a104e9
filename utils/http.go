// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is the shared client for outbound calls (push gateway, sync
// services). Bounded so a stuck collaborator cannot stall a worker.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Second,
}
