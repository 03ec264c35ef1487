package ws

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	Kind        string
	ResourceID  string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
