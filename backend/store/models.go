package store

import "time"

type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelWarn  NotificationLevel = "warn"
	LevelError NotificationLevel = "error"
)

type Notification struct {
	ID        int64             `json:"id"`
	Level     NotificationLevel `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	CreatedAt time.Time         `json:"createdAt"`
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
	SessionLost   SessionStatus = "lost"
	SessionFailed SessionStatus = "failed"
)

// ConnectionSession is one audit row per successful room connection.
type ConnectionSession struct {
	ID          string        `json:"id"`
	ShortRoomID int64         `json:"shortRoomId"`
	RoomID      int64         `json:"roomId"`
	UID         int64         `json:"uid"`
	GatewayHost string        `json:"gatewayHost"`
	Status      SessionStatus `json:"status"`
	CloseReason string        `json:"closeReason"`
	Reconnects  int           `json:"reconnects"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
}

type BilibiliAPIErrorLog struct {
	ID           int64     `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Stage        string    `json:"stage"`
	HTTPStatus   int       `json:"httpStatus"`
	Attempt      int       `json:"attempt"`
	Retryable    bool      `json:"retryable"`
	ResponseBody string    `json:"responseBody"`
	ErrorMessage string    `json:"errorMessage"`
	CreatedAt    time.Time `json:"createdAt"`
}

type CleanupStats struct {
	Notifications      int64 `json:"notifications"`
	ConnectionSessions int64 `json:"connectionSessions"`
	BilibiliErrorLogs  int64 `json:"bilibiliErrorLogs"`
	Total              int64 `json:"total"`
}

type DBStats struct {
	DBPath         string `json:"dbPath"`
	DBSizeBytes    int64  `json:"dbSizeBytes"`
	WALSizeBytes   int64  `json:"walSizeBytes"`
	PageCount      int64  `json:"pageCount"`
	PageSize       int64  `json:"pageSize"`
	FreeListCount  int64  `json:"freeListCount"`
	EstimatedInUse int64  `json:"estimatedInUse"`
}
