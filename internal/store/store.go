package store

import (
	"context"

	"waveminer/internal/domain"
)

// CommandKind names a command issued to the remote session store.
type CommandKind string

const (
	CmdStartSession         CommandKind = "start_session"
	CmdStopSession          CommandKind = "stop_session"
	CmdRequestExtraction    CommandKind = "request_extraction"
	CmdCaptureUnit          CommandKind = "capture_unit"
	CmdCleanupStaleSessions CommandKind = "cleanup_stale_sessions"
)

// CommandResult is the asynchronous committed/failed status of one command.
// It arrives on the notification stream, never as the command's return value.
type CommandResult struct {
	CommandID string      `json:"command_id"`
	Kind      CommandKind `json:"kind"`
	Committed bool        `json:"committed"`
	Reason    string      `json:"reason,omitempty"`
}

// NotificationType discriminates entries on the replicated change stream.
type NotificationType string

const (
	NoteSessionInsert    NotificationType = "session_insert"
	NoteSessionUpdate    NotificationType = "session_update"
	NoteSessionDelete    NotificationType = "session_delete"
	NoteExtractionInsert NotificationType = "extraction_insert"
	NoteExtractionDelete NotificationType = "extraction_delete"
	NoteSourceInsert     NotificationType = "source_insert"
	NoteSourceUpdate     NotificationType = "source_update"
	NoteSourceDelete     NotificationType = "source_delete"
	NoteCommandResult    NotificationType = "command_result"
)

// Notification is one replicated change. Exactly one payload field matching
// Type is non-nil. Notifications may arrive in any order relative to the
// commands that caused them.
type Notification struct {
	Type       NotificationType         `json:"type"`
	Session    *domain.MiningSession    `json:"session,omitempty"`
	Extraction *domain.ExtractionRecord `json:"extraction,omitempty"`
	Source     *domain.ResourceSource   `json:"source,omitempty"`
	Result     *CommandResult           `json:"result,omitempty"`
}

// RemoteStore is the client-side contract of the authoritative session store.
// Command methods are fire-and-forget: the returned command id correlates a
// later CommandResult on the stream, and the error covers transport failure
// only. The notification channel is closed on disconnect.
type RemoteStore interface {
	StartSession(ctx context.Context, sourceID uint64, profile []domain.FrequencyCount) (string, error)
	StopSession(ctx context.Context, sessionID uint64) (string, error)
	RequestExtraction(ctx context.Context, sessionID uint64, requests []domain.ExtractionRequest) (string, error)
	CaptureUnit(ctx context.Context, packetID uint64) (string, error)
	CleanupStaleSessions(ctx context.Context) (string, error)

	Notifications() <-chan Notification
	Close() error
}
