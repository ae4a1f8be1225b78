package models

import (
	"time"

	"github.com/google/uuid"
)

type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSending QueueStatus = "sending"
	StatusSent    QueueStatus = "sent"
	StatusFailed  QueueStatus = "failed"
)

const DefaultMaxAttempts = 3

// QueueEntry is one outbound notification.
type QueueEntry struct {
	ID        int64          `json:"id"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Template  string         `json:"template,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// Structured system command; nil for direct sends and legacy rows.
	Command *SystemCommand `json:"command,omitempty"`

	Status       QueueStatus `json:"status"`
	Priority     int         `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	LastError    string      `json:"last_error,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// IsSystem reports whether the entry asks for a system fan-out.
func (e QueueEntry) IsSystem() bool {
	return e.Command != nil || IsSentinel(e.Recipient)
}

// SystemCommand returns the structured command, decoding legacy rows.
func (e QueueEntry) SystemCommand() (SystemCommand, error) {
	if e.Command != nil {
		if !e.Command.Command.Valid() {
			return SystemCommand{}, ErrUnknownCommand
		}
		return *e.Command, nil
	}
	return ParseSystemCommand(e.Recipient, e.Body)
}

// Terminal reports whether the entry will never be selected again.
func (e QueueEntry) Terminal() bool {
	return e.Status == StatusSent || e.Status == StatusFailed
}

// QueueEntryDraft is the input of Enqueue.
type QueueEntryDraft struct {
	Recipient    string         `json:"recipient" validate:"required,max=320"`
	Subject      string         `json:"subject" validate:"max=500"`
	Body         string         `json:"body"`
	Template     string         `json:"template" validate:"max=100"`
	Data         map[string]any `json:"data"`
	Command      *SystemCommand `json:"-"`
	Priority     int            `json:"priority" validate:"gte=0,lte=100"`
	MaxAttempts  int            `json:"max_attempts" validate:"gte=0,lte=20"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
}

// SystemDraft builds the queue draft for a system command. The legacy
// recipient/body encoding is written alongside the structured fields.
func SystemDraft(cmd Command, orderID uuid.UUID, reason string, subject string) QueueEntryDraft {
	sc := SystemCommand{Command: cmd, OrderID: orderID, Reason: reason}
	return QueueEntryDraft{
		Recipient:   cmd.Sentinel(),
		Subject:     subject,
		Body:        sc.Encode(),
		Command:     &sc,
		Priority:    commandPriority(cmd),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Reminders close to the deadline go out first.
func commandPriority(cmd Command) int {
	switch cmd {
	case CommandReminder10m:
		return 30
	case CommandReminder1h, CommandOrderClosed:
		return 20
	case CommandOrderOpened:
		return 10
	default:
		return 0
	}
}
