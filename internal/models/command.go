package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SystemSentinelPrefix marks a queue recipient that asks for a system fan-out
// instead of a direct send.
const SystemSentinelPrefix = "SYSTEM_"

type Command string

const (
	CommandOrderOpened  Command = "ORDER_OPENED"
	CommandOrderClosed  Command = "ORDER_CLOSED"
	CommandReminder1h   Command = "REMINDER_1H"
	CommandReminder10m  Command = "REMINDER_10M"
	CommandOrderSummary Command = "GENERAL_ORDER_SUMMARY"
)

var knownCommands = map[Command]bool{
	CommandOrderOpened:  true,
	CommandOrderClosed:  true,
	CommandReminder1h:   true,
	CommandReminder10m:  true,
	CommandOrderSummary: true,
}

var (
	ErrUnknownCommand   = errors.New("unknown system command")
	ErrMalformedCommand = errors.New("malformed system command")
)

// Summary trigger reasons.
const (
	ReasonDeadline = "deadline"
	ReasonManual   = "manual"
)

// SystemCommand is the structured form of a system notification.
type SystemCommand struct {
	Command Command   `json:"command"`
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
}

func (c Command) Valid() bool {
	return knownCommands[c]
}

// Sentinel is the reserved recipient string for the command.
func (c Command) Sentinel() string {
	return SystemSentinelPrefix + string(c)
}

// Encode returns the legacy "COMMAND:orderId[:variant]" body.
func (sc SystemCommand) Encode() string {
	body := string(sc.Command) + ":" + sc.OrderID.String()
	if sc.Reason != "" {
		body += ":" + sc.Reason
	}
	return body
}

// IsSentinel reports whether recipient is a reserved system address.
func IsSentinel(recipient string) bool {
	return strings.HasPrefix(strings.TrimSpace(recipient), SystemSentinelPrefix)
}

// ParseSystemCommand decodes a legacy sentinel recipient and its body.
func ParseSystemCommand(recipient, body string) (SystemCommand, error) {
	recipient = strings.TrimSpace(recipient)
	if !IsSentinel(recipient) {
		return SystemCommand{}, fmt.Errorf("%w: %q is not a system recipient", ErrUnknownCommand, recipient)
	}

	cmd := Command(strings.TrimPrefix(recipient, SystemSentinelPrefix))
	if !cmd.Valid() {
		return SystemCommand{}, fmt.Errorf("%w: %s", ErrUnknownCommand, recipient)
	}

	parts := strings.SplitN(strings.TrimSpace(body), ":", 3)
	if len(parts) < 2 {
		return SystemCommand{}, fmt.Errorf("%w: body %q", ErrMalformedCommand, body)
	}
	if Command(parts[0]) != cmd {
		return SystemCommand{}, fmt.Errorf("%w: body command %q does not match %s", ErrMalformedCommand, parts[0], recipient)
	}

	orderID, err := uuid.Parse(parts[1])
	if err != nil {
		return SystemCommand{}, fmt.Errorf("%w: order id %q: %v", ErrMalformedCommand, parts[1], err)
	}

	sc := SystemCommand{Command: cmd, OrderID: orderID}
	if len(parts) == 3 {
		sc.Reason = parts[2]
	}
	return sc, nil
}
