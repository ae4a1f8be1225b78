package models

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemCommand(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name      string
		recipient string
		body      string
		want      SystemCommand
		wantErr   error
	}{
		{
			name:      "order opened",
			recipient: "SYSTEM_ORDER_OPENED",
			body:      "ORDER_OPENED:" + id.String(),
			want:      SystemCommand{Command: CommandOrderOpened, OrderID: id},
		},
		{
			name:      "summary with reason",
			recipient: "SYSTEM_GENERAL_ORDER_SUMMARY",
			body:      "GENERAL_ORDER_SUMMARY:" + id.String() + ":deadline",
			want:      SystemCommand{Command: CommandOrderSummary, OrderID: id, Reason: "deadline"},
		},
		{
			name:      "unknown sentinel",
			recipient: "SYSTEM_SOMETHING_ELSE",
			body:      "SOMETHING_ELSE:" + id.String(),
			wantErr:   ErrUnknownCommand,
		},
		{
			name:      "plain address",
			recipient: "someone@example.com",
			body:      "hello",
			wantErr:   ErrUnknownCommand,
		},
		{
			name:      "missing order id",
			recipient: "SYSTEM_ORDER_CLOSED",
			body:      "ORDER_CLOSED",
			wantErr:   ErrMalformedCommand,
		},
		{
			name:      "bad order id",
			recipient: "SYSTEM_ORDER_CLOSED",
			body:      "ORDER_CLOSED:not-a-uuid",
			wantErr:   ErrMalformedCommand,
		},
		{
			name:      "command mismatch",
			recipient: "SYSTEM_ORDER_CLOSED",
			body:      "ORDER_OPENED:" + id.String(),
			wantErr:   ErrMalformedCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSystemCommand(tt.recipient, tt.body)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystemDraft_LegacyEncodingRoundTrip(t *testing.T) {
	id := uuid.New()
	draft := SystemDraft(CommandOrderSummary, id, ReasonDeadline, "summary")

	assert.Equal(t, "SYSTEM_GENERAL_ORDER_SUMMARY", draft.Recipient)
	assert.Equal(t, "GENERAL_ORDER_SUMMARY:"+id.String()+":deadline", draft.Body)
	require.NotNil(t, draft.Command)

	parsed, err := ParseSystemCommand(draft.Recipient, draft.Body)
	require.NoError(t, err)
	assert.Equal(t, *draft.Command, parsed)
}

func TestQueueEntry_SystemCommand(t *testing.T) {
	id := uuid.New()

	structured := QueueEntry{Command: &SystemCommand{Command: CommandReminder1h, OrderID: id}}
	assert.True(t, structured.IsSystem())
	sc, err := structured.SystemCommand()
	require.NoError(t, err)
	assert.Equal(t, CommandReminder1h, sc.Command)

	legacy := QueueEntry{Recipient: "SYSTEM_REMINDER_10M", Body: "REMINDER_10M:" + id.String()}
	assert.True(t, legacy.IsSystem())
	sc, err = legacy.SystemCommand()
	require.NoError(t, err)
	assert.Equal(t, id, sc.OrderID)

	direct := QueueEntry{Recipient: "a@example.com"}
	assert.False(t, direct.IsSystem())
}

func TestOrder_Flags(t *testing.T) {
	o := Order{Notified: map[NotificationKind]bool{KindOpening: true, KindReminder1h: true}}

	assert.True(t, o.OpeningEmailSent())
	assert.True(t, o.Reminder1hSent())
	assert.False(t, o.Reminder10mSent())
	assert.False(t, o.ClosureEmailSent())
	assert.False(t, Order{}.ClosureEmailSent())
}
