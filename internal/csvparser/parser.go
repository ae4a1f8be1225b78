package csvparser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

var ErrSystemRecipient = errors.New("system recipients cannot be uploaded")

// Defaults apply to every row of a bulk upload.
type Defaults struct {
	Subject      string
	Template     string
	Body         string
	Priority     int
	MaxAttempts  int
	ScheduledFor *time.Time
}

// ParseDrafts turns a recipients CSV into queue drafts. Subject and Template
// columns override the defaults for their row; every other column becomes
// template data.
func ParseDrafts(r io.Reader, d Defaults, maxRows int) ([]models.QueueEntryDraft, error) {
	rows, err := ParseRecipientRows(r, maxRows)
	if err != nil {
		return nil, err
	}

	drafts := make([]models.QueueEntryDraft, 0, len(rows))
	for _, row := range rows {
		if models.IsSentinel(row.Email) {
			return nil, fmt.Errorf("%w: line %d", ErrSystemRecipient, row.Line)
		}

		draft := models.QueueEntryDraft{
			Recipient:    row.Email,
			Subject:      d.Subject,
			Template:     d.Template,
			Body:         d.Body,
			Priority:     d.Priority,
			MaxAttempts:  d.MaxAttempts,
			ScheduledFor: d.ScheduledFor,
			Data:         make(map[string]any, len(row.Fields)),
		}
		for k, v := range row.Fields {
			// empty override cells keep the defaults
			switch {
			case strings.EqualFold(k, "subject"):
				if v != "" {
					draft.Subject = v
				}
			case strings.EqualFold(k, "template"):
				if v != "" {
					draft.Template = v
				}
			default:
				draft.Data[k] = v
			}
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}
