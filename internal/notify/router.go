package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/email"
	"github.com/socsahar/Vapes-Shop-sub001/internal/metrics"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

var (
	ErrUnknownCommand = models.ErrUnknownCommand
	ErrOrderNotFound  = errors.New("order referenced by system notification not found")
)

// Directory is the read side of the shop data a fan-out needs.
type Directory interface {
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	ActiveUsers(ctx context.Context) ([]models.User, error)
	AllUsers(ctx context.Context) ([]models.User, error)
	Admins(ctx context.Context) ([]models.User, error)
	OrderStats(ctx context.Context, orderID uuid.UUID) (models.OrderStats, error)
}

// ReportGenerator renders one report of an order as a PDF.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, orderID uuid.UUID, kind string) ([]byte, error)
}

// Router expands system queue entries into concrete messages.
type Router struct {
	Dir      Directory
	Renderer *Renderer
	Log      *zap.Logger

	// Reports is optional. Each kind in ReportKinds becomes one
	// attachment of the summary email.
	Reports     ReportGenerator
	ReportKinds []string

	ShopURL string
}

type systemData struct {
	Order    models.Order
	User     models.User
	Stats    models.OrderStats
	Reason   string
	ClosedAt *time.Time
	ShopURL  string
	Currency string
	Reports  []string
}

// Resolve returns one message per target recipient of a system entry.
// Unknown commands and missing orders are permanent errors.
func (r *Router) Resolve(ctx context.Context, entry models.QueueEntry) ([]email.Message, error) {
	sc, err := entry.SystemCommand()
	if err != nil {
		return nil, email.Permanent(fmt.Errorf("entry %d: %w", entry.ID, err))
	}

	log := r.Log.With(
		zap.Int64("entry_id", entry.ID),
		zap.String("command", string(sc.Command)),
		zap.String("order_id", sc.OrderID.String()),
	)

	order, err := r.Dir.GetOrder(ctx, sc.OrderID)
	if errors.Is(err, db.ErrNotFound) {
		metrics.OrphanedEntries.Inc()
		log.Warn("orphaned system notification, order is gone")
		return nil, email.Permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, sc.OrderID))
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", sc.OrderID, err)
	}

	data := systemData{
		Order:    order,
		Reason:   sc.Reason,
		ClosedAt: order.ClosedAt,
		ShopURL:  r.ShopURL,
		Currency: r.Renderer.Currency(),
	}
	if data.ClosedAt == nil {
		data.ClosedAt = &order.Deadline
	}

	var (
		users       []models.User
		attachments []email.Attachment
	)
	switch sc.Command {
	case models.CommandOrderOpened, models.CommandReminder1h, models.CommandReminder10m:
		users, err = r.Dir.ActiveUsers(ctx)
	case models.CommandOrderClosed:
		users, err = r.Dir.AllUsers(ctx)
	case models.CommandOrderSummary:
		users, err = r.Dir.Admins(ctx)
		if err == nil {
			data.Stats, err = r.Dir.OrderStats(ctx, order.ID)
		}
		if err == nil {
			attachments = r.reports(ctx, log, order.ID)
			for _, a := range attachments {
				data.Reports = append(data.Reports, a.Filename)
			}
		}
	default:
		return nil, email.Permanent(fmt.Errorf("%w: %s", ErrUnknownCommand, sc.Command))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipients of %s: %w", sc.Command, err)
	}

	messages := make([]email.Message, 0, len(users))
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		data.User = u
		rendered, err := r.Renderer.System(sc.Command, data)
		if err != nil {
			return nil, email.Permanent(err)
		}
		messages = append(messages, email.Message{
			To:          u.Email,
			Subject:     rendered.Subject,
			Text:        rendered.Text,
			HTML:        rendered.HTML,
			Attachments: attachments,
		})
	}

	log.Debug("system notification resolved", zap.Int("messages", len(messages)))
	return messages, nil
}

// reports renders the configured attachments. A failed report is logged and
// left out; the summary is still sent.
func (r *Router) reports(ctx context.Context, log *zap.Logger, orderID uuid.UUID) []email.Attachment {
	if r.Reports == nil {
		return nil
	}

	var out []email.Attachment
	for _, kind := range r.ReportKinds {
		pdf, err := r.Reports.GenerateReport(ctx, orderID, kind)
		if err != nil {
			metrics.ReportFailures.Inc()
			log.Error("report generation failed, sending summary without it",
				zap.String("report", kind),
				zap.Error(err),
			)
			continue
		}
		out = append(out, email.Attachment{
			Filename:    fmt.Sprintf("%s-%s.pdf", kind, orderID.String()[:8]),
			ContentType: "application/pdf",
			Data:        pdf,
		})
	}
	return out
}
