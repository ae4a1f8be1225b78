// Package report renders per-order reports as HTML and converts them to PDF
// for the admin summary email.
package report

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

// Report kinds.
const (
	KindParticipants = "participants"
	KindProducts     = "products"
)

var ErrUnknownKind = errors.New("unknown report kind")

//go:embed templates/report.html
var templatesFS embed.FS

var reportTmpl = template.Must(template.ParseFS(templatesFS, "templates/report.html"))

type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	OrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	AllUsers(ctx context.Context) ([]models.User, error)
}

// PDFRenderer converts a complete HTML document to PDF bytes.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

type Generator struct {
	Store Store
	PDF   PDFRenderer
	Log   *zap.Logger

	Language string
	Currency string
	// Money formats amounts; decimal fixed-point with two places when nil.
	Money    func(decimal.Decimal) string
	Location *time.Location
}

type line struct {
	Product   string
	Quantity  int
	UnitPrice string
	Total     string
}

type participantGroup struct {
	Name     string
	Lines    []line
	Subtotal string
}

type productRow struct {
	Product  string
	Quantity int
	Orders   int
	Total    string
}

type reportData struct {
	Lang     string
	Dir      string
	Title    string
	Kind     string
	Order    models.Order
	Deadline string
	Stats    models.OrderStats
	Groups   []participantGroup
	Products []productRow
	Total    string
	Currency string
}

// GenerateReport renders one report of an order as a PDF.
func (g *Generator) GenerateReport(ctx context.Context, orderID uuid.UUID, kind string) ([]byte, error) {
	html, err := g.RenderHTML(ctx, orderID, kind)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pdf, err := g.PDF.RenderPDF(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("render %s report pdf: %w", kind, err)
	}
	g.Log.Debug("report rendered",
		zap.String("order_id", orderID.String()),
		zap.String("report", kind),
		zap.Int("bytes", len(pdf)),
		zap.Duration("took", time.Since(start)),
	)
	return pdf, nil
}

// RenderHTML builds the HTML document of a report.
func (g *Generator) RenderHTML(ctx context.Context, orderID uuid.UUID, kind string) (string, error) {
	if kind != KindParticipants && kind != KindProducts {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	order, err := g.Store.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	items, err := g.Store.OrderItems(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order items: %w", err)
	}

	stats := db.Summarize(items)
	data := reportData{
		Lang:     g.Language,
		Dir:      "ltr",
		Kind:     kind,
		Order:    order,
		Deadline: order.Deadline.In(g.location()).Format("02/01/2006 15:04"),
		Stats:    stats,
		Total:    g.money(stats.TotalAmount),
		Currency: g.Currency,
	}
	if data.Lang == "he" || data.Lang == "ar" {
		data.Dir = "rtl"
	}

	switch kind {
	case KindParticipants:
		data.Title = "Orders by participant"
		users, err := g.Store.AllUsers(ctx)
		if err != nil {
			return "", fmt.Errorf("load users: %w", err)
		}
		data.Groups = g.byParticipant(items, users)
	case KindProducts:
		data.Title = "Orders by product"
		data.Products = g.byProduct(items)
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s report: %w", kind, err)
	}
	return buf.String(), nil
}

func (g *Generator) byParticipant(items []models.OrderItem, users []models.User) []participantGroup {
	names := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		name := u.FullName
		if name == "" {
			name = u.Email
		}
		names[u.ID] = name
	}

	var (
		order  []uuid.UUID
		groups = make(map[uuid.UUID]*participantGroup)
		totals = make(map[uuid.UUID]decimal.Decimal)
	)
	for _, it := range items {
		grp, ok := groups[it.UserID]
		if !ok {
			name := names[it.UserID]
			if name == "" {
				name = it.UserID.String()
			}
			grp = &participantGroup{Name: name}
			groups[it.UserID] = grp
			order = append(order, it.UserID)
		}
		grp.Lines = append(grp.Lines, line{
			Product:   it.ProductName,
			Quantity:  it.Quantity,
			UnitPrice: g.money(it.UnitPrice),
			Total:     g.money(it.Total()),
		})
		totals[it.UserID] = totals[it.UserID].Add(it.Total())
	}

	out := make([]participantGroup, 0, len(order))
	for _, id := range order {
		grp := groups[id]
		grp.Subtotal = g.money(totals[id])
		out = append(out, *grp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Generator) byProduct(items []models.OrderItem) []productRow {
	type agg struct {
		name   string
		qty    int
		orders int
		total  decimal.Decimal
	}
	byID := make(map[string]*agg)
	var ids []string
	for _, it := range items {
		a, ok := byID[it.ProductID]
		if !ok {
			a = &agg{name: it.ProductName}
			byID[it.ProductID] = a
			ids = append(ids, it.ProductID)
		}
		a.qty += it.Quantity
		a.orders++
		a.total = a.total.Add(it.Total())
	}

	rows := make([]productRow, 0, len(ids))
	for _, id := range ids {
		a := byID[id]
		rows = append(rows, productRow{Product: a.name, Quantity: a.qty, Orders: a.orders, Total: g.money(a.total)})
	}
	// most ordered first
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Quantity > rows[j].Quantity })
	return rows
}

func (g *Generator) money(d decimal.Decimal) string {
	if g.Money != nil {
		return g.Money(d)
	}
	return d.StringFixed(2)
}

func (g *Generator) location() *time.Location {
	if g.Location != nil {
		return g.Location
	}
	return time.UTC
}
