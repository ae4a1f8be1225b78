package notify

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RenderOptions{Language: "en", Currency: "ILS"})
	require.NoError(t, err)
	return r
}

func goldenOrder() models.Order {
	deadline := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	return models.Order{
		ID:          uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Title:       "Spring restock",
		Description: "Liquids and coils",
		Deadline:    deadline,
		Status:      models.OrderOpen,
	}
}

func assertGolden(t *testing.T, name string, r Rendered) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(fmt.Sprintf("Subject: %s\n\n%s\n", r.Subject, r.Text)))
}

func TestRenderer_OrderOpened(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.System(models.CommandOrderOpened, systemData{
		Order:   goldenOrder(),
		User:    models.User{FullName: "Dana Levi"},
		ShopURL: "https://shop.example.com",
	})
	require.NoError(t, err)

	assertGolden(t, "order_opened", out)
	assert.Contains(t, out.HTML, "<strong>Spring restock</strong>")
	assert.Contains(t, out.HTML, `href="https://shop.example.com"`)
	assert.Contains(t, out.HTML, `<html lang="en" dir="ltr">`)
}

func TestRenderer_OrderSummary(t *testing.T) {
	r := newTestRenderer(t)
	o := goldenOrder()
	closed := o.Deadline

	out, err := r.System(models.CommandOrderSummary, systemData{
		Order:    o,
		User:     models.User{FullName: "Noa Admin"},
		Reason:   models.ReasonDeadline,
		ClosedAt: &closed,
		Currency: r.Currency(),
		Stats: models.OrderStats{
			Participants: 2,
			Products:     2,
			Items:        4,
			TotalAmount:  decimal.RequireFromString("64.8"),
		},
		Reports: []string{"supplier-11111111.pdf"},
	})
	require.NoError(t, err)

	assertGolden(t, "order_summary", out)
	assert.Contains(t, out.HTML, "<table>")
}

func TestRenderer_ReminderWithoutName(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.System(models.CommandReminder10m, systemData{Order: goldenOrder()})
	require.NoError(t, err)
	assert.Equal(t, `Last call: "Spring restock" closes in 10 minutes`, out.Subject)
	assert.Contains(t, out.Text, "Hi there,")
}

func TestRenderer_Direct(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Direct("announcement", map[string]any{"name": "Avi", "message": "New coils arrived."})
	require.NoError(t, err)
	assert.Equal(t, "News from the shop", out.Subject)
	assert.Equal(t, "Hi Avi,\n\nNew coils arrived.", out.Text)

	_, err = r.Direct("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestRenderer_Markdown(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Markdown("Hello", "# Title\n\n- a\n- b")
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Subject)
	assert.Contains(t, out.HTML, "<h1>Title</h1>")
	assert.Contains(t, out.HTML, "<li>a</li>")
}

func TestRenderer_Locale(t *testing.T) {
	r, err := NewRenderer(RenderOptions{Language: "he", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "USD", r.Currency())

	out, err := r.Markdown("x", "y")
	require.NoError(t, err)
	assert.Contains(t, out.HTML, `dir="rtl"`)

	_, err = NewRenderer(RenderOptions{Currency: "XYZW"})
	assert.Error(t, err)
}

func TestRenderer_Money(t *testing.T) {
	r := newTestRenderer(t)
	assert.Equal(t, "1,234.50", r.Money(decimal.RequireFromString("1234.5")))
	assert.Equal(t, "0.10", r.Money(decimal.RequireFromString("0.104")))
	assert.Equal(t, "-3.05", r.Money(decimal.RequireFromString("-3.049")))
	assert.Equal(t, "7.00", r.Money(decimal.NewFromInt(7)))
	// beyond float64 precision
	assert.Equal(t, "12,345,678,901,234,567.89", r.Money(decimal.RequireFromString("12345678901234567.89")))
}

func TestRenderer_InterpolatedFieldsAreLiteral(t *testing.T) {
	r := newTestRenderer(t)
	o := goldenOrder()
	o.Title = "[Sale](http://evil.example) www.evil.example"

	out, err := r.System(models.CommandOrderOpened, systemData{
		Order:   o,
		User:    models.User{FullName: "*Dana* <b>"},
		ShopURL: "https://shop.example.com",
	})
	require.NoError(t, err)

	assert.NotContains(t, out.HTML, "evil.example\"")
	assert.Equal(t, 1, strings.Count(out.HTML, "<a "))
	assert.Contains(t, out.HTML, "[Sale](http://evil.example) www.evil.example")
	assert.Contains(t, out.HTML, "Hi *Dana* &lt;b&gt;,")
	assert.NotContains(t, out.HTML, "<em>Dana</em>")

	// the plain text part keeps the values untouched
	assert.Contains(t, out.Text, "**[Sale](http://evil.example) www.evil.example**")
	assert.Contains(t, out.Text, "Hi *Dana* <b>,")

	direct, err := r.Direct("announcement", map[string]any{"name": "_Avi_", "message": "**Big** news"})
	require.NoError(t, err)
	assert.Contains(t, direct.HTML, "Hi _Avi_,")
	assert.Contains(t, direct.HTML, "<strong>Big</strong> news")
}
