package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const defaultChromeTimeout = 30 * time.Second

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
	margin   = 0.4
)

type ChromeOptions struct {
	// RemoteURL points at a running Chrome DevTools endpoint. A local
	// headless browser is started when empty.
	RemoteURL string
	Timeout   time.Duration
	NoSandbox bool
	Log       *zap.Logger
}

// ChromeRenderer prints HTML to PDF through the Chrome DevTools protocol.
type ChromeRenderer struct {
	timeout     time.Duration
	log         *zap.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromeRenderer(opts ChromeOptions) *ChromeRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultChromeTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	r := &ChromeRenderer{timeout: opts.Timeout, log: opts.Log}
	if opts.RemoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
		return r
	}

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if opts.NoSandbox {
		flags = append(flags, chromedp.Flag("no-sandbox", true))
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), flags...)
	return r
}

// RenderPDF loads html into a fresh tab and prints it.
func (r *ChromeRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("empty html document")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tabCtx, tabCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			r.log.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer tabCancel()

	// tie the tab to the caller's deadline
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				WithMarginTop(margin).
				WithMarginBottom(margin).
				WithMarginLeft(margin).
				WithMarginRight(margin).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pdf render timed out after %s: %w", r.timeout, err)
		}
		return nil, fmt.Errorf("pdf render: %w", err)
	}
	return pdf, nil
}

// Close shuts the browser allocator down.
func (r *ChromeRenderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}
