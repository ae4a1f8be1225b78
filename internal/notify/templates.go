package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
	"gopkg.in/yaml.v3"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

//go:embed templates/catalog.yaml templates/layout.html
var templatesFS embed.FS

var ErrUnknownTemplate = errors.New("unknown notification template")

type templateSource struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type catalogFile struct {
	System map[string]templateSource `yaml:"system"`
	Direct map[string]templateSource `yaml:"direct"`
}

// compiled holds a catalog entry parsed twice: html escapes interpolated
// values for Markdown, text leaves them as they are.
type compiled struct {
	subject *template.Template
	text    *template.Template
	html    *template.Template
}

// mdPunct is the ASCII punctuation Markdown allows to be backslash-escaped.
const mdPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// escapeMarkdown makes s render as literal text inside a Markdown body.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(mdPunct, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RenderOptions configures locale-dependent output.
type RenderOptions struct {
	Language string // BCP 47 tag, e.g. "he" or "en"
	Currency string // ISO 4217 code
	Location *time.Location
}

// Renderer turns catalog templates into subject, text and HTML parts.
type Renderer struct {
	system map[models.Command]compiled
	direct map[string]compiled

	lang       language.Tag
	currency   string
	printer    *message.Printer
	decimalSep string
	loc        *time.Location
	layout     *htmltemplate.Template

	md   goldmark.Markdown
	mdMu sync.Mutex
}

// Rendered is the output of one template execution.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

func NewRenderer(opts RenderOptions) (*Renderer, error) {
	raw, err := templatesFS.ReadFile("templates/catalog.yaml")
	if err != nil {
		return nil, err
	}
	var cat catalogFile
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}

	lang := language.English
	if opts.Language != "" {
		if lang, err = language.Parse(opts.Language); err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", opts.Language, err)
		}
	}

	code := "ILS"
	if opts.Currency != "" {
		unit, err := currency.ParseISO(opts.Currency)
		if err != nil {
			return nil, fmt.Errorf("invalid currency %q: %w", opts.Currency, err)
		}
		code = unit.String()
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	layoutSrc, err := templatesFS.ReadFile("templates/layout.html")
	if err != nil {
		return nil, err
	}
	layout, err := htmltemplate.New("layout").Parse(string(layoutSrc))
	if err != nil {
		return nil, fmt.Errorf("parse email layout: %w", err)
	}

	printer := message.NewPrinter(lang)
	decimalSep := strings.TrimSuffix(
		strings.TrimPrefix(printer.Sprint(number.Decimal(0.5, number.Scale(1))), printer.Sprint(number.Decimal(0))),
		printer.Sprint(number.Decimal(5)),
	)

	r := &Renderer{
		system:     make(map[models.Command]compiled, len(cat.System)),
		direct:     make(map[string]compiled, len(cat.Direct)),
		lang:       lang,
		currency:   code,
		printer:    printer,
		decimalSep: decimalSep,
		loc:        loc,
		layout:     layout,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
		),
	}

	for name, src := range cat.System {
		cmd := models.Command(name)
		if !cmd.Valid() {
			return nil, fmt.Errorf("catalog: unknown system command %q", name)
		}
		c, err := r.compile(name, src)
		if err != nil {
			return nil, err
		}
		r.system[cmd] = c
	}
	for name, src := range cat.Direct {
		c, err := r.compile(name, src)
		if err != nil {
			return nil, err
		}
		r.direct[name] = c
	}
	return r, nil
}

func (r *Renderer) compile(name string, src templateSource) (compiled, error) {
	plain := func(v any) string { return fmt.Sprint(v) }
	escaped := func(v any) string { return escapeMarkdown(fmt.Sprint(v)) }
	funcs := func(md func(any) string) template.FuncMap {
		return template.FuncMap{
			"money": r.Money,
			"date":  r.Date,
			"join":  strings.Join,
			"md":    md,
		}
	}

	subject, err := template.New(name + ".subject").Funcs(funcs(plain)).Parse(src.Subject)
	if err != nil {
		return compiled{}, fmt.Errorf("catalog %s subject: %w", name, err)
	}
	text, err := template.New(name + ".body").Funcs(funcs(plain)).Parse(src.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("catalog %s body: %w", name, err)
	}
	rich, err := template.New(name + ".html").Funcs(funcs(escaped)).Parse(src.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("catalog %s body: %w", name, err)
	}
	return compiled{subject: subject, text: text, html: rich}, nil
}

// Currency is the ISO code amounts are labelled with.
func (r *Renderer) Currency() string { return r.currency }

// Money formats an amount with two decimals and locale grouping. Whole
// units and cents are printed as integers so the amount never goes
// through float64.
func (r *Renderer) Money(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	whole := d.Truncate(0)
	cents := d.Sub(whole).Shift(2).IntPart()

	return sign + r.printer.Sprint(number.Decimal(whole.IntPart())) + r.decimalSep +
		r.printer.Sprint(number.Decimal(cents, number.MinIntegerDigits(2), number.NoSeparator()))
}

func (r *Renderer) Date(v any) string {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return ""
		}
		t = *x
	default:
		return fmt.Sprint(v)
	}
	return t.In(r.loc).Format("02/01/2006 15:04")
}

// System renders the template of a system command.
func (r *Renderer) System(cmd models.Command, data any) (Rendered, error) {
	c, ok := r.system[cmd]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, cmd)
	}
	return r.execute(c, data)
}

// Direct renders a named catalog template with free-form data.
func (r *Renderer) Direct(name string, data map[string]any) (Rendered, error) {
	c, ok := r.direct[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return r.execute(c, data)
}

// Markdown renders an inline body. The subject is used as is.
func (r *Renderer) Markdown(subject, body string) (Rendered, error) {
	htmlBody, err := r.toHTML(subject, body)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Text: strings.TrimSpace(body), HTML: htmlBody}, nil
}

func (r *Renderer) execute(c compiled, data any) (Rendered, error) {
	var subject, text, markdown bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return Rendered{}, fmt.Errorf("template execution error: %w", err)
	}
	if err := c.text.Execute(&text, data); err != nil {
		return Rendered{}, fmt.Errorf("template execution error: %w", err)
	}
	if err := c.html.Execute(&markdown, data); err != nil {
		return Rendered{}, fmt.Errorf("template execution error: %w", err)
	}

	out := Rendered{
		Subject: strings.Join(strings.Fields(subject.String()), " "),
		Text:    strings.TrimSpace(text.String()),
	}
	htmlBody, err := r.toHTML(out.Subject, strings.TrimSpace(markdown.String()))
	if err != nil {
		return Rendered{}, err
	}
	out.HTML = htmlBody
	return out, nil
}

func (r *Renderer) toHTML(title, markdown string) (string, error) {
	var content bytes.Buffer
	r.mdMu.Lock()
	err := r.md.Convert([]byte(markdown), &content)
	r.mdMu.Unlock()
	if err != nil {
		content.Reset()
		content.WriteString("<pre>")
		content.WriteString(htmltemplate.HTMLEscapeString(markdown))
		content.WriteString("</pre>")
	}

	dir := "ltr"
	if base, _ := r.lang.Base(); base.String() == "he" || base.String() == "ar" {
		dir = "rtl"
	}

	var out bytes.Buffer
	err = r.layout.Execute(&out, struct {
		Lang  string
		Dir   string
		Title string
		Body  htmltemplate.HTML
	}{
		Lang:  r.lang.String(),
		Dir:   dir,
		Title: title,
		Body:  htmltemplate.HTML(content.String()),
	})
	if err != nil {
		return "", fmt.Errorf("render email layout: %w", err)
	}
	return out.String(), nil
}
