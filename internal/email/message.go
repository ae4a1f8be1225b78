package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"
)

// Message is one outbound email, already rendered.
type Message struct {
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Transport delivers a rendered message. Implementations return an error
// wrapped with Permanent when retrying cannot help.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

var ErrPermanent = errors.New("permanent delivery failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
// SMTP replies in the 5xx range count as permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}

// ValidateAddress rejects recipients no provider will accept.
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return Permanent(fmt.Errorf("empty recipient address"))
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return Permanent(fmt.Errorf("invalid recipient %q: %w", addr, err))
	}
	return nil
}
