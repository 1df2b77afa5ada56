// Package message turns a stored email into a Message: headers, body, conversation
// segments and the text of its attachments.
package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-extract/conversation"
	"github.com/dhcgn/mail-extract/model"
)

// Dispatcher extracts text from a single attachment.
type Dispatcher interface {
	Dispatch(ctx context.Context, att model.Attachment) (model.ExtractionResult, bool, error)
}

type Options struct {
	// AttachmentWorkers bounds concurrent extraction within one message. Values below one
	// mean sequential.
	AttachmentWorkers int
	// FailFast fails the whole message on the first attachment error instead of recording
	// it in Message.Failures.
	FailFast bool
}

type Parser struct {
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

func NewParser(d Dispatcher, opts Options, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AttachmentWorkers < 1 {
		opts.AttachmentWorkers = 1
	}
	return &Parser{dispatcher: d, opts: opts, logger: logger}
}

// ParseFile reads a single .eml file from disk and parses it.
func (p *Parser) ParseFile(ctx context.Context, path string) (model.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: read %s: %w", model.ErrContainerParse, path, err)
	}
	return p.Parse(ctx, model.NewContainer(path, filepath.Base(path), raw))
}

// Parse decodes the container and extracts every supported attachment. A container that
// cannot be decoded yields model.ErrContainerParse and no message.
func (p *Parser) Parse(ctx context.Context, c model.Container) (model.Message, error) {
	msg, err := Decode(c)
	if err != nil {
		return model.Message{}, err
	}
	if err := p.extract(ctx, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

type slot struct {
	result  model.ExtractionResult
	ok      bool
	failure error
}

func (p *Parser) extract(ctx context.Context, msg *model.Message) error {
	if len(msg.Attachments) == 0 {
		return nil
	}
	logger := p.logger.With("message", msg.ID)
	slots := make([]slot, len(msg.Attachments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.AttachmentWorkers)
	for i, att := range msg.Attachments {
		g.Go(func() error {
			res, ok, err := p.dispatcher.Dispatch(gctx, att)
			if err != nil {
				if p.opts.FailFast {
					return fmt.Errorf("attachment %d (%s): %w", i, att.Filename, err)
				}
				logger.Warn("attachment extraction failed", "attachment", att.Filename, "err", err)
				slots[i] = slot{ok: true, failure: err}
				return nil
			}
			res.Index = i
			slots[i] = slot{result: res, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, s := range slots {
		switch {
		case !s.ok:
			msg.Skipped = append(msg.Skipped, msg.Attachments[i].Filename)
		case s.failure != nil:
			msg.Failures = append(msg.Failures, model.AttachmentFailure{
				Index:    i,
				Filename: msg.Attachments[i].Filename,
				Err:      s.failure,
			})
		default:
			msg.Results = append(msg.Results, s.result)
		}
	}
	return nil
}

// Decode parses headers, body and attachments without extracting any text from the
// attachments.
func Decode(c model.Container) (model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(c.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.Message{}, fmt.Errorf("%w: %s: %w", model.ErrContainerParse, c.Name, err)
	}
	if mr == nil {
		return model.Message{}, fmt.Errorf("%w: %s: no message", model.ErrContainerParse, c.Name)
	}
	defer mr.Close()

	msg := model.Message{
		ID:     messageID(mr.Header, c.Name),
		Source: c.Source,
		Sender: sender(mr.Header),
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	var plain, html string
	var havePlain, haveHTML bool
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) && part == nil {
				continue
			}
			if !message.IsUnknownCharset(err) {
				return model.Message{}, fmt.Errorf("%w: %s: %w", model.ErrContainerParse, c.Name, err)
			}
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			att, err := readAttachment(part.Body, attachmentName(h), contentType(&h.Header), len(msg.Attachments))
			if err != nil {
				return model.Message{}, fmt.Errorf("%w: %s: %w", model.ErrContainerParse, c.Name, err)
			}
			msg.Attachments = append(msg.Attachments, att)
		case *mail.InlineHeader:
			ct := contentType(&h.Header)
			if name := inlineName(h); name != "" {
				att, err := readAttachment(part.Body, name, ct, len(msg.Attachments))
				if err != nil {
					return model.Message{}, fmt.Errorf("%w: %s: %w", model.ErrContainerParse, c.Name, err)
				}
				msg.Attachments = append(msg.Attachments, att)
				continue
			}
			switch {
			case !havePlain && (ct == "text/plain" || ct == ""):
				b, err := io.ReadAll(part.Body)
				if err != nil {
					return model.Message{}, fmt.Errorf("%w: %s: read body: %w", model.ErrContainerParse, c.Name, err)
				}
				plain, havePlain = string(b), true
			case !haveHTML && ct == "text/html":
				b, err := io.ReadAll(part.Body)
				if err != nil {
					return model.Message{}, fmt.Errorf("%w: %s: read body: %w", model.ErrContainerParse, c.Name, err)
				}
				html, haveHTML = string(b), true
			}
		}
	}

	switch {
	case havePlain:
		msg.RawBody = normalizeNewlines(plain)
	case haveHTML:
		msg.RawBody = normalizeNewlines(htmlToText(html))
	}
	msg.Segments = conversation.Split(msg.RawBody)
	return msg, nil
}

func readAttachment(r io.Reader, name, mimeHint string, index int) (model.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("read attachment %q: %w", name, err)
	}
	if name == "" {
		name = fmt.Sprintf("attachment-%d", index+1)
	}
	return model.Attachment{Filename: name, MimeHint: mimeHint, Content: data}, nil
}

func attachmentName(h *mail.AttachmentHeader) string {
	name, err := h.Filename()
	if err != nil || name == "" {
		_, params, _ := h.ContentType()
		return params["name"]
	}
	return name
}

// inlineName returns the filename of an inline part that is really a file, such as an
// embedded image, or "" for body text.
func inlineName(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	ct, params, err := h.ContentType()
	if err != nil || strings.HasPrefix(ct, "text/") {
		return ""
	}
	return params["name"]
}

func contentType(h *message.Header) string {
	ct, _, err := h.ContentType()
	if err != nil {
		return ""
	}
	return strings.ToLower(ct)
}

func messageID(h mail.Header, fallback string) string {
	id, err := h.MessageID()
	if err != nil || id == "" {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if id == "" {
		return fallback
	}
	return id
}

func sender(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get("From"))
	}
	a := addrs[0]
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

var newlineReplacer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func normalizeNewlines(s string) string {
	return newlineReplacer.Replace(s)
}
