// Package imap reads containers from a folder on an IMAP server without changing it.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

var ErrMissingHost = errors.New("imap host is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	Filter             *filter.Filter
}

func (o Options) folder() string {
	if o.Folder == "" {
		return "INBOX"
	}
	return o.Folder
}

func (o Options) validate() error {
	if o.Host == "" {
		return ErrMissingHost
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("imap port must be between 1 and 65535")
	}
	if o.Username == "" {
		return fmt.Errorf("imap username is empty")
	}
	return nil
}

type Source struct {
	opts   Options
	runner *runner.Runner
	logger *slog.Logger
}

func NewSource(opts Options, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{opts: opts, runner: r, logger: logger}
	r.AddSource("imap", s.stream)
	return s, nil
}

func (s *Source) stream(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		// A server that cannot be reached is reported like any other unreadable container.
		return emit(ctx, out, model.Envelope{Err: fmt.Errorf("%w: %w", model.ErrContainerParse, err)})
	}
	defer cleanup()

	folder := s.opts.folder()
	data, err := client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return emit(ctx, out, model.Envelope{Err: fmt.Errorf("%w: select %s: %w", model.ErrContainerParse, folder, err)})
	}
	s.logger.Info("imap folder selected", "folder", folder, "messages", data.NumMessages)
	if data.NumMessages == 0 {
		return nil
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(1, data.NumMessages)
	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	closed := false
	defer func() {
		if !closed {
			_ = cmd.Close()
		}
	}()

	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		var (
			uid imapv2.UID
			raw []byte
			rerr error
		)
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch item := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = item.UID
			case imapclient.FetchItemDataBodySection:
				raw, rerr = io.ReadAll(item.Literal)
			}
		}

		name := fmt.Sprintf("%s/%d", folder, uid)
		if uid == 0 {
			name = fmt.Sprintf("%s/seq-%d", folder, msg.SeqNum)
		}
		if rerr != nil {
			if err := emit(ctx, out, model.Envelope{Err: fmt.Errorf("%w: %s: %w", model.ErrContainerParse, name, rerr)}); err != nil {
				return err
			}
			continue
		}

		c := model.NewContainer(s.source(), name, raw)
		if !s.opts.Filter.AllowsRaw(raw) {
			s.runner.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, MessageID: name})
			continue
		}
		if err := emit(ctx, out, model.Envelope{Container: c}); err != nil {
			return err
		}
	}

	closed = true
	if err := cmd.Close(); err != nil {
		return emit(ctx, out, model.Envelope{Err: fmt.Errorf("%w: fetch %s: %w", model.ErrContainerParse, folder, err)})
	}
	return nil
}

func (s *Source) source() string {
	return fmt.Sprintf("imap://%s@%s/%s", s.opts.Username, net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)), s.opts.folder())
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.opts.folder(), "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}
