// Copyright 2024 The Briefwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deliver ships a rendered artifact through the pipeline's single
// delivery channel: HTML mail or a Markdown chat card. Transport clients
// are injected; this package owns templating of subject/title, the footer
// links, retries, and the ok/partial/failed outcome.
package deliver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/write"
)

// EmailMessage is one outbound mail.
type EmailMessage struct {
	From         string
	To           string
	Subject      string
	HTML         string
	Text         string
	ExtraHeaders map[string]string
}

// EmailClient sends mail. Implementations must be safe for concurrent use.
type EmailClient interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// ChatClient talks to one chat app (credentials already bound).
type ChatClient interface {
	// ListChats enumerates the chats the bot has joined.
	ListChats(ctx context.Context) ([]string, error)
	// SendCard posts a Markdown card to one chat.
	SendCard(ctx context.Context, chatID, markdown string) error
}

// ChatClientFactory binds per-pipeline app credentials to a client.
type ChatClientFactory func(appID, appSecret string) ChatClient

// Outcome statuses, aligned with the pipeline run statuses they map to.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Outcome reports what a delivery achieved.
type Outcome struct {
	Status  string
	Sent    int
	Failed  int
	Summary string
}

// Options configure the driver.
type Options struct {
	// From is the mail sender address.
	From string
	// FrontendBaseURL, when set, enables the manage/unsubscribe footer and
	// the List-Unsubscribe header.
	FrontendBaseURL string
	// MaxRetries and RetryBase govern per-target transport retries.
	MaxRetries int
	RetryBase  time.Duration
}

// Driver ships artifacts.
type Driver struct {
	logger log.Logger
	email  EmailClient
	chat   ChatClientFactory
	opts   Options
}

// New builds a driver. Either client may be nil when the deployment has no
// such channel; a pipeline configured for it then fails delivery.
func New(logger log.Logger, email EmailClient, chat ChatClientFactory, opts Options) *Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	return &Driver{logger: logger, email: email, chat: chat, opts: opts}
}

// Substitute fills the ${date_zh} and ${ts} placeholders of subject and
// title templates.
func Substitute(template string, now time.Time, loc *time.Location) string {
	local := now.In(loc)
	return strings.NewReplacer(
		"${date_zh}", local.Format("2006年01月02日"),
		"${ts}", local.Format("2006-01-02 15:04:05"),
	).Replace(template)
}

// Deliver ships the artifact through the bundle's channel and reports the
// outcome. The bundle is assumed validated (exactly one delivery row).
func (d *Driver) Deliver(ctx context.Context, b *catalogue.PipelineBundle, art write.Artifact, now time.Time, loc *time.Location) Outcome {
	switch {
	case b.Email != nil:
		return d.deliverEmail(ctx, b, art, now, loc)
	case b.Chat != nil:
		return d.deliverChat(ctx, b, art, now, loc)
	default:
		return Outcome{Status: StatusFailed, Summary: "no delivery configured"}
	}
}

func (d *Driver) deliverEmail(ctx context.Context, b *catalogue.PipelineBundle, art write.Artifact, now time.Time, loc *time.Location) Outcome {
	if d.email == nil {
		return Outcome{Status: StatusFailed, Summary: "email transport not configured"}
	}
	msg := EmailMessage{
		From:         d.opts.From,
		To:           b.Email.Email,
		Subject:      Substitute(b.Email.SubjectTemplate, now, loc),
		HTML:         art.Body,
		Text:         htmlToText(art.Body),
		ExtraHeaders: map[string]string{},
	}
	if d.opts.FrontendBaseURL != "" {
		manage, unsubscribe := d.footerLinks(b.Email.Email, b.Pipeline.ID)
		msg.HTML = appendFooter(msg.HTML, manage, unsubscribe)
		msg.ExtraHeaders["List-Unsubscribe"] = "<" + unsubscribe + ">"
	}

	err := d.withRetry(ctx, func(ctx context.Context) error { return d.email.Send(ctx, msg) })
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "email delivery failed", "pipeline", b.Pipeline.ID, "to", msg.To, "err", err)
		return Outcome{Status: StatusFailed, Failed: 1, Summary: fmt.Sprintf("email to %s failed: %s", msg.To, err)}
	}
	return Outcome{Status: StatusOK, Sent: 1, Summary: "email sent to " + msg.To}
}

func (d *Driver) deliverChat(ctx context.Context, b *catalogue.PipelineBundle, art write.Artifact, now time.Time, loc *time.Location) Outcome {
	if d.chat == nil {
		return Outcome{Status: StatusFailed, Summary: "chat transport not configured"}
	}
	client := d.chat(b.Chat.AppID, b.Chat.AppSecret)
	title := Substitute(b.Chat.TitleTemplate, now, loc)
	card := art.Body
	if title != "" {
		card = "**" + title + "**\n\n" + card
	}

	var targets []string
	if b.Chat.ToAllChat {
		chats, err := client.ListChats(ctx)
		if err != nil {
			return Outcome{Status: StatusFailed, Summary: fmt.Sprintf("list chats: %s", err)}
		}
		if len(chats) == 0 {
			// Nothing was delivered, so this is a failure rather than a
			// partial outcome.
			return Outcome{Status: StatusFailed, Summary: "no joined chats"}
		}
		targets = chats
	} else {
		targets = []string{*b.Chat.ChatID}
	}

	var sent, failed int
	var firstErr string
	for _, chatID := range targets {
		err := d.withRetry(ctx, func(ctx context.Context) error { return client.SendCard(ctx, chatID, card) })
		if err != nil {
			_ = level.Warn(d.logger).Log("msg", "chat delivery failed", "pipeline", b.Pipeline.ID, "chat", chatID, "err", err)
			failed++
			if firstErr == "" {
				firstErr = err.Error()
			}
			continue
		}
		sent++
	}
	switch {
	case failed == 0:
		return Outcome{Status: StatusOK, Sent: sent, Summary: fmt.Sprintf("card sent to %d chats", sent)}
	case sent > 0:
		return Outcome{Status: StatusPartial, Sent: sent, Failed: failed,
			Summary: fmt.Sprintf("card sent to %d of %d chats: %s", sent, sent+failed, firstErr)}
	default:
		return Outcome{Status: StatusFailed, Failed: failed, Summary: "all chat targets failed: " + firstErr}
	}
}

func (d *Driver) withRetry(ctx context.Context, send func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(d.opts.RetryBase << (attempt - 2))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if lastErr = send(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (d *Driver) footerLinks(email string, pipelineID int64) (manage, unsubscribe string) {
	base := strings.TrimRight(d.opts.FrontendBaseURL, "/")
	q := url.Values{}
	q.Set("email", email)
	q.Set("pipeline_id", fmt.Sprint(pipelineID))
	return base + "/manage?" + q.Encode(), base + "/unsubscribe?" + q.Encode()
}

func appendFooter(html, manage, unsubscribe string) string {
	footer := fmt.Sprintf(
		`<div style="margin-top:24px;font-size:12px;color:#999"><a href="%s">管理订阅</a> · <a href="%s">退订</a></div>`,
		manage, unsubscribe)
	if i := strings.LastIndex(html, "</body>"); i >= 0 {
		return html[:i] + footer + html[i:]
	}
	return html + footer
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// htmlToText produces the crude plain-text fallback body.
func htmlToText(html string) string {
	text := tagRe.ReplaceAllString(html, "")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
