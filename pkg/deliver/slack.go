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

package deliver

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackChat implements ChatClient for Slack. The pipeline's app_secret is
// the bot token; app_id is informational.
type slackChat struct {
	api *slack.Client
}

// NewSlackFactory returns the production chat client factory. defaultToken
// is used when a pipeline carries no app_secret of its own.
func NewSlackFactory(defaultToken string) ChatClientFactory {
	return func(_, appSecret string) ChatClient {
		token := appSecret
		if token == "" {
			token = defaultToken
		}
		return &slackChat{api: slack.New(token)}
	}
}

// ListChats returns the channels the bot is a member of.
func (s *slackChat) ListChats(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor string
	)
	for {
		channels, next, err := s.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			ExcludeArchived: true,
			Types:           []string{"public_channel", "private_channel"},
			Cursor:          cursor,
			Limit:           200,
		})
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, ch := range channels {
			if ch.IsMember {
				out = append(out, ch.ID)
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// SendCard posts the Markdown card as a message.
func (s *slackChat) SendCard(ctx context.Context, chatID, markdown string) error {
	_, _, err := s.api.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(markdown, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("post message to %s: %w", chatID, err)
	}
	return nil
}
