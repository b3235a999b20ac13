package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackNotifier posts approved responses to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a notifier posting to channel with a bot token.
// Extra options (e.g. slack.OptionAPIURL) are passed to the client.
func NewSlack(botToken, channel string, opts ...slack.Option) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack notify: bot_token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("slack notify: channel is required")
	}
	return &SlackNotifier{api: slack.New(botToken, opts...), channel: channel}, nil
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, d Delivery) error {
	header := fmt.Sprintf("*Ticket #%d resolved* (reply to %s)", d.TicketID, d.Email)
	text := header + "\n\n" + MarkdownToMrkdwn(d.Body)

	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack notify: post message: %w", err)
	}
	return nil
}

// MarkdownToMrkdwn converts the Markdown an LLM tends to produce into Slack's
// mrkdwn: **bold** → *bold*, *italic* → _italic_, ~~strike~~ → ~strike~,
// [text](url) → <url|text>. Inline code is left alone.
func MarkdownToMrkdwn(md string) string {
	result := convertEmphasis(md)
	result = strings.ReplaceAll(result, "~~", "~")
	return convertLinks(result)
}

func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
		case ch == '*' && !inCode:
			if i+1 < len(s) && s[i+1] == '*' {
				b.WriteByte('*')
				i++
			} else {
				b.WriteByte('_')
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func convertLinks(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '[' {
			b.WriteByte(s[i])
			i++
			continue
		}
		mid := strings.Index(s[i:], "](")
		if mid == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		mid += i
		end := strings.Index(s[mid:], ")")
		if end == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		end += mid
		fmt.Fprintf(&b, "<%s|%s>", s[mid+2:end], s[i+1:mid])
		i = end + 1
	}
	return b.String()
}
