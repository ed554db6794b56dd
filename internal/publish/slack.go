package publish

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/birdsonghq/dawn-chorus/internal/digest"
)

// maxSlackArticles caps how many article sections go into the chat message;
// the committed file carries the full digest.
const maxSlackArticles = 10

// slackPoster is the slice of the Slack client the publisher uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackPublisher announces the digest in a Slack channel with a trimmed
// article list. Same-date repeats post again; chat history is not treated as
// an artifact store.
type SlackPublisher struct {
	client  slackPoster
	channel string
}

// NewSlackPublisher creates a Slack publisher posting to the given channel.
func NewSlackPublisher(token, channel string) *SlackPublisher {
	return &SlackPublisher{
		client:  slack.New(token),
		channel: channel,
	}
}

// Name returns the destination name
func (p *SlackPublisher) Name() string {
	return "slack"
}

// Publish posts the digest announcement. This is one API call.
func (p *SlackPublisher) Publish(ctx context.Context, doc *digest.Document) error {
	blocks := p.buildMessageBlocks(doc)

	_, _, err := p.client.PostMessageContext(
		ctx,
		p.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(doc.Title(), false),
	)
	if err != nil {
		return fmt.Errorf("failed to post digest to Slack: %w", err)
	}

	log.Info().
		Str("channel", p.channel).
		Int("articles", len(doc.Articles)).
		Msg("Digest posted to Slack")

	return nil
}

func (p *SlackPublisher) buildMessageBlocks(doc *digest.Document) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", doc.Title(), false, false),
		),
	}

	shown := doc.Articles
	if len(shown) > maxSlackArticles {
		shown = shown[:maxSlackArticles]
	}

	for _, a := range shown {
		title := a.TitleZh
		if title == "" {
			title = a.TitleEn
		}
		text := fmt.Sprintf("*%d. <%s|%s>*\n%s", a.Rank, a.URL, title, a.ContentSummaryZh)
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", text, false, false),
			nil,
			nil,
		))
	}

	if rest := len(doc.Articles) - len(shown); rest > 0 {
		blocks = append(blocks, slack.NewContextBlock(
			"",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("另有 %d 篇见 %s", rest, doc.Filename()), false, false),
		))
	}

	return blocks
}
