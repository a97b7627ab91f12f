package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordMessageLimit is Discord's maximum message length in characters.
const discordMessageLimit = 2000

// discordAPI is the subset of *discordgo.Session the sink uses.
type discordAPI interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink posts notifications through a Discord bot. Messages go to
// the thread reference when set, otherwise to the default channel.
type DiscordSink struct {
	api       discordAPI
	state     *discordgo.State
	channelID string
	logger    *slog.Logger
}

// NewDiscordSink creates a sink authenticated with a bot token. Open
// connects the gateway so channel lookups can use the state cache; the
// sink also works over REST alone.
func NewDiscordSink(token, channelID string, logger *slog.Logger) (*DiscordSink, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordSink{
		api:       session,
		state:     session.State,
		channelID: channelID,
		logger:    logger.With("sink", "discord"),
	}, nil
}

// Open connects the bot to the Discord gateway.
func (d *DiscordSink) Open() error {
	s, ok := d.api.(*discordgo.Session)
	if !ok {
		return nil
	}
	return s.Open()
}

// Close disconnects from the gateway.
func (d *DiscordSink) Close() error {
	s, ok := d.api.(*discordgo.Session)
	if !ok {
		return nil
	}
	return s.Close()
}

// Send resolves the target channel and posts msg, split into chunks
// that fit Discord's length limit.
func (d *DiscordSink) Send(ctx context.Context, msg Message) error {
	target := msg.ThreadRef
	if target == "" {
		target = d.channelID
	}
	if target == "" {
		return fmt.Errorf("%w: no channel configured", ErrUnresolvable)
	}

	channel, err := d.resolve(target)
	if err != nil {
		return err
	}

	for _, chunk := range chunkMessage(msg.Text, discordMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.api.ChannelMessageSend(channel.ID, chunk); err != nil {
			if permanentDiscordError(err) {
				return fmt.Errorf("%w: channel %s: %v", ErrUnresolvable, channel.ID, err)
			}
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *DiscordSink) resolve(id string) (*discordgo.Channel, error) {
	if d.state != nil {
		if ch, err := d.state.Channel(id); err == nil {
			return ch, nil
		}
	}
	ch, err := d.api.Channel(id)
	if err != nil {
		if permanentDiscordError(err) {
			return nil, fmt.Errorf("%w: channel %s: %v", ErrUnresolvable, id, err)
		}
		return nil, fmt.Errorf("discord fetch channel: %w", err)
	}
	return ch, nil
}

// permanentDiscordError reports whether err means the channel does not
// exist or the bot cannot see it.
func permanentDiscordError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return false
}

// chunkMessage splits text into pieces of at most limit runes,
// preferring to break after a newline.
func chunkMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		if i := strings.LastIndex(string(runes[:limit]), "\n"); i > 0 {
			cut = len([]rune(string(runes[:limit])[:i+1]))
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
