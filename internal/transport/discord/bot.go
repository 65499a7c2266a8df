package discord

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/ahrav/go-parley/internal/dialog"
	"github.com/ahrav/go-parley/internal/domain"
)

// Dispatcher is the dialog entry point the bot drives.
type Dispatcher interface {
	Start(ctx context.Context, req dialog.StartRequest, opts ...dialog.StartOption) (domain.ConversationSession, error)
	Handle(ctx context.Context, in dialog.Inbound) error
}

// Command starts a workflow from a chat message such as "!announce".
type Command struct {
	Workflow domain.WorkflowType
	// Payload builds the initial payload. Nil starts with an empty payload.
	Payload func(in dialog.Inbound) domain.Payload
	// InChannel runs the conversation where the command was typed instead of
	// in the user's direct messages.
	InChannel bool
}

// Bot routes inbound Discord messages to commands and running sessions.
type Bot struct {
	dispatcher Dispatcher
	prefix     string
	commands   map[string]Command
	guild      string
	logger     *slog.Logger
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithPrefix sets the command prefix. The default is "!".
func WithPrefix(prefix string) BotOption {
	return func(b *Bot) { b.prefix = prefix }
}

// WithCommand registers a command by name, without the prefix.
func WithCommand(name string, cmd Command) BotOption {
	return func(b *Bot) { b.commands[strings.ToLower(name)] = cmd }
}

// WithGuild restricts guild messages to one server. Direct messages are
// always accepted.
func WithGuild(guildID string) BotOption {
	return func(b *Bot) { b.guild = guildID }
}

// WithBotLogger sets the logger.
func WithBotLogger(logger *slog.Logger) BotOption {
	return func(b *Bot) { b.logger = logger }
}

// NewBot creates a Bot.
func NewBot(d Dispatcher, opts ...BotOption) *Bot {
	b := &Bot{
		dispatcher: d,
		prefix:     "!",
		commands:   make(map[string]Command),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Route handles one inbound message. Messages that belong to no session and
// are not commands are ignored.
func (b *Bot) Route(ctx context.Context, in dialog.Inbound) error {
	if cmd, ok := b.command(in.Text); ok {
		return b.start(ctx, in, cmd)
	}

	err := b.dispatcher.Handle(ctx, in)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrUnauthorizedActor):
		return nil
	default:
		return err
	}
}

func (b *Bot) start(ctx context.Context, in dialog.Inbound, cmd Command) error {
	req := dialog.StartRequest{UserID: in.UserID, Workflow: cmd.Workflow}
	if cmd.InChannel {
		req.Target = in.ChannelID
	}
	if cmd.Payload != nil {
		req.Payload = cmd.Payload(in)
	}

	_, err := b.dispatcher.Start(ctx, req)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrNotAuthorized):
		// The dispatcher has already told the user.
		return nil
	default:
		return err
	}
}

func (b *Bot) command(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if b.prefix == "" || !strings.HasPrefix(text, b.prefix) {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, b.prefix))
	if len(fields) == 0 {
		return Command{}, false
	}
	cmd, ok := b.commands[strings.ToLower(fields[0])]
	return cmd, ok
}

// MessageCreateHandler returns a discordgo handler bound to ctx. Messages
// from bots, including this one, are dropped.
func (b *Bot) MessageCreateHandler(ctx context.Context) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if !b.accepts(m.GuildID) {
			return
		}
		in := dialog.Inbound{UserID: m.Author.ID, ChannelID: m.ChannelID, Text: m.Content}
		if err := b.Route(ctx, in); err != nil {
			b.logger.ErrorContext(ctx, "failed to route message",
				"user_id", in.UserID, "channel_id", in.ChannelID, "error", err)
		}
	}
}

func (b *Bot) accepts(guildID string) bool {
	return b.guild == "" || guildID == "" || guildID == b.guild
}

// NewSession creates a discordgo session for token with the intents the bot
// needs. The caller registers handlers and opens the returned session.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	return s, nil
}
