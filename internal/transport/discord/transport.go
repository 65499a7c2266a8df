// Package discord connects the dialog dispatcher to Discord through
// discordgo: outbound messages and user lookups go through Transport, and
// inbound messages are routed by Bot.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/ahrav/go-parley/internal/dialog"
)

// MaxMessageLength is Discord's limit on message content.
const MaxMessageLength = 2000

var _ dialog.Transport = (*Transport)(nil)

// API is the part of *discordgo.Session the transport uses.
type API interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Transport sends messages through a Discord session.
type Transport struct {
	api API
}

// NewTransport wraps api, normally a *discordgo.Session.
func NewTransport(api API) *Transport {
	return &Transport{api: api}
}

// Send posts text to channelID, splitting it on line boundaries when it is
// longer than one message allows. It returns the id of the first message.
func (t *Transport) Send(ctx context.Context, channelID, text string) (string, error) {
	if channelID == "" {
		return "", errors.New("discord: empty channel id")
	}
	var first string
	for i, chunk := range split(text, MaxMessageLength) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := t.api.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return first, fmt.Errorf("discord: send to %s (part %d): %w", channelID, i+1, err)
		}
		if first == "" {
			first = msg.ID
		}
	}
	return first, nil
}

// LookupUser resolves a user and opens their direct message channel.
func (t *Transport) LookupUser(ctx context.Context, userID string) (dialog.User, error) {
	u, err := t.api.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return dialog.User{}, fmt.Errorf("discord: lookup user %s: %w", userID, err)
	}
	ch, err := t.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return dialog.User{}, fmt.Errorf("discord: open direct channel with %s: %w", userID, err)
	}
	return dialog.User{ID: u.ID, Handle: u.Username, DirectChannelID: ch.ID}, nil
}

// split cuts text into chunks of at most limit runes, preferring newlines.
func split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		head := string(runes[:limit])
		cut := strings.LastIndex(head, "\n")
		if cut <= 0 {
			cut = len(head)
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
