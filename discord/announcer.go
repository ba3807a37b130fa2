// Package discord holds the Discord-facing surface: the announcer that delivers
// live-stream embeds for the fan-out engine, and the slash-command glue for the
// admin operations.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/streamherald/fanout"
	"github.com/onnwee/streamherald/livestate"
)

// messageSession is the slice of *discordgo.Session the announcer uses.
// Narrowed to an interface so tests can fake Discord without a gateway.
type messageSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Announcer implements fanout.Notifier on top of a Discord session.
type Announcer struct {
	Session messageSession
}

func NewAnnouncer(s *discordgo.Session) *Announcer { return &Announcer{Session: s} }

// Send posts a live embed and returns the created message id.
func (a *Announcer) Send(ctx context.Context, destChannelID, streamChannel string, e livestate.Entry) (string, error) {
	msg, err := a.Session.ChannelMessageSendEmbed(destChannelID, liveEmbed(streamChannel, e), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapRESTError(err)
	}
	return msg.ID, nil
}

// Edit replaces the embed of an existing announcement in place.
func (a *Announcer) Edit(ctx context.Context, destChannelID, messageID, streamChannel string, e livestate.Entry) error {
	_, err := a.Session.ChannelMessageEditEmbed(destChannelID, messageID, liveEmbed(streamChannel, e), discordgo.WithContext(ctx))
	if err != nil {
		return mapRESTError(err)
	}
	return nil
}

// Delete removes an announcement message.
func (a *Announcer) Delete(ctx context.Context, destChannelID, messageID string) error {
	if err := a.Session.ChannelMessageDelete(destChannelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return mapRESTError(err)
	}
	return nil
}

// mapRESTError translates Discord API error codes into the fan-out sentinels so
// the engine can tell routing skips and self-heal drops from real failures.
func mapRESTError(err error) error {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) || rerr.Message == nil {
		return err
	}
	switch rerr.Message.Code {
	case discordgo.ErrCodeUnknownChannel:
		return fmt.Errorf("%w: %s", fanout.ErrDestinationMissing, rerr.Message.Message)
	case discordgo.ErrCodeUnknownMessage:
		return fmt.Errorf("%w: %s", fanout.ErrMessageGone, rerr.Message.Message)
	case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
		return fmt.Errorf("%w: %s", fanout.ErrPermissionDenied, rerr.Message.Message)
	}
	return err
}
