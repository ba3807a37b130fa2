package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/streamherald/reconciler"
	"github.com/onnwee/streamherald/registry"
)

// commandTimeout bounds the DB/engine work done from one interaction.
const commandTimeout = 15 * time.Second

// Commands wires the slash-command surface to the registry and the reconciler.
// Thin glue: parse options, call the engine, format a reply.
type Commands struct {
	Registry   *registry.Registry
	Reconciler *reconciler.Reconciler
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageServer)
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "track",
			Description:              "Track a Twitch channel and announce when it goes live",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "channel", Description: "Twitch channel login", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "classification", Description: "Routing tag (defaults to 'default')"},
				{Type: discordgo.ApplicationCommandOptionString, Name: "note", Description: "Free-text note shown in /tracked"},
			},
		},
		{
			Name:                     "untrack",
			Description:              "Stop tracking a Twitch channel",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "channel", Description: "Twitch channel login", Required: true},
			},
		},
		{
			Name:        "tracked",
			Description: "List this server's tracked Twitch channels",
		},
		{
			Name:                     "route",
			Description:              "Send announcements for a classification to a Discord channel",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "destination", Description: "Announcement channel", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "classification", Description: "Routing tag (defaults to 'default')"},
			},
		},
		{
			Name:        "live",
			Description: "Show currently live tracked channels",
		},
		{
			Name:                     "forcecheck",
			Description:              "Run a reconciliation tick right now",
			DefaultMemberPermissions: &manageGuild,
		},
		{
			Name:                     "cleanup",
			Description:              "Hard-reset live state for one channel, or everything with a fresh recheck",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "channel", Description: "Twitch channel login (omit to resync all)"},
			},
		},
	}
}

// interactionSession is the slice of *discordgo.Session the command surface uses.
// Narrowed to an interface so tests can fake Discord without a gateway.
type interactionSession interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// HandleInteraction dispatches one slash-command interaction.
func (c *Commands) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c.handleInteraction(s, i)
}

func (c *Commands) handleInteraction(s interactionSession, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	switch data.Name {
	case "track", "untrack", "tracked", "route", "live", "forcecheck", "cleanup":
	default:
		return
	}

	// Acknowledge before any registry or engine work. Discord expires the
	// interaction after 3s, and a forced tick can block on an in-flight cycle
	// far longer than that; the deferred ack buys the full follow-up window.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		slog.Warn("interaction ack failed", slog.String("command", data.Name), slog.Any("err", err))
		return
	}

	var reply string
	var err error
	switch data.Name {
	case "track":
		reply, err = c.handleTrack(ctx, i, data)
	case "untrack":
		reply, err = c.handleUntrack(ctx, i, data)
	case "tracked":
		reply, err = c.handleTracked(ctx, i)
	case "route":
		reply, err = c.handleRoute(ctx, i, data)
	case "live":
		reply = c.handleLive(i)
	case "forcecheck":
		reply = c.handleForceCheck(ctx)
	case "cleanup":
		reply = c.handleCleanup(ctx, data)
	}
	if err != nil {
		slog.Warn("command failed", slog.String("command", data.Name), slog.Any("err", err))
		reply = "Something went wrong, try again shortly."
	}
	respond(s, i, reply)
}

func (c *Commands) handleTrack(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	tc := registry.TrackedChannel{GuildID: i.GuildID}
	for _, opt := range data.Options {
		switch opt.Name {
		case "channel":
			tc.ChannelLogin = opt.StringValue()
		case "classification":
			tc.Classification = opt.StringValue()
		case "note":
			tc.Note = opt.StringValue()
		}
	}
	if err := c.Registry.AddTracked(ctx, tc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Tracking **%s**. Announcements go to the `%s` route (set one with /route).",
		strings.ToLower(tc.ChannelLogin), classificationOrDefault(tc.Classification)), nil
}

func (c *Commands) handleUntrack(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	login := data.Options[0].StringValue()
	removed, err := c.Registry.RemoveTracked(ctx, i.GuildID, login)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("**%s** was not tracked.", strings.ToLower(login)), nil
	}
	return fmt.Sprintf("Stopped tracking **%s**.", strings.ToLower(login)), nil
}

func (c *Commands) handleTracked(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	list, err := c.Registry.ListTracked(ctx, i.GuildID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No channels tracked yet. Add one with /track.", nil
	}
	var b strings.Builder
	b.WriteString("Tracked channels:\n")
	for _, tc := range list {
		fmt.Fprintf(&b, "• **%s** (%s)", tc.ChannelLogin, tc.Classification)
		if tc.Note != "" {
			fmt.Fprintf(&b, " - %s", tc.Note)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (c *Commands) handleRoute(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	var destID, classification string
	for _, opt := range data.Options {
		switch opt.Name {
		case "destination":
			destID = opt.Value.(string)
		case "classification":
			classification = opt.StringValue()
		}
	}
	if err := c.Registry.SetRoute(ctx, i.GuildID, classification, destID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Announcements for `%s` channels now go to <#%s>.",
		classificationOrDefault(classification), destID), nil
}

func (c *Commands) handleLive(i *discordgo.InteractionCreate) string {
	snap := c.Reconciler.Snapshot()
	if len(snap) == 0 {
		return "Nobody is live right now."
	}
	var b strings.Builder
	b.WriteString("Currently live:\n")
	for _, ch := range snap {
		fmt.Fprintf(&b, "• **%s**: %s (%d viewers, live %s)\n",
			ch.Channel, ch.Title, ch.Viewers, ch.LiveFor.Round(time.Minute))
	}
	return b.String()
}

func (c *Commands) handleForceCheck(ctx context.Context) string {
	stats := c.Reconciler.RunTickNow(ctx)
	return fmt.Sprintf("Checked %d channels in %s: %d went live, %d went offline, %d errors, %d stale expired.",
		stats.Checked, stats.Duration.Round(time.Millisecond),
		stats.WentLive, stats.WentOffline, stats.Errors, stats.StaleExpired)
}

func (c *Commands) handleCleanup(ctx context.Context, data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 {
		login := data.Options[0].StringValue()
		c.Reconciler.ForceCleanup(ctx, login)
		return fmt.Sprintf("Cleared live state for **%s**. It will be redetected on the next tick if still live.", strings.ToLower(login))
	}
	stats := c.Reconciler.ResyncAll(ctx)
	return fmt.Sprintf("Full resync complete: rechecked %d channels, %d redetected live.", stats.Checked, stats.WentLive)
}

func classificationOrDefault(c string) string {
	if c == "" {
		return registry.DefaultClassification
	}
	return c
}

// respond fills in the deferred acknowledgement with the final reply.
func respond(s interactionSession, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		slog.Warn("interaction respond failed", slog.Any("err", err))
	}
}
