package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/streamherald/livestate"
)

// twitchPurple is the brand color used for live embeds.
const twitchPurple = 0x9146FF

// liveEmbed renders one live-stream announcement embed.
func liveEmbed(streamChannel string, e livestate.Entry) *discordgo.MessageEmbed {
	url := "https://twitch.tv/" + streamChannel
	title := e.Info.Title
	if title == "" {
		title = streamChannel + " is live"
	}
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name: streamChannel + " is now live on Twitch",
			URL:  url,
		},
		Title: title,
		URL:   url,
		Color: twitchPurple,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Category", Value: orDash(e.Info.Category), Inline: true},
			{Name: "Viewers", Value: fmt.Sprintf("%d", e.Info.ViewerCount), Inline: true},
		},
	}
	if !e.StreamStartedAt.IsZero() {
		embed.Timestamp = e.StreamStartedAt.UTC().Format(time.RFC3339)
	}
	if thumb := thumbnailURL(e.Info.ThumbnailURL); thumb != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: thumb}
	}
	return embed
}

// thumbnailURL fills Helix's {width}x{height} template. The returned URL is
// cache-busted per call so edits refresh the preview.
func thumbnailURL(tpl string) string {
	if tpl == "" {
		return ""
	}
	u := strings.ReplaceAll(tpl, "{width}", "640")
	u = strings.ReplaceAll(u, "{height}", "360")
	return fmt.Sprintf("%s?t=%d", u, time.Now().Unix())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
