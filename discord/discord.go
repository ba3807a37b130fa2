package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Open creates and opens the bot session. Only guild metadata is needed; no
// message-content or presence intents.
func Open(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord session open", slog.String("user", s.State.User.Username))
	return s, nil
}

// RegisterCommands installs the slash commands and the interaction handler.
// With a dev guild id, commands register to that guild only (instant propagation);
// otherwise they register globally.
func RegisterCommands(s *discordgo.Session, devGuildID string, c *Commands) error {
	s.AddHandler(c.HandleInteraction)

	appID := s.State.User.ID
	for _, def := range commandDefinitions() {
		if _, err := s.ApplicationCommandCreate(appID, devGuildID, def); err != nil {
			return fmt.Errorf("register command %s: %w", def.Name, err)
		}
	}
	scope := "global"
	if devGuildID != "" {
		scope = "guild " + devGuildID
	}
	slog.Info("slash commands registered", slog.String("scope", scope))
	return nil
}
