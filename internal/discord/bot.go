// Package discord exposes the gateway's device operations as Discord slash
// commands.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

// BotConfig holds the configuration for the Discord bot.
type BotConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// Bot wraps a discordgo session with command routing.
type Bot struct {
	config   BotConfig
	session  *discordgo.Session
	router   *CommandRouter
	commands []SlashCommand
	logger   *slog.Logger
}

// NewBot validates config and creates a new Bot.
func NewBot(config BotConfig) (*Bot, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{config: config, logger: logger.With("component", "discord")}, nil
}

// SetRouter sets the command router for handling slash commands.
func (b *Bot) SetRouter(router *CommandRouter) {
	b.router = router
}

// RegisterCommands stores commands for registration on Start.
func (b *Bot) RegisterCommands(cmds []SlashCommand) {
	b.commands = cmds
}

// Start connects to Discord, registers slash commands, and installs the
// interaction handler that routes commands to the CommandRouter.
func (b *Bot) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + b.config.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	b.session = session
	b.session.Identify.Intents = discordgo.IntentsGuilds

	b.session.AddHandler(b.handleInteraction)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	b.logger.Info("connected", "user", b.session.State.User.Username)

	for _, cmd := range toApplicationCommands(b.commands) {
		if _, err := b.session.ApplicationCommandCreate(b.session.State.User.ID, b.config.GuildID, cmd); err != nil {
			b.logger.Warn("register command failed", "command", cmd.Name, "error", err)
		}
	}
	return nil
}

// Stop closes the Discord session.
func (b *Bot) Stop() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

// handleInteraction routes InteractionCreate events to CommandRouter handlers.
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || b.router == nil {
		return
	}

	// Defer immediately; device actions can outlast Discord's 3s window.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Warn("defer interaction failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	resp := b.route(ctx, interactionUser(i), i.ApplicationCommandData())

	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: resp.Message}); err != nil {
		b.logger.Warn("follow-up failed", "error", err)
	}
}

func (b *Bot) route(ctx context.Context, userID string, data discordgo.ApplicationCommandInteractionData) CommandResponse {
	switch data.Name {
	case "devices":
		return b.router.HandleDevices(userID)
	case "action":
		return b.router.HandleAction(ctx, userID, optionString(data, "device"), optionString(data, "action"))
	case "mitm":
		return b.router.HandleMitm(ctx, userID, optionString(data, "device"), optionString(data, "mode"))
	}
	return CommandResponse{Message: fmt.Sprintf("Unknown command: %s", data.Name)}
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

// SlashCommand defines a Discord slash command with options.
type SlashCommand struct {
	Name        string
	Description string
	Options     []*discordgo.ApplicationCommandOption
}

// toApplicationCommands converts SlashCommands to discordgo format.
func toApplicationCommands(cmds []SlashCommand) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, len(cmds))
	for i, cmd := range cmds {
		out[i] = &discordgo.ApplicationCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
			Options:     cmd.Options,
		}
	}
	return out
}
