package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rvald/devicegw/internal/device"
)

// CommandResponse is the result returned by command handlers.
type CommandResponse struct {
	OK      bool
	Message string
}

// CommandRouter maps slash commands onto the registry, dispatcher and
// interception controller.
type CommandRouter struct {
	registry   DeviceRegistry
	dispatcher Dispatcher
	controller Interception
	access     Access
	logger     *slog.Logger
}

// NewCommandRouter creates a router.
func NewCommandRouter(registry DeviceRegistry, dispatcher Dispatcher, controller Interception, access Access, logger *slog.Logger) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{
		registry:   registry,
		dispatcher: dispatcher,
		controller: controller,
		access:     access,
		logger:     logger.With("component", "discord"),
	}
}

// Commands returns the slash command definitions for Discord registration.
func (r *CommandRouter) Commands() []SlashCommand {
	actionChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(device.Catalog()))
	for _, a := range device.Catalog() {
		actionChoices = append(actionChoices, &discordgo.ApplicationCommandOptionChoice{Name: string(a), Value: string(a)})
	}

	return []SlashCommand{
		{
			Name:        "devices",
			Description: "List reachable devices and what they are doing",
		},
		{
			Name:        "action",
			Description: "Run an action against a device",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "device", Description: "Device ID", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "action", Description: "Action", Required: true, Choices: actionChoices},
			},
		},
		{
			Name:        "mitm",
			Description: "Enable, disable or query traffic interception (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "device", Description: "Device ID", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "mode", Description: "on, off or status", Required: true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "On", Value: "on"},
						{Name: "Off", Value: "off"},
						{Name: "Status", Value: "status"},
					},
				},
			},
		},
	}
}

// HandleDevices lists the registry snapshot with each device's dispatcher
// state and interception mode.
func (r *CommandRouter) HandleDevices(userID string) CommandResponse {
	if r.access.Role(userID) == "" {
		return CommandResponse{Message: "🚫 You are not allowed to use this gateway"}
	}

	devices := r.registry.List()
	if len(devices) == 0 {
		return CommandResponse{OK: true, Message: "No devices connected"}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📱 %d device(s):\n", len(devices)))
	for _, d := range devices {
		st := r.dispatcher.State(d.ID)
		status := string(st.Status)
		if st.Action != "" {
			status += " (" + string(st.Action) + ")"
		}
		reach := ""
		if !d.Reachable {
			reach = " ⚠️ unreachable"
		}
		sb.WriteString(fmt.Sprintf("• **%s** `%s` · %s · MITM %s%s\n", d.Name, d.ID, status, r.controller.Mode(d.ID), reach))
	}
	return CommandResponse{OK: true, Message: sb.String()}
}

// HandleAction dispatches a catalog action.
func (r *CommandRouter) HandleAction(ctx context.Context, userID, deviceID, name string) CommandResponse {
	if r.access.Role(userID) == "" {
		return CommandResponse{Message: "🚫 You are not allowed to use this gateway"}
	}
	action, ok := device.ParseAction(name)
	if !ok {
		return CommandResponse{Message: fmt.Sprintf("❌ invalid action: %s", name)}
	}

	out, err := r.dispatcher.Dispatch(ctx, deviceID, action)
	r.logger.Info("action", "user", userID, "device", deviceID, "action", action, "success", err == nil && out.Success)
	return outcome(out, err, deviceID)
}

// HandleMitm toggles or queries interception. Admins only.
func (r *CommandRouter) HandleMitm(ctx context.Context, userID, deviceID, mode string) CommandResponse {
	if r.access.Role(userID) != RoleAdmin {
		return CommandResponse{Message: "🚫 admin role required"}
	}

	switch mode {
	case "status":
		if _, ok := r.registry.Get(deviceID); !ok {
			return CommandResponse{Message: "❌ " + device.NewError(device.CodeUnknownDevice, deviceID, "").Public()}
		}
		return CommandResponse{OK: true, Message: fmt.Sprintf("🔍 MITM on `%s`: %s", deviceID, r.controller.Mode(deviceID))}
	case "on", "off":
		out, err := r.controller.SetMode(ctx, deviceID, mode == "on")
		r.logger.Info("interception", "user", userID, "device", deviceID, "mode", mode, "success", err == nil && out.Success)
		return outcome(out, err, deviceID)
	}
	return CommandResponse{Message: fmt.Sprintf("❌ unknown mode %q (use on, off or status)", mode)}
}

func outcome(out device.Outcome, err error, deviceID string) CommandResponse {
	if err != nil {
		e := device.AsError(err, device.CodeDriverUnreachable, deviceID)
		if e.Code == device.CodeDeviceBusy {
			return CommandResponse{Message: "⏳ " + e.Public()}
		}
		return CommandResponse{Message: "❌ " + e.Public()}
	}
	if !out.Success {
		return CommandResponse{Message: "❌ " + out.Message}
	}
	return CommandResponse{OK: true, Message: "✅ " + out.Message}
}
