// The subscriber is an interactive observer console app. It negotiates into
// a group, prints everything relayed there, and lets the user send group
// messages or point-to-point events from stdin. It exits 0 on a Cancelled
// update or on empty input (graceful close).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"jobrelay/internal/client"
	"jobrelay/internal/domain"
	"jobrelay/internal/protocol"
)

type cli struct {
	ServerURL string `required:"" help:"Hub server base URL." env:"HUB_SERVER_URL"`
	APIKey    string `required:"" help:"API key for the negotiate endpoint." env:"HUB_API_KEY"`
	UserID    string `help:"User id to negotiate as." default:"console-subscriber" env:"SUBSCRIBER_USER_ID"`
	Group     string `help:"Group to join." default:"group" env:"SUBSCRIBER_GROUP"`
}

func banner(userID, group string) {
	fmt.Println("----------------------------------------")
	fmt.Println("jobrelay Console Subscriber")
	fmt.Println("----------------------------------------")
	fmt.Println()
	fmt.Println("Usage instructions:")
	fmt.Println("  - To send a message to the group, type your message and press Enter.")
	fmt.Println("  - To send an event, use the format 'e:<eventName> m:<message> u:<userId>' and press Enter.")
	fmt.Println("  - To exit, press Enter without typing any message.")
	fmt.Println("----------------------------------------")
	fmt.Println()
	fmt.Printf("Starting subscriber with user id %s and group name %s\n", userID, group)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg cli
	kong.Parse(&cfg, kong.Description("jobrelay subscriber: observe and chat in a job group."))
	banner(cfg.UserID, cfg.Group)

	ctx := context.Background()
	session := client.NewSession(client.Negotiator(cfg.ServerURL, cfg.APIKey, cfg.UserID, cfg.Group))

	session.OnConnected(func(c protocol.SystemConnected) {
		fmt.Println("Connected with id: " + c.ConnectionID)
	})
	session.OnServerMessage(func(m protocol.ServerMessage) {
		fmt.Println("Server message received: " + string(m.Data))
	})
	session.OnDisconnected(func(d protocol.SystemDisconnected) {
		fmt.Println("Disconnected with error: " + d.Reason)
	})
	session.OnGroupMessage(func(m protocol.GroupMessage) {
		if m.FromUserID == cfg.UserID {
			fmt.Println("\tSkip message from self")
			return
		}
		update, err := protocol.ParseJobUpdate(m.Data)
		if err != nil {
			fmt.Printf("Unknown message received in group %s: %s\n", m.Group, string(m.Data))
			return
		}
		fmt.Printf("Group message received: %+v\n", update)

		if update.Status == domain.StatusCancelled {
			fmt.Println("Job cancelled, disconnecting...")
			session.Dispose()
			os.Exit(0)
		}
	})

	if err := session.Start(ctx); err != nil {
		slog.Error("Failed to start session", "error", err)
		os.Exit(1)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		command := stdin.Text()

		if command == "" {
			session.Dispose()
			return
		}

		if strings.HasPrefix(command, "e:") {
			name, message, targetUser := parseEventCommand(command)
			payload := map[string]string{"userId": targetUser, "message": message, "eventName": name}
			ack, err := session.SendEvent(ctx, name, payload, protocol.DataTypeJSON, true)
			if err != nil {
				fmt.Printf("Event send failed: %v\n", err)
				continue
			}
			fmt.Printf("Event sent to server with message: %s, to user: %s. Ack: %d\n", message, targetUser, ack.AckID)
			continue
		}

		update := domain.JobUpdate{
			Name:          "?",
			CorrelationID: cfg.Group,
			Step:          command,
			Status:        domain.StatusInProgress,
		}
		ack, err := session.SendToGroup(ctx, cfg.Group, update, true)
		if err != nil {
			fmt.Printf("Message send failed: %v\n", err)
			continue
		}
		fmt.Printf("Message sent. Ack: %d\n", ack.AckID)
	}
	session.Dispose()
}

// parseEventCommand splits 'e:<eventName> m:<message> u:<userId>'.
func parseEventCommand(command string) (name, message, targetUser string) {
	for _, part := range strings.Split(command, " ") {
		switch {
		case strings.HasPrefix(part, "e:"):
			name = strings.TrimPrefix(part, "e:")
		case strings.HasPrefix(part, "m:"):
			message = strings.TrimPrefix(part, "m:")
		case strings.HasPrefix(part, "u:"):
			targetUser = strings.TrimPrefix(part, "u:")
		}
	}
	return name, message, targetUser
}
