// Connectify CLI - command line client for Connectify direct messages
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mahaddinnagiyev/connectify/clients/go/connectify"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CONNECTIFY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("CONNECTIFY_TOKEN")

	client := connectify.NewClient(baseURL, token)
	cmd := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "rooms":
		rooms, err := client.ListRooms(ctx)
		exitOnError(err)
		for _, r := range rooms {
			peer := r.Room.ID
			if r.Peer != nil {
				peer = r.Peer.Username
			}
			last := ""
			if r.LastMessage != nil {
				last = preview(r.LastMessage)
			}
			fmt.Printf("  %s  %-16s unread=%-3d %s\n", r.Room.ID, peer, r.UnreadCount, last)
		}

	case "open":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: connectify open <peer_id>")
			os.Exit(1)
		}
		room, err := client.OpenRoom(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("Room: %s\n", room.ID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: connectify read <room_id> [before_message_id]")
			os.Exit(1)
		}
		before := ""
		if len(os.Args) > 3 {
			before = os.Args[3]
		}
		page, err := client.GetMessages(ctx, os.Args[2], 30, before)
		exitOnError(err)
		for i := range page.Messages {
			printMessage(&page.Messages[i])
		}
		if page.HasMore && len(page.Messages) > 0 {
			fmt.Printf("-- older messages: connectify read %s %s\n", os.Args[2], page.Messages[0].ID)
		}
		_, err = client.MarkRead(ctx, os.Args[2])
		exitOnError(err)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: connectify send <room_id> <message>")
			os.Exit(1)
		}
		msg, err := client.Send(ctx, os.Args[2], connectify.SendParams{Content: strings.Join(os.Args[3:], " ")})
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "listen":
		listen(ctx, client)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// listen prints realtime pushes until interrupted.
func listen(ctx context.Context, client *connectify.Client) {
	conn, err := client.Dial(ctx)
	exitOnError(err)
	defer conn.Close()

	fmt.Fprintln(os.Stderr, "listening, Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				exitOnError(conn.Err())
				return
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev connectify.Event) {
	switch ev.Name {
	case connectify.EventNewMessage:
		var e connectify.NewMessageEvent
		if ev.Decode(&e) == nil && e.Message != nil {
			printMessage(e.Message)
			return
		}
	case connectify.EventLastMessageUpdated:
		var e connectify.LastMessageUpdatedEvent
		if ev.Decode(&e) == nil && e.Message != nil {
			fmt.Printf("[room %s] ", e.RoomID)
			printMessage(e.Message)
			return
		}
	case connectify.EventUnreadCountUpdated:
		var e connectify.UnreadCountUpdatedEvent
		if ev.Decode(&e) == nil {
			fmt.Printf("[room %s] unread: %d\n", e.RoomID, e.Count)
			return
		}
	}
	fmt.Printf("%s %s\n", ev.Name, string(ev.Data))
}

func printMessage(m *connectify.Message) {
	ts := m.CreatedAt.Local().Format(time.DateTime)
	from := m.SenderID
	if len(from) > 8 {
		from = from[:8]
	}
	fmt.Printf("[%s] %s: %s (%s)\n", ts, from, preview(m), m.Status)
}

func preview(m *connectify.Message) string {
	if m.Type != "" && m.Type != "text" {
		name := m.MediaName
		if name == "" {
			name = m.Content
		}
		return fmt.Sprintf("<%s %s>", m.Type, name)
	}
	return m.Content
}

func usage() {
	fmt.Println(`Connectify CLI - direct messages from the terminal

Usage: connectify <command> [options]

Commands:
  rooms                     List your chat rooms
  open <peer_id>            Open (or create) the room with a user
  read <room_id> [before]   Show history and mark it read
  send <room_id> <message>  Send a text message
  listen                    Stream realtime events
  health                    Check server health

Environment:
  CONNECTIFY_URL     Server URL (default: http://localhost:8080)
  CONNECTIFY_TOKEN   Identity token (mint one with cmd/token)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
