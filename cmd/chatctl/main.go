// chatctl is a command-line client for the chat server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/matestay/matestay-chat/internal/client"
	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/protocol"
)

func main() {
	_ = godotenv.Load()

	serverFlag := flag.String("server", envOr("MATESTAY_SERVER", "http://localhost:8080"), "server base URL")
	tokenFlag := flag.String("token", os.Getenv("MATESTAY_TOKEN"), "bearer token")
	secretFlag := flag.String("secret", os.Getenv("JWT_SECRET"), "mint a token with this HS256 secret instead of --token")
	userFlag := flag.String("user", "", "user id for a minted token")
	issuerFlag := flag.String("issuer", os.Getenv("JWT_ISSUER"), "issuer for a minted token")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	token := *tokenFlag
	userID := *userFlag
	if token == "" {
		if *secretFlag == "" || userID == "" {
			fatalf("either --token or --secret with --user is required")
		}
		var err error
		token, err = identity.NewToken(*secretFlag, *issuerFlag, userID, userID, 24*time.Hour)
		if err != nil {
			fatalf("mint token: %v", err)
		}
	}
	c := client.New(*serverFlag, token)

	if args[0] == "watch" {
		cmdWatch(c, userID, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "me":
		u, err := c.Me(ctx)
		check(err)
		output(*jsonFlag, u, func() { fmt.Printf("%s (%s)\n", u.Name(), u.ID) })
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "start":
		requireArgs(args, 2, "start <userId>")
		conv, created, err := c.StartConversation(ctx, args[1])
		check(err)
		output(*jsonFlag, conv, func() {
			verb := "Found"
			if created {
				verb = "Created"
			}
			fmt.Printf("%s conversation %s with %s\n", verb, conv.ID, strings.Join(conv.Members, ", "))
		})
	case "open":
		requireArgs(args, 2, "open <conversationId>")
		msgs, err := c.Messages(ctx, args[1])
		check(err)
		output(*jsonFlag, msgs, func() {
			for _, m := range msgs {
				printMessage(m)
			}
		})
	case "send":
		requireArgs(args, 3, "send <conversationId> <text>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "read":
		requireArgs(args, 2, "read <conversationId>")
		n, err := c.MarkRead(ctx, args[1])
		check(err)
		output(*jsonFlag, map[string]int{"updated": n}, func() { fmt.Printf("Marked %d message(s) read\n", n) })
	case "online":
		entries, err := c.Presence(ctx)
		check(err)
		output(*jsonFlag, entries, func() {
			for _, e := range entries {
				fmt.Println(e.UserID)
			}
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--server <url>] [--token <jwt> | --secret <s> --user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  me                       Show your profile")
	fmt.Fprintln(os.Stderr, "  conversations            List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  start <userId>           Start or find a conversation")
	fmt.Fprintln(os.Stderr, "  open <conversationId>    Print a conversation's history")
	fmt.Fprintln(os.Stderr, "  send <conversationId> <text>")
	fmt.Fprintln(os.Stderr, "                           Send a message")
	fmt.Fprintln(os.Stderr, "  read <conversationId>    Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  online                   List online users")
	fmt.Fprintln(os.Stderr, "  watch                    Stay online and print realtime events")
}

func cmdConversations(ctx context.Context, c *client.Client, jsonOut bool) {
	convs, err := c.Conversations(ctx)
	check(err)
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return
	}
	for _, conv := range convs {
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Text
		}
		fmt.Printf("%s  %-24s  %s  %s\n", conv.ID, strings.Join(conv.Members, ","),
			conv.UpdatedAt.Local().Format(time.DateTime), preview)
	}
}

// cmdSend persists the message and, when the other member is online, asks the
// server to deliver it.
func cmdSend(ctx context.Context, c *client.Client, conversationID, text string, jsonOut bool) {
	me, err := c.Me(ctx)
	check(err)
	conv, err := c.Conversation(ctx, conversationID)
	check(err)
	msg, err := c.SendMessage(ctx, conversationID, me.ID, text)
	check(err)

	sock, err := client.Dial(ctx, c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: message saved but not delivered live: %v\n", err)
	} else {
		if err := sock.Emit(ctx, protocol.TypeSendMessage, protocol.SendMessage{
			MessageID:      msg.ID,
			SenderID:       me.ID,
			ReceiverID:     conv.OtherMember(me.ID),
			ConversationID: conversationID,
			Text:           msg.Text,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: message saved but not delivered live: %v\n", err)
		}
		// The server handles frames in arrival order, so the sendMessage frame is
		// processed before it reads our close frame.
		_ = sock.Close()
	}

	output(jsonOut, msg, func() { fmt.Printf("Sent %s\n", msg.ID) })
}

func cmdWatch(c *client.Client, userID string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if userID == "" {
		me, err := c.Me(ctx)
		check(err)
		userID = me.ID
	}

	sock, err := client.Dial(ctx, c)
	check(err)
	defer func() { _ = sock.Close() }()

	s := client.NewSession(userID, c, sock)
	check(s.Load(ctx))
	check(s.Announce(ctx))
	fmt.Fprintf(os.Stderr, "watching as %s, %d conversation(s)\n", userID, len(s.Conversations()))

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sock.Events():
			if !ok {
				if err := sock.Err(); err != nil {
					if errors.Is(err, client.ErrSessionReplaced) {
						fatalf("signed in elsewhere")
					}
					fatalf("connection lost: %v", err)
				}
				return
			}
			if err := s.HandleEvent(ctx, env); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			if jsonOut {
				outputJSON(env)
				continue
			}
			printEvent(env)
		}
	}
}

func printEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeGetMessage, protocol.TypeMessageSent:
		var m domain.Message
		if protocol.DecodeData(env, &m) == nil {
			printMessage(m)
		}
	case protocol.TypeGetUsers:
		var online []presence.Entry
		if protocol.DecodeData(env, &online) == nil {
			ids := make([]string, 0, len(online))
			for _, e := range online {
				ids = append(ids, e.UserID)
			}
			fmt.Printf("* online: %s\n", strings.Join(ids, ", "))
		}
	case protocol.TypeMessagesRead:
		var p protocol.MessagesRead
		if protocol.DecodeData(env, &p) == nil {
			fmt.Printf("* %s read %d message(s) in %s\n", p.ReaderID, len(p.MessageIDs), p.ConversationID)
		}
	case protocol.TypeError:
		var p protocol.Error
		if protocol.DecodeData(env, &p) == nil {
			fmt.Printf("! %s: %s\n", p.Code, p.Message)
		}
	default:
		fmt.Printf("* %s %s\n", env.Type, string(env.Data))
	}
}

func printMessage(m domain.Message) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, m.Text)
}

func output(jsonOut bool, v any, text func()) {
	if jsonOut {
		outputJSON(v)
		return
	}
	text()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
