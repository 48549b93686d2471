/*
Package main is a terminal client for the VisionChat server.

It signs in, opens the community chat or a private chat, prints live messages,
presence and typing changes, and sends every line read from stdin. Lines starting
with a slash are commands; /help lists them.
*/
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"visionchat/internal/app/model"
	"visionchat/internal/client"
	"visionchat/internal/pkg/logx"
)

func main() {
	app := &cli.App{
		Name:  "chatcli",
		Usage: "Chat from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				EnvVars: []string{"CHAT_SERVER"},
				Usage:   "server base URL",
			},
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				EnvVars:  []string{"CHAT_USERNAME"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "password",
				Aliases:  []string{"p"},
				EnvVars:  []string{"CHAT_PASSWORD"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "register",
				Usage: "create the account before signing in",
			},
			&cli.StringFlag{
				Name:  "display-name",
				Usage: "display name for a new account (random when empty)",
			},
			&cli.StringFlag{
				Name:  "peer",
				Usage: "user ID to open a private chat with instead of the community chat",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log connection details to stderr",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := zerolog.WarnLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	logx.SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(c.String("server"), nil)

	var auth client.AuthResult
	var err error
	if c.Bool("register") {
		auth, err = api.Register(ctx, c.String("username"), c.String("password"), c.String("display-name"))
	} else {
		auth, err = api.Login(ctx, c.String("username"), c.String("password"))
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Printf("Signed in as %s (%s)\n", auth.User.DisplayName, auth.User.ID)

	session := client.NewSession(api, auth.User, client.SessionOptions{BaseURL: c.String("server")})
	defer session.Close()

	t := &terminal{session: session, out: os.Stdout, self: auth.User.ID}
	t.subscribe()

	if err := session.Start(ctx); err != nil {
		return err
	}

	if peer := c.String("peer"); peer != "" {
		pc, err := session.StartPrivateChat(ctx, peer)
		if err != nil {
			return fmt.Errorf("open private chat: %w", err)
		}
		t.active = pc.ID
	} else {
		if err := session.SetActiveChat(ctx, model.GroupChatID); err != nil {
			return fmt.Errorf("open community chat: %w", err)
		}
		t.active = model.GroupChatID
	}
	fmt.Fprintf(t.out, "Chatting in %s. Type /help for commands.\n", t.active)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

type terminal struct {
	session *client.Session
	out     io.Writer
	self    string
	active  string
}

// subscribe prints session events. The callbacks run on the session's event loop.
func (t *terminal) subscribe() {
	t.session.OnMessage("", func(m model.Message) {
		if m.SenderID == t.self {
			return
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", m.ChatID, m.SenderName, m.Content)
	})
	t.session.OnPresenceChange(func(e client.PresenceEvent) {
		state := "offline"
		if e.Online {
			state = "online"
		}
		fmt.Fprintf(t.out, "* %s is %s\n", e.UserID, state)
	})
	t.session.OnTyping("", func(e client.TypingEvent) {
		if e.Typing {
			fmt.Fprintf(t.out, "* %s is typing in %s\n", e.UserID, e.ChatID)
		}
	})
	t.session.OnStatus(func(e client.StatusEvent) {
		switch {
		case e.Connected && e.Reconnect:
			fmt.Fprintln(t.out, "* reconnected")
		case e.Connected:
			fmt.Fprintln(t.out, "* connected")
		case e.Attempt > 0:
			fmt.Fprintf(t.out, "* reconnecting in %s (attempt %d)\n", e.Delay.Round(time.Millisecond), e.Attempt)
		default:
			fmt.Fprintln(t.out, "* disconnected")
		}
	})
}

// handle runs one input line and reports whether the user asked to quit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		key, _, err := t.session.SendMessage(ctx, t.active, line)
		if err != nil {
			if errors.Is(err, client.ErrEmptyMessage) {
				return false
			}
			fmt.Fprintf(t.out, "! not sent (%v); /retry %s\n", err, key)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "quit", "exit":
		return true

	case "help":
		fmt.Fprintln(t.out, "/chats  /online  /history  /group  /dm <userId>  /retry <key>  /quit")

	case "chats":
		for _, v := range t.session.Chats() {
			preview := ""
			if v.Chat.LastMessage != nil {
				preview = v.Chat.LastMessage.Content
			}
			fmt.Fprintf(t.out, "%-40s unread=%-3d %s\n", v.Chat.ID, v.Unread, preview)
		}

	case "online":
		fmt.Fprintln(t.out, strings.Join(t.session.OnlineUsers(), ", "))

	case "history":
		for _, m := range t.session.Messages(t.active) {
			fmt.Fprintf(t.out, "%s %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderName, m.Content)
		}
		for _, p := range t.session.Pending(t.active) {
			fmt.Fprintf(t.out, "(%s) %s [/retry %s]\n", p.Status, p.Content, p.Key)
		}

	case "group":
		if err := t.session.SetActiveChat(ctx, model.GroupChatID); err != nil {
			fmt.Fprintf(t.out, "! %v\n", err)
			return false
		}
		t.active = model.GroupChatID

	case "dm":
		pc, err := t.session.StartPrivateChat(ctx, arg)
		if err != nil {
			fmt.Fprintf(t.out, "! %v\n", err)
			return false
		}
		t.active = pc.ID
		fmt.Fprintf(t.out, "Chatting in %s\n", pc.ID)

	case "retry":
		if _, err := t.session.Retry(ctx, arg); err != nil {
			fmt.Fprintf(t.out, "! %v\n", err)
		}

	default:
		fmt.Fprintf(t.out, "! unknown command /%s\n", cmd)
	}
	return false
}
