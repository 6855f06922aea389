// Command dmclient is a terminal client for the chat server. Lines typed on
// stdin are sent to the open conversation; /open <name> switches to another
// user, /users lists everyone, /quit exits. Unsent messages are kept in a
// Pebble outbox and sent after the next reconnect.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/client"
	"github.com/whisper/dmchat/internal/config"
	"github.com/whisper/dmchat/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		logging.Setup("info", true, "dmclient")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, true, "dmclient")

	name := cfg.Name
	if len(os.Args) > 1 {
		name = os.Args[1]
	}
	if name == "" {
		log.Fatal().Msg("usage: dmclient <display name> (or set DMCHAT_NAME)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiClient := client.NewAPI(cfg.ServerURL)
	creds, err := signIn(ctx, apiClient, name)
	if err != nil {
		log.Fatal().Err(err).Msg("sign-in failed")
	}
	me := creds.User

	outbox, err := client.OpenPebbleOutbox(filepath.Join(cfg.DataDir, "outbox-"+me.ID))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open outbox")
	}
	defer outbox.Close()

	names := map[string]string{me.ID: me.DisplayName}
	var sess *client.Session
	sessCfg := client.DefaultSessionConfig(me.ID)
	sessCfg.OnEvent = func(e client.Event) { render(sess, names, e) }
	sess = client.NewSession(sessCfg, nil, outbox)

	chCfg := client.DefaultChannelConfig()
	chCfg.URL = apiClient.WebSocketURL()
	chCfg.Token = creds.Token
	chCfg.UserID = me.ID
	channel := client.NewChannel(chCfg, sess)
	sess.SetSender(channel)

	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("channel stopped")
		}
	}()

	fmt.Printf("signed in as %s. /users, /open <name>, /quit\n", me.DisplayName)

	var open string
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/users":
				listUsers(ctx, apiClient, names)
			case strings.HasPrefix(line, "/open "):
				id, err := openConversation(ctx, apiClient, sess, names, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
				if err != nil {
					fmt.Println("!", err)
					continue
				}
				open = id
			case open == "":
				fmt.Println("! open a conversation first: /open <name>")
			default:
				sess.StopTyping()
				if _, err := sess.Send(open, line, nil, ""); err != nil {
					fmt.Println("! send failed:", err)
				}
			}
		}
	}
}

// signIn reuses an existing account or creates one.
func signIn(ctx context.Context, a *client.API, name string) (*client.Credentials, error) {
	creds, err := a.Signin(ctx, name)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return a.Signup(ctx, name)
	}
	return creds, err
}

func listUsers(ctx context.Context, a *client.API, names map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	list, err := a.Conversations(ctx)
	if err != nil {
		fmt.Println("!", err)
		return
	}
	for _, c := range list {
		names[c.User.ID] = c.User.DisplayName
		state := "offline"
		if c.User.Online {
			state = "online"
		}
		fmt.Printf("  %-20s %-7s unread=%d\n", c.User.DisplayName, state, c.UnreadCount)
	}
}

func openConversation(ctx context.Context, a *client.API, sess *client.Session, names map[string]string, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	list, err := a.Conversations(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range list {
		names[c.User.ID] = c.User.DisplayName
		if strings.EqualFold(c.User.DisplayName, name) {
			history, err := a.History(ctx, c.User.ID, "", 0)
			if err != nil {
				return "", err
			}
			sess.Open(c.User.ID, history)
			for _, l := range sess.View() {
				printMessage(names, l)
			}
			return c.User.ID, nil
		}
	}
	return "", fmt.Errorf("no user named %q", name)
}

func render(sess *client.Session, names map[string]string, e client.Event) {
	switch e.Kind {
	case client.EventMessage:
		view := sess.View()
		if len(view) > 0 {
			printMessage(names, view[len(view)-1])
		}
	case client.EventUnread:
		if n := sess.Unread(e.Counterpart); n > 0 {
			fmt.Printf("* %d unread from %s\n", n, displayName(names, e.Counterpart))
		}
	case client.EventTyping:
		if sess.IsTyping(e.Counterpart) {
			fmt.Printf("* %s is typing...\n", displayName(names, e.Counterpart))
		}
	case client.EventPresence:
		state := "offline"
		if sess.IsOnline(e.Counterpart) {
			state = "online"
		}
		fmt.Printf("* %s is %s\n", displayName(names, e.Counterpart), state)
	case client.EventError:
		fmt.Println("!", e.Text)
	}
}

func printMessage(names map[string]string, l client.LocalMessage) {
	m := l.Message
	mark := statusMark(m.Status)
	if l.Kind == client.KindOptimistic && m.Status != chat.StatusFailed {
		mark = "…"
	}
	fmt.Printf("[%s] %s %s: %s\n", m.CreatedAt.Local().Format("15:04"), mark, displayName(names, m.SenderID), m.Content)
}

func statusMark(s chat.Status) string {
	switch s {
	case chat.StatusDelivered:
		return "✓✓"
	case chat.StatusRead:
		return "👁"
	case chat.StatusFailed:
		return "✗"
	}
	return "✓"
}

func displayName(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}
