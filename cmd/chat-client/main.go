package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/client"
	"github.com/omochice/socket-chat-client/internal/config"
	"github.com/omochice/socket-chat-client/internal/endpoint"
	"github.com/omochice/socket-chat-client/internal/logging"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
)

var rootCmd = &cobra.Command{
	Use:          "chat-client",
	Short:        "Line-oriented chat client with automatic reconnection",
	SilenceUsage: true,
	RunE:         runChat,
}

var (
	flagUsername         string
	flagOrigin           string
	flagDevGateway       string
	flagReconnectDelay   time.Duration
	flagHandshakeTimeout time.Duration
	flagLogLevel         string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagUsername, "username", "u", "", "display name used for the session (env CHAT_USERNAME)")
	flags.StringVar(&flagOrigin, "origin", "", "origin the client runs under, e.g. https://chat.example.com (env CHAT_ORIGIN)")
	flags.StringVar(&flagDevGateway, "dev-gateway", "", "gateway host used when the origin is local (env CHAT_DEV_GATEWAY)")
	flags.DurationVar(&flagReconnectDelay, "reconnect-delay", 0, "delay before reconnecting after an unexpected close (env CHAT_RECONNECT_DELAY)")
	flags.DurationVar(&flagHandshakeTimeout, "handshake-timeout", 0, "websocket handshake timeout (env CHAT_HANDSHAKE_TIMEOUT)")
	flags.StringVar(&flagLogLevel, "log-level", "", "trace, debug, info, warn or error (env LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("username") {
		cfg.Username = flagUsername
	}
	if flags.Changed("origin") {
		cfg.Origin = flagOrigin
	}
	if flags.Changed("dev-gateway") {
		cfg.DevGateway = flagDevGateway
	}
	if flags.Changed("reconnect-delay") {
		cfg.ReconnectDelay = flagReconnectDelay
	}
	if flags.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = flagHandshakeTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cmd.ErrOrStderr())

	resolver, err := endpoint.Parse(cfg.Origin, cfg.DevGateway)
	if err != nil {
		return err
	}

	mgr, err := client.New(cfg.Username, resolver,
		client.WithDialer(ws.NewDialer(cfg.HandshakeTimeout)),
		client.WithReconnectDelay(cfg.ReconnectDelay),
		client.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	updates, cancel := mgr.Session().Watch()
	defer cancel()
	go render(out, updates)

	mgr.Connect()
	fmt.Fprintf(out, "Joining as %s. Type a message, /disconnect, /connect or /quit.\n", cfg.Username)

	return readInput(ctx, cmd.InOrStdin(), out, mgr)
}

// readInput forwards stdin lines to the client until EOF, /quit or ctx ends.
func readInput(ctx context.Context, in io.Reader, out io.Writer, c client.Client) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if done := handleLine(out, c, line); done {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func handleLine(out io.Writer, c client.Client, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/disconnect":
		c.Disconnect()
	case "/connect":
		c.Connect()
	default:
		// The cause, if any, reaches the user through LastError in render.
		if !c.Send(line) {
			fmt.Fprintln(out, "*** message not sent ***")
		}
	}
	return false
}

// render prints new messages and status changes from session snapshots.
func render(out io.Writer, updates <-chan chat.Snapshot) {
	var (
		printed  int
		status   = chat.Disconnected
		lastErr  string
		identity string
	)
	for snap := range updates {
		identity = snap.Identity
		if snap.Connectivity != status {
			status = snap.Connectivity
			fmt.Fprintf(out, "*** %s ***\n", status)
		}
		if snap.LastError != lastErr {
			lastErr = snap.LastError
			if lastErr != "" {
				fmt.Fprintf(out, "*** %s ***\n", lastErr)
			}
		}
		for _, msg := range snap.Messages[printed:] {
			fmt.Fprintln(out, formatMessage(msg, identity))
		}
		printed = len(snap.Messages)
	}
}

func formatMessage(msg chat.ChatMessage, identity string) string {
	author := msg.Author
	if author == identity {
		author += " (you)"
	}
	return fmt.Sprintf("[%s] %s: %s", msg.ReceivedAt.Format(time.TimeOnly), author, msg.Text)
}
