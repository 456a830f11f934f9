package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/clawgate/pkg/gateway"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	chatSession string
	chatTimeout time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running gateway",
	Long: `Open an interactive chat session against a running gateway.
Each line is sent as one turn. /abort cancels the running turn and /quit exits.
Reminders for the session are printed as they fire.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", gateway.DefaultSessionKey, "session key")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 10*time.Minute, "how long to wait for each reply")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     clientAddr(cfg),
		Path:     "/ws",
		RawQuery: url.Values{"session": []string{chatSession}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}
	defer conn.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s (session %s). /quit to exit.\n", u.Host, chatSession)
	return chatLoop(conn, cmd.InOrStdin(), cmd.OutOrStdout(), chatTimeout)
}

// chatLoop sends one line per turn and waits for its reply. Envelopes that
// arrive between turns, like reminders, are printed as they come.
func chatLoop(conn *websocket.Conn, in io.Reader, out io.Writer, timeout time.Duration) error {
	replies := make(chan gateway.Envelope, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			var env gateway.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				close(replies)
				return
			}
			printEnvelope(out, env)
			select {
			case replies <- env:
			default:
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return closeChat(conn)
		}

		drain(replies)

		var err error
		if line == "/abort" {
			err = conn.WriteJSON(gateway.Inbound{Type: gateway.InboundAbort})
		} else {
			err = conn.WriteMessage(websocket.TextMessage, []byte(line))
		}
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}

		select {
		case _, ok := <-replies:
			if !ok {
				return fmt.Errorf("connection closed: %w", <-readErr)
			}
		case <-time.After(timeout):
			fmt.Fprintln(out, "[no reply yet, still waiting in the background]")
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return closeChat(conn)
}

func printEnvelope(out io.Writer, env gateway.Envelope) {
	if env.Type == gateway.EnvelopeSystem {
		fmt.Fprintf(out, "[system] %s\n", env.Content)
		return
	}
	fmt.Fprintf(out, "%s\n", env.Content)
}

func drain(ch <-chan gateway.Envelope) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func closeChat(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
