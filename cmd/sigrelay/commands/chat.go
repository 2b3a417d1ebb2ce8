package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/chat"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a relay and chat from the terminal",
	Long: `Lines read from stdin are signed and sent to the peer. Commands:

  /ack <n>  acknowledge received message n
  /who      show who is connected
  /quit     leave the chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := chat.NewClient(&chat.ClientOpts{
			RelayURL:        viper.GetString("relay"),
			Username:        viper.GetString("username"),
			AutoAcknowledge: viper.GetBool("auto-ack"),
			InsecureQUIC:    viper.GetBool("insecure-quic"),
		})

		if err := c.GenerateKeys(); err != nil {
			return err
		}

		if err := c.Connect(context.Background()); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "* connected to %s as %s (key %s)\n", c.RelayURL, c.Username, c.Fingerprint())

		return runChat(c, cmd.InOrStdin(), out)
	},
}

func init() {
	flags := chatCmd.Flags()
	flags.String("relay", chat.DefaultClientOpts.RelayURL, "relay URL (ws://, wss:// or quic://)")
	flags.String("username", "", "name shown to the other participant")
	flags.Bool("auto-ack", false, "acknowledge messages as soon as they arrive")
	flags.Bool("insecure-quic", false, "skip certificate checks for quic:// relays")
	_ = viper.BindPFlags(flags)
}

func runChat(c *chat.Client, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	done := c.Done()
	quitting := false
	for {
		select {
		case e := <-c.Events():
			printEvent(out, e)

		case <-done:
			drainEvents(c, out)
			return closedErr(c.Err(), quitting)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				quitting = true
				_ = c.Close()
				continue
			}

			quit, err := handleLine(c, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %s\n", err)
			}
			if quit {
				quitting = true
				_ = c.Close()
			}
		}
	}
}

// drainEvents prints what was buffered before the connection ended.
func drainEvents(c *chat.Client, out io.Writer) {
	for {
		select {
		case e := <-c.Events():
			printEvent(out, e)
		default:
			return
		}
	}
}

func handleLine(c *chat.Client, line string, out io.Writer) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/who":
		fmt.Fprintf(out, "* online: %s\n", strings.Join(c.Roster(), ", "))
		return false, nil
	case strings.HasPrefix(line, "/ack"):
		seq, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/ack")))
		if err != nil {
			return false, errors.New("usage: /ack <n>")
		}
		return false, c.Acknowledge(seq)
	default:
		_, err := c.Send(line)
		return false, err
	}
}

func printEvent(out io.Writer, e chat.Event) {
	switch e.Kind {
	case chat.EventMessage:
		if e.Outgoing {
			fmt.Fprintf(out, "[you] %s\n", e.Text)
		} else {
			fmt.Fprintf(out, "[%d] %s: %s\n", e.Seq, e.Username, e.Text)
		}
	case chat.EventDelivered:
		fmt.Fprintf(out, "* delivered to %s: %s\n", e.Username, e.Text)
	case chat.EventSystem:
		fmt.Fprintf(out, "* %s\n", e.Text)
	case chat.EventRoster:
		fmt.Fprintf(out, "* online: %s\n", strings.Join(e.Roster, ", "))
	}
}

func closedErr(err error, quitting bool) error {
	if quitting {
		return nil
	}

	if ce, ok := network.AsCloseError(err); ok {
		if ce.Code == network.CodeNormal {
			return nil
		}
		return errors.Errorf("relay closed the connection: %s (%d)", ce.Reason, ce.Code)
	}
	return errors.Wrap(err, "connection lost")
}
