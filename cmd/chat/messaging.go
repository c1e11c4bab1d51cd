package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/client"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/spf13/cobra"
)

// background runs the session event loop until ctx ends or the connection
// drops.
func background(ctx context.Context, s *client.Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

// printing returns handlers that write every event to the terminal.
func (c *cli) printing(self string) client.Handlers {
	return client.Handlers{
		Message: func(v client.View) { c.out.view(v, self) },
		Status: func(id, status string) {
			c.out.Printf("  %s is %s\n", id, status)
		},
		Presence: func(online []string) {
			c.out.Printf("  online: %s\n", strings.Join(online, ", "))
		},
		Typing: func(peer string, typing bool) {
			if typing {
				c.out.Printf("  %s is typing...\n", peer)
			}
		},
		Call: func(ev client.CallEvent) { c.out.call(ev) },
		Error: func(e wire.Error) {
			c.out.Printf("  server error %s: %s\n", e.Code, e.Message)
		},
	}
}

func (p *printer) call(ev client.CallEvent) {
	switch ev.State {
	case client.CallIdle:
		if ev.Err != nil {
			p.Printf("  call with %s ended (%s): %v\n", ev.PeerID, ev.Reason, ev.Err)
			return
		}
		p.Printf("  call with %s ended (%s)\n", ev.PeerID, ev.Reason)
	default:
		p.Printf("  %s call %s %s\n", ev.Kind, ev.State, ev.PeerID)
	}
}

func sendCmd(c *cli) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <user-id> <message...>",
		Short: "Send one message and wait for the relay to accept it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.account()
			if err != nil {
				return err
			}
			peer, text := args[0], strings.Join(args[1:], " ")

			echo := make(chan client.View, 1)
			failed := make(chan wire.Error, 1)
			h := client.Handlers{
				Message: func(v client.View) {
					if v.From == a.profile.UserID && v.To == peer && v.Text == text {
						select {
						case echo <- v:
						default:
						}
					}
				},
				Error: func(e wire.Error) {
					if e.Event == wire.EventSendMessage {
						select {
						case failed <- e:
						default:
						}
					}
				},
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			s, closeFn, err := c.connect(ctx, a, h, false)
			if err != nil {
				return err
			}
			defer closeFn()
			done := background(ctx, s)

			if err := s.Send(ctx, peer, text); err != nil {
				return err
			}
			select {
			case v := <-echo:
				c.out.Printf("%s %s\n", v.ID, v.Status)
				return nil
			case e := <-failed:
				return fmt.Errorf("%s: %s", e.Code, e.Message)
			case err := <-done:
				return fmt.Errorf("connection closed: %w", err)
			case <-ctx.Done():
				return errors.New("no confirmation from the relay")
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the relay")
	return cmd
}

func listenCmd(c *cli) *cobra.Command {
	var acceptCalls bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online and print incoming messages and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.account()
			if err != nil {
				return err
			}
			h := c.printing(a.profile.UserID)
			var s *client.Session
			h.Call = func(ev client.CallEvent) {
				c.out.call(ev)
				if ev.State != client.CallRinging {
					return
				}
				// off the event loop; accepting builds a peer connection
				go func() {
					answer := s.Call().Decline
					if acceptCalls {
						answer = s.Call().Accept
					}
					if err := answer(); err != nil {
						c.log.WithError(err).Warn("answer call")
					}
				}()
			}

			s, closeFn, err := c.connect(cmd.Context(), a, h, acceptCalls)
			if err != nil {
				return err
			}
			defer closeFn()
			c.out.Printf("listening as %s, interrupt to stop\n", a.profile.Username)
			err = <-background(cmd.Context(), s)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&acceptCalls, "accept-calls", false, "answer incoming calls instead of declining them")
	return cmd
}

const chatHelp = `commands: /call  /video  /accept  /decline  /hangup  /quit`

func chatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user-id>",
		Short: "Open an interactive conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.account()
			if err != nil {
				return err
			}
			peer := args[0]
			s, closeFn, err := c.connect(cmd.Context(), a, c.printing(a.profile.UserID), true)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := background(ctx, s)

			views, err := s.OpenChat(ctx, peer)
			if err != nil {
				return err
			}
			for _, v := range views {
				c.out.view(v, a.profile.UserID)
			}
			c.out.Printf("%s\n", chatHelp)

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-done:
					return fmt.Errorf("connection closed: %w", err)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					quit, err := chatLine(ctx, s, peer, line)
					if err != nil {
						c.out.Printf("  %v\n", err)
					}
					if quit {
						return nil
					}
				}
			}
		},
	}
}

// chatLine handles one line of chat input: a slash command or a message.
func chatLine(ctx context.Context, s *client.Session, peer, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/call":
		return false, s.Call().Start(peer, client.KindAudio)
	case "/video":
		return false, s.Call().Start(peer, client.KindVideo)
	case "/accept":
		return false, s.Call().Accept()
	case "/decline":
		return false, s.Call().Decline()
	case "/hangup":
		return false, s.Call().Hangup()
	}
	if strings.HasPrefix(line, "/") {
		return false, errors.New(chatHelp)
	}
	return false, s.Send(ctx, peer, line)
}

func historyCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Print a conversation from the local cache plus anything still held by the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.account()
			if err != nil {
				return err
			}
			peer := args[0]
			self := a.profile.UserID
			pending, err := a.api.History(cmd.Context(), peer, "", limit)
			if err != nil {
				return err
			}
			for _, m := range pending {
				a.cache.Add(m)
			}
			for _, m := range a.cache.Conversation(self, peer) {
				v, err := client.Render(self, a.priv, m)
				if err != nil {
					c.log.WithError(err).WithField("message", m.ID).Debug("decrypt failed")
				}
				c.out.view(v, self)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "relay page size")
	return cmd
}
