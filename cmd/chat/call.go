package main

import (
	"context"
	"errors"

	"github.com/PaulBabatuyi/securechat/internal/client"
	"github.com/spf13/cobra"
)

func callCmd(c *cli) *cobra.Command {
	var video bool
	cmd := &cobra.Command{
		Use:   "call <user-id>",
		Short: "Place a call and stay on it until either side hangs up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.account()
			if err != nil {
				return err
			}
			ended := make(chan client.CallEvent, 1)
			h := c.printing(a.profile.UserID)
			h.Call = func(ev client.CallEvent) {
				c.out.call(ev)
				if ev.State == client.CallIdle {
					select {
					case ended <- ev:
					default:
					}
				}
			}

			s, closeFn, err := c.connect(cmd.Context(), a, h, true)
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := background(ctx, s)

			kind := client.KindAudio
			if video {
				kind = client.KindVideo
			}
			if err := s.Call().Start(args[0], kind); err != nil {
				return err
			}
			select {
			case ev := <-ended:
				return ev.Err
			case err := <-done:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-ctx.Done():
				// best effort, the connection may already be gone
				_ = s.Call().Hangup()
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&video, "video", false, "negotiate video as well as audio")
	return cmd
}
