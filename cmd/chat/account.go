package main

import (
	"errors"
	"os"
	"text/tabwriter"

	"github.com/PaulBabatuyi/securechat/internal/client"
	"github.com/spf13/cobra"
)

func registerCmd(c *cli) *cobra.Command {
	var username, email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and its key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := c.password()
			if err != nil {
				return err
			}
			reg, _, err := client.NewRegistration(username, email, password)
			if err != nil {
				return err
			}
			api := client.NewAPI(c.server(), nil)
			res, err := api.Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			if err := client.ProfileFromAuth(c.server(), res).Save(c.profilePath()); err != nil {
				return err
			}
			c.out.Printf("registered %s (%s)\n", res.Username, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login email")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func loginCmd(c *cli) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and unlock the private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := c.password()
			if err != nil {
				return err
			}
			api := client.NewAPI(c.server(), nil)
			res, err := api.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			// a key that will not open is useless; keep the old profile
			if _, err := res.Unlock(password); err != nil {
				return err
			}
			if err := client.ProfileFromAuth(c.server(), res).Save(c.profilePath()); err != nil {
				return err
			}
			c.out.Printf("logged in as %s (%s)\n", res.Username, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved login (the local message cache is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := os.Remove(c.profilePath())
			if errors.Is(err, os.ErrNotExist) {
				return client.ErrNoProfile
			}
			return err
		},
	}
}

func whoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the saved login",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := client.LoadProfile(c.profilePath())
			if err != nil {
				return err
			}
			c.out.Printf("%s <%s> id=%s server=%s expires=%s\n",
				p.Username, p.Email, p.UserID, p.Server, p.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func usersCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := c.authedAPI()
			if err != nil {
				return err
			}
			users, err := api.Users(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = tw.Write([]byte("ID\tUSERNAME\tSTATUS\n"))
			for _, u := range users {
				status := "offline"
				if u.Online {
					status = "online"
				} else if u.LastSeen != nil {
					status = "seen " + u.LastSeen.Local().Format("2006-01-02 15:04")
				}
				_, _ = tw.Write([]byte(u.ID + "\t" + u.Username + "\t" + status + "\n"))
			}
			return tw.Flush()
		},
	}
}

func profileCmd(c *cli) *cobra.Command {
	var username, email, avatar string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update username, email or avatar",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, p, err := c.authedAPI()
			if err != nil {
				return err
			}
			var u *client.User
			flags := cmd.Flags()
			if flags.Changed("username") || flags.Changed("email") {
				var name, mail *string
				if flags.Changed("username") {
					name = &username
				}
				if flags.Changed("email") {
					mail = &email
				}
				if u, err = api.UpdateProfile(cmd.Context(), name, mail); err != nil {
					return err
				}
			}
			if flags.Changed("avatar") {
				if u, err = api.UpdateAvatar(cmd.Context(), avatar); err != nil {
					return err
				}
			}
			if u == nil {
				return errors.New("nothing to update")
			}
			p.Username, p.Email = u.Username, u.Email
			if err := p.Save(c.profilePath()); err != nil {
				return err
			}
			c.out.Printf("updated %s <%s>\n", u.Username, u.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "new display name")
	cmd.Flags().StringVar(&email, "email", "", "new login email")
	cmd.Flags().StringVar(&avatar, "avatar", "", "profile picture URL")
	return cmd
}
