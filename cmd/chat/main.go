// Command securechat is a terminal client for the securechat relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/client"
	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the resolved global options into subcommands.
type cli struct {
	v    *viper.Viper
	home string
	log  *logrus.Logger
	out  *printer
}

func newRootCmd() *cobra.Command {
	_, root := newApp()
	return root
}

func newApp() (*cli, *cobra.Command) {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:           "securechat",
		Short:         "End-to-end encrypted chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "relay base URL")
	pf.String("grpc", "", "gRPC address for the event stream (default: WebSocket on --server)")
	pf.String("home", "", "state directory (default ~/.securechat)")
	pf.StringP("password", "p", "", "account password, unlocks the private key and local cache")
	pf.StringSlice("ice", nil, "STUN/TURN server URLs for calls")
	pf.String("log-level", "warn", "log level")
	pf.String("log-format", "text", "log format (text or json)")
	_ = c.v.BindPFlags(pf)
	c.v.SetEnvPrefix("SECURECHAT")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		registerCmd(c), loginCmd(c), logoutCmd(c), whoamiCmd(c),
		usersCmd(c), profileCmd(c),
		sendCmd(c), listenCmd(c), chatCmd(c), historyCmd(c), callCmd(c),
	)
	return c, root
}

func (c *cli) setup(cmd *cobra.Command) error {
	c.out = &printer{w: cmd.OutOrStdout()}
	log, err := logging.New(c.v.GetString("log-level"), c.v.GetString("log-format"), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.log = log

	c.home = c.v.GetString("home")
	if c.home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.home = filepath.Join(dir, ".securechat")
	}
	return os.MkdirAll(c.home, 0o700)
}

func (c *cli) server() string { return strings.TrimRight(c.v.GetString("server"), "/") }

func (c *cli) password() (string, error) {
	p := c.v.GetString("password")
	if p == "" {
		return "", errors.New("password required: pass --password or set SECURECHAT_PASSWORD")
	}
	return p, nil
}

func (c *cli) profilePath() string { return filepath.Join(c.home, "profile.json") }

func (c *cli) cachePath(userID string) string {
	return filepath.Join(c.home, userID+".cache")
}

// profile returns the saved login, refusing an expired token.
func (c *cli) profile() (*client.Profile, error) {
	p, err := client.LoadProfile(c.profilePath())
	if err != nil {
		return nil, err
	}
	if p.Expired(time.Now()) {
		return nil, errors.New("session expired, run login again")
	}
	return p, nil
}

// authedAPI needs a login but not the password.
func (c *cli) authedAPI() (*client.API, *client.Profile, error) {
	p, err := c.profile()
	if err != nil {
		return nil, nil, err
	}
	api := client.NewAPI(p.Server, nil)
	api.SetToken(p.Token)
	return api, p, nil
}

// account is an unlocked login with its local message cache.
type account struct {
	profile *client.Profile
	priv    keys.PrivateKey
	api     *client.API
	files   *client.FileCache
	cache   *client.Cache
}

func (c *cli) account() (*account, error) {
	api, p, err := c.authedAPI()
	if err != nil {
		return nil, err
	}
	password, err := c.password()
	if err != nil {
		return nil, err
	}
	priv, err := p.Unlock(password)
	if err != nil {
		return nil, err
	}
	files := client.NewFileCache(c.cachePath(p.UserID), p.UserID, password)
	cache, err := files.Load()
	if err != nil {
		return nil, err
	}
	return &account{profile: p, priv: priv, api: api, files: files, cache: cache}, nil
}

// connect opens the event connection and wraps it in a client session. The
// returned close func releases both.
func (c *cli) connect(ctx context.Context, a *account, h client.Handlers, calls bool) (*client.Session, func(), error) {
	cfg := client.Config{
		UserID:     a.profile.UserID,
		PrivateKey: a.priv,
		Directory:  a.api,
		Cache:      a.cache,
		Persist:    a.files,
		Handlers:   h,
		Log:        c.log,
	}
	if calls {
		cfg.Peers = client.PionFactory{ICEServers: c.v.GetStringSlice("ice")}
		cfg.Media = client.SampleSource{StreamID: "securechat-" + a.profile.UserID}
	}

	if addr := c.v.GetString("grpc"); addr != "" {
		cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		t, err := client.DialStream(ctx, cc, a.profile.Token)
		if err != nil {
			_ = cc.Close()
			return nil, nil, err
		}
		s, err := client.New(t, cfg)
		if err != nil {
			_ = t.Close()
			_ = cc.Close()
			return nil, nil, err
		}
		return s, func() { s.Close(); _ = cc.Close() }, nil
	}

	wsURL, err := client.EventsURL(a.profile.Server)
	if err != nil {
		return nil, nil, err
	}
	t, err := client.Dial(ctx, wsURL, a.profile.Token)
	if err != nil {
		return nil, nil, err
	}
	s, err := client.New(t, cfg)
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}

// printer serializes output from handler callbacks and the command itself.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) view(v client.View, self string) {
	who := v.From
	if v.From == self {
		who = "me"
	}
	p.Printf("[%s] %s: %s (%s)\n", v.CreatedAt.Local().Format("15:04:05"), who, v.Text, v.Status)
}
