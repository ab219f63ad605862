// Command msgr is a terminal chat client. It connects to the configured
// server, authenticates, attaches to the "me" topic and prints incoming
// messages until interrupted.
//
// Configuration is read per the config package (MSGR_CONFIG or
// ./config.yaml, environment overrides); flags below override both.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msgr-im/msgr/config"
	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/session"
	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/service/store/mgostore"
	"github.com/msgr-im/msgr/service/store/pgstore"
	"github.com/msgr-im/msgr/service/wire"
)

// Flag variables.
var (
	host, user, password, sendTo, sendText string
	useTLS                                 bool
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:   "msgr",
	Short: "Connect to the chat server, log in and print incoming messages.",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	cmd.Flags().StringVar(&host, "host", "", "Server host:port, overrides the configured one.")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "Use a TLS connection.")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Login name.")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Login password.")
	cmd.Flags().StringVar(&sendTo, "send-to", "", "Topic to publish --send-text to after login.")
	cmd.Flags().StringVar(&sendText, "send-text", "", "Message text to publish to --send-to.")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Configure(cfg.Log.Level)

	if host == "" {
		host = cfg.Server.Host
	}
	if !useTLS {
		useTLS = cfg.Server.UseTLS
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sn := session.NewSession(cfg.Server.AppName, cfg.Server.APIKey, st, &printListener{})

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()

	if _, err := sn.Connect(host, useTLS).Wait(waitCtx); err != nil {
		return fmt.Errorf("connect %s: %w", host, err)
	}
	if user != "" {
		if _, err := sn.LoginBasic(user, password).Wait(waitCtx); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if _, err := sn.Subscribe(session.TopicMe, nil, nil).Wait(waitCtx); err != nil {
			return fmt.Errorf("subscribe me: %w", err)
		}
	}

	if sendTo != "" && sendText != "" {
		content, _ := json.Marshal(sendText)
		if _, err := sn.Publish(ctx, sendTo, content).Wait(waitCtx); err != nil {
			return fmt.Errorf("publish to %s: %w", sendTo, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	sn.Disconnect()
	return nil
}

// openStore picks the storage engine per cfg.Backend and opens it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	var st store.Store
	switch cfg.Backend {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		pg, err := pgstore.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = pg
	case "mongo":
		mg, err := mgostore.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = mg
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
	if err := st.Open(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// printListener writes the session's traffic to stdout.
type printListener struct {
	session.NopListener
}

func (printListener) OnConnect(code int, reason string, _ map[string]json.RawMessage) {
	fmt.Printf("# connected: %d %s\n", code, reason)
}

func (printListener) OnDisconnect(byServer bool, code int, reason string) {
	fmt.Printf("# disconnected (server=%v): %d %s\n", byServer, code, reason)
}

func (printListener) OnLogin(code int, text string) {
	fmt.Printf("# login: %d %s\n", code, text)
}

func (printListener) OnDataMessage(data *wire.MsgServerData) {
	fmt.Printf("%s %s #%d: %s\n", data.Topic, data.From, data.Seq, data.Content)
}

func (printListener) OnInfoMessage(info *wire.MsgServerInfo) {
	fmt.Printf("%s %s: %s #%d\n", info.Topic, info.From, info.What, info.Seq)
}
