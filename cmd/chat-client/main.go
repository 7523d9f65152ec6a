// Command chat-client opens one marketplace chat room in the terminal.
// Lines typed on stdin are sent to the room; /history reprints the log and
// /quit leaves.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JBJLogic/Potato-Market/config"
	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/provider"
	"github.com/JBJLogic/Potato-Market/room"
	"github.com/JBJLogic/Potato-Market/transport"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("chat-client", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file")
	roomID := flags.Int64("room", 0, "room id to open")
	path := flags.String("path", "", "room path, e.g. /chat/12")
	productID := flags.Int64("product", 0, "open (or create) the room for a product")
	flags.String("base-url", "", "chat server base url")
	flags.String("ws-url", "", "chat websocket url")
	flags.String("session", "", "session cookie value")
	flags.Bool("optimistic-echo", false, "show sent messages before the server confirms them")
	flags.String("log-level", "", "log level")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	v, err := config.New(*configPath)
	if err != nil {
		return err
	}
	for key, flag := range map[string]string{
		"client.base_url":        "base-url",
		"client.ws_url":          "ws-url",
		"client.session_value":   "session",
		"client.optimistic_echo": "optimistic-echo",
		"log.level":              "log-level",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	cc := cfg.Client

	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "chat-client"
	}
	logger := logging.Init(cfg.Log, os.Stderr)

	loc, err := config.Location(cc.Timezone)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := provider.New(provider.Config{
		BaseURL:       cc.BaseURL,
		SessionCookie: cc.SessionCookie,
		SessionValue:  cc.SessionValue,
		Timeout:       cc.HistoryTimeout,
		Location:      loc,
	}, logger)

	roomPath := *path
	switch {
	case roomPath != "":
	case *roomID > 0:
		roomPath = room.Path(*roomID)
	case *productID > 0:
		id, err := api.CreateRoom(ctx, *productID)
		if err != nil {
			return fmt.Errorf("failed to open room for product %d: %w", *productID, err)
		}
		roomPath = room.Path(id)
	default:
		return errors.New("one of --room, --path or --product is required")
	}

	header := http.Header{}
	if cc.SessionValue != "" {
		header.Set("Cookie", (&http.Cookie{Name: cc.SessionCookie, Value: cc.SessionValue}).String())
	}
	tc := transport.New(transport.Config{
		URL:              cc.WebSocketURL,
		Header:           header,
		HandshakeTimeout: cc.ConnectTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
		WriteWait:        cfg.WebSocket.WriteWait,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		Reconnect:        cc.Reconnect,
		ReconnectInitial: cc.ReconnectInitial,
		ReconnectMax:     cc.ReconnectMax,
		ReconnectRetries: cc.ReconnectRetries,
	}, logger)

	term := newTerminal(os.Stdout)
	ctrl := room.NewController(room.Deps{
		Session:   provider.NewSessionResolver(api, provider.NewUserCache(cc.UserCachePath), logger),
		History:   api,
		Transport: tc,
		View:      term,
		Renderer:  term,
		Logger:    logger,
	}, room.Options{
		RedirectDelay:  cc.RedirectDelay,
		HistoryTimeout: cc.HistoryTimeout,
		ConnectTimeout: cc.ConnectTimeout,
		OptimisticEcho: cc.OptimisticEcho,
		Location:       loc,
	})
	defer ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Run(gctx, roomPath); err != nil {
			var he *room.HistoryError
			if errors.As(err, &he) && he.Retryable() {
				return err
			}
			// Other failures are shown through the view, and a redirect
			// ends the session.
			logger.Debug().Err(err).Msg("room setup failed")
		}
		return nil
	})

	g.Go(func() error {
		select {
		case p := <-term.redirected:
			return fmt.Errorf("room unavailable, redirected to %s", p)
		case <-gctx.Done():
			return nil
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case text, ok := <-lines:
				if !ok || strings.TrimSpace(text) == "/quit" {
					stop()
					return nil
				}
				if strings.TrimSpace(text) == "/history" {
					term.Reprint(ctrl.Views())
					continue
				}
				if err := ctrl.Send(gctx, text); err != nil && !errors.Is(err, room.ErrEmptyMessage) {
					logger.Debug().Err(err).Msg("send failed")
				}
			}
		}
	})

	return g.Wait()
}
