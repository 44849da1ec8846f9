// Command pairchat is a terminal client for a two-party chat room. It joins
// the room, prints the conversation as it changes, and sends lines typed on
// stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/pairchat/pairchat-go/api"
	"github.com/pairchat/pairchat-go/connection"
	"github.com/pairchat/pairchat-go/core/clock"
	"github.com/pairchat/pairchat-go/core/message"
	"github.com/pairchat/pairchat-go/core/presence"
	"github.com/pairchat/pairchat-go/core/session"
	"github.com/pairchat/pairchat-go/transport"
	"github.com/pairchat/pairchat-go/transport/mqtt"
	"github.com/pairchat/pairchat-go/transport/websocket"
)

type config struct {
	APIBase     string `env:"PAIRCHAT_API" envDefault:"http://localhost:3000"`
	SocketURL   string `env:"PAIRCHAT_SOCKET" envDefault:"ws://localhost:3000/socket"`
	Transport   string `env:"PAIRCHAT_TRANSPORT" envDefault:"websocket"`
	MQTTBroker  string `env:"PAIRCHAT_MQTT_BROKER"`
	MQTTChannel string `env:"PAIRCHAT_MQTT_CHANNEL"`
	RoomID      string `env:"PAIRCHAT_ROOM,required"`
	UserID      string `env:"PAIRCHAT_USER"`
	Debug       bool   `env:"PAIRCHAT_DEBUG"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pairchat:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := api.NewClient(api.Config{BaseURL: cfg.APIBase, Logger: logger})

	userID := cfg.UserID
	if userID == "" {
		id, err := rest.GenerateIdentity(ctx)
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		userID = id
		logger.Info("generated identity", "userId", userID)
	}

	tr, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	ck := clock.New()
	conn := connection.NewManager(connection.Config{Transport: tr, Logger: logger})
	pr := presence.NewTracker(logger)

	render := make(chan struct{}, 1)
	store := message.NewStore(message.StoreConfig{
		Clock:    ck,
		SelfID:   userID,
		Emit:     conn.Send,
		Uploader: voiceUploader{rest: rest},
		OnChange: func() {
			select {
			case render <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})

	ctrl := session.NewController(session.Config{
		RoomID:   cfg.RoomID,
		UserID:   userID,
		Rest:     rest,
		Conn:     conn,
		Store:    store,
		Presence: pr,
		Clock:    ck,
		Logger:   logger,
	})

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ctrl.Start(ctx)
	defer ctrl.Stop()

	if err := ctrl.Join(ctx); err != nil {
		return fmt.Errorf("join %s: %w", cfg.RoomID, err)
	}
	defer ctrl.Leave()

	fmt.Printf("joined %q as %s. /help for commands.\n", ctrl.RoomName(), userID)

	go renderLoop(ctx, ctrl, pr, render)

	return inputLoop(ctx, ctrl)
}

func buildTransport(cfg config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "websocket":
		return websocket.New(websocket.Config{URL: cfg.SocketURL, Logger: logger}), nil
	case "mqtt":
		return mqtt.New(mqtt.Config{
			Broker:  cfg.MQTTBroker,
			Channel: cfg.MQTTChannel,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want websocket or mqtt)", cfg.Transport)
	}
}

// renderLoop reprints the tail of the conversation whenever the store
// changes.
func renderLoop(ctx context.Context, ctrl *session.Controller, pr *presence.Tracker, render <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-render:
		}

		msgs := ctrl.Messages()
		start := len(msgs) - 5
		if start < 0 {
			start = 0
		}
		for _, m := range msgs[start:] {
			body := m.Content
			if m.Kind == message.KindVoice {
				body = fmt.Sprintf("[voice %.1fs] %s", m.Duration, m.FileURL)
			}
			sender := m.SenderID
			status := ""
			if m.Mine(ctrl.UserID()) {
				// Only own messages carry a status badge.
				sender = "you"
				status = " " + m.Status.String()
				if len(m.SeenBy) > 0 {
					status += " by " + strings.Join(m.SeenBy, ",")
				}
			}
			fmt.Printf("  %s: %s%s\n", sender, body, status)
		}
		if typing := ctrl.TypingUsers(); len(typing) > 0 {
			fmt.Printf("  %s typing...\n", strings.Join(typing, ", "))
		}
		for user, pv := range ctrl.LivePreviews() {
			fmt.Printf("  %s drafting: %q\n", user, pv.Content)
		}
		if online := pr.Online(); len(online) > 0 {
			fmt.Printf("  online: %s\n", strings.Join(online, ", "))
		}
	}
}

func inputLoop(ctx context.Context, ctrl *session.Controller) error {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, ctrl, line); quit {
				return nil
			}
			continue
		}
		// Feed the line through the typing protocols before sending, the
		// way an input box would.
		ctrl.InputChanged(line, len(line))
		ctrl.SendText(line)
	}
	return sc.Err()
}

func command(ctx context.Context, ctrl *session.Controller, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q":
		return true
	case "/seen":
		ctrl.MarkRead()
	case "/who":
		fmt.Printf("participants: %d\n", ctrl.Participants())
	case "/voice":
		if len(fields) < 2 {
			fmt.Println("usage: /voice <file.webm> [seconds]")
			return false
		}
		audio, err := os.ReadFile(fields[1])
		if err != nil {
			fmt.Println("voice:", err)
			return false
		}
		duration := 0.0
		if len(fields) > 2 {
			duration, _ = strconv.ParseFloat(fields[2], 64)
		}
		if _, err := ctrl.SendVoice(ctx, audio, duration); err != nil {
			fmt.Println("voice:", err)
		}
	case "/help":
		fmt.Println("commands: /seen  /who  /voice <file> [seconds]  /quit")
	default:
		fmt.Println("unknown command, /help for the list")
	}
	return false
}

// voiceUploader bridges the REST client to the store's uploader interface.
type voiceUploader struct {
	rest *api.Client
}

func (u voiceUploader) UploadVoice(ctx context.Context, roomID, senderID string, audio []byte, duration float64, tempID string) (string, string, error) {
	up, err := u.rest.UploadVoice(ctx, roomID, senderID, audio, duration, tempID)
	if err != nil {
		return "", "", err
	}
	return up.FileURL, up.MessageID, nil
}
