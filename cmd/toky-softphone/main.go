// Демонстрационный софтфон: регистрируется на платформе Toky, размещает
// один исходящий вызов и печатает события жизненного цикла.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/eventchannel"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/media"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/phone"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/signaling"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

type settings struct {
	accessToken string
	agentID     string
	apiBase     string
	wsBase      string

	listenAddr string
	transport  string

	dial     string
	callerID string

	logFile    string
	logLevel   string
	logMaxSize int
}

func loadSettings(cfg *ini.File) settings {
	var s settings

	sec := cfg.Section("toky")
	s.accessToken = sec.Key("access_token").String()
	s.agentID = sec.Key("agent_id").String()
	s.apiBase = sec.Key("api_base").MustString("https://api.toky.co")
	s.wsBase = sec.Key("ws_base").MustString("wss://ws.toky.co")

	sec = cfg.Section("sip")
	s.listenAddr = sec.Key("listen_addr").MustString("0.0.0.0:5060")
	s.transport = sec.Key("transport").MustString("udp")

	sec = cfg.Section("call")
	s.dial = sec.Key("dial").String()
	s.callerID = sec.Key("caller_id").String()

	sec = cfg.Section("logging")
	s.logFile = sec.Key("file").MustString("toky-softphone.log")
	s.logLevel = sec.Key("level").MustString("info")
	s.logMaxSize = sec.Key("max_size_mb").MustInt(50)

	return s
}

func initLogging(s settings) *lumberjack.Logger {
	file := &lumberjack.Logger{
		Filename:   s.logFile,
		MaxSize:    s.logMaxSize,
		MaxBackups: 2,
	}

	level := slog.LevelInfo
	switch s.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file),
		&slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return file
}

func main() {
	configPath := flag.String("config", "settings.ini", "путь к ini файлу настроек")
	flag.Parse()

	cfg, err := ini.Load(*configPath)
	if err != nil {
		slog.Error("failed to load settings", slog.Any("error", err))
		os.Exit(1)
	}
	s := loadSettings(cfg)

	logFile := initLogging(s)
	defer func() { _ = logFile.Close() }()

	if s.accessToken == "" || s.agentID == "" {
		slog.Error("access_token and agent_id are required")
		os.Exit(1)
	}

	if err := run(s); err != nil {
		slog.Error("softphone failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(s settings) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewFileStore("toky-softphone.json")
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL:     s.apiBase,
		AgentID:     s.agentID,
		AccessToken: s.accessToken,
	})
	if err != nil {
		return err
	}

	params, err := gw.CallParams(ctx)
	if err != nil {
		return err
	}

	channel, err := eventchannel.New(eventchannel.Config{
		URL:       s.wsBase,
		ChannelID: params.ChannelID,
	})
	if err != nil {
		return err
	}

	factory := signaling.NewSipgoFactory(signaling.SipgoConfig{
		ListenAddr: s.listenAddr,
		Transport:  s.transport,
	})

	source := media.NewNullSource()
	source.Remote = media.NewJitterPlayer(source.Remote, media.JitterConfig{})

	client, err := phone.NewClient(phone.Config{
		AccessToken: s.accessToken,
		Account: phone.Account{
			User:               s.agentID,
			Type:               "agent",
			AcceptInboundCalls: true,
		},
	}, phone.Deps{
		Gateway: gw,
		Factory: factory,
		Channel: channel,
		Store:   store,
		Source:  source,
		Metrics: phone.NewMetrics(nil),
	})
	if err != nil {
		return err
	}

	client.OnAny(func(ev phone.Event) {
		slog.Info("phone event", slog.String("kind", string(ev.Kind())))
	})
	client.On(phone.EventInvite, func(ev phone.Event) {
		invite := ev.(phone.InviteEvent)
		slog.Info("incoming call",
			slog.String("from", invite.CallData.RemoteUserID),
			slog.String("type", string(invite.CallData.RemoteUserType)))
		if err := invite.Session.AcceptCall(ctx); err != nil {
			slog.Warn("failed to accept call", slog.Any("error", err))
		}
	})

	info, err := client.Init(ctx)
	if err != nil {
		return err
	}
	slog.Info("softphone ready",
		slog.String("sipUsername", info.SIPUsername),
		slog.String("country", info.ConnectionCountry),
		slog.Bool("recording", info.CallRecordingEnabled))

	if s.dial != "" {
		// Даем регистрации устояться перед набором
		time.Sleep(time.Second)
		if sess := client.StartCall(ctx, s.dial, s.callerID); sess != nil {
			slog.Info("dialing", slog.String("number", s.dial))
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return client.Stop(stopCtx)
}
