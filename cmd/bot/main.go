package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"muselink/internal/config"
	"muselink/internal/discord"
	"muselink/internal/logger"
	"muselink/internal/music/catalog"
	"muselink/internal/music/engine"
	"muselink/internal/music/node"
	"muselink/internal/music/queue"
	"muselink/internal/music/radio"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeClient := node.NewClient(node.Config{
		Host:     cfg.NodeHost,
		Port:     cfg.NodePort,
		Password: cfg.NodePassword,
		Secure:   cfg.NodeSecure,
	}, zl.Named("node"))

	bot, err := discord.NewBot(cfg.DiscordToken, zl.Named("discord"))
	if err != nil {
		zl.Fatal("failed to create bot", zap.Error(err))
	}

	spotify := catalog.NewSpotifyClient(cfg.SpotifyClientID, cfg.SpotifyClientSecret, zl.Named("spotify"))
	apple := catalog.NewAppleClient(zl.Named("itunes"))
	deezer := catalog.NewDeezerClient(zl.Named("deezer"))
	oembed := catalog.NewOEmbedClient(zl.Named("oembed"))
	catalogSvc := catalog.NewService(spotify, apple, deezer, oembed, nodeClient, zl.Named("catalog"))

	queues := queue.NewRegistry(nodeClient, bot, zl.Named("queue"), cfg.InactivityTimeout, cfg.EmptyVoiceTimeout)
	eng := engine.New(nodeClient, catalogSvc, oembed, radio.New(zl.Named("radio")), queues, bot, zl.Named("engine"))
	bot.Attach(eng, nodeClient)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		zl.Info("received signal, shutting down", zap.String("signal", s.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			zl.Error("bot exited", zap.Error(err))
		}
	}
}
