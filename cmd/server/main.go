package main

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/repository/user"
	redisSvc "e2e_paste/internal/service/redis"
	"e2e_paste/internal/service/server"
	"e2e_paste/internal/utils/log"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the yaml config file")
	addr := pflag.String("addr", "", "listen address, overrides the config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.ValidateServer(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.Server.MongoURI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	userRepo := user.NewUserRepo(mongoDBClient.Database(cfg.Server.MongoDB))
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		log.Fatal("create account indexes failed", zap.Error(err))
	}

	redis, err := redisSvc.Connect(ctx, cfg.Server.RedisURL)
	if err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}
	defer redis.Close()

	streams := server.NewStreamRepo(redis, cfg.Server.Stream)
	s := server.NewHttpServer(cfg.Server, userRepo, streams)
	if err := s.Run(ctx); err != nil {
		log.Fatal("http server stopped", zap.Error(err))
	}
	log.Info("http server stopped")
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
