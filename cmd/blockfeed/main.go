package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gabapcia/blockfeed/internal/blockstream"
	"github.com/gabapcia/blockfeed/internal/handlers/cli"
	"github.com/gabapcia/blockfeed/internal/infra/blockchain/ethereum"
	redisstorage "github.com/gabapcia/blockfeed/internal/infra/storage/redis"
	"github.com/gabapcia/blockfeed/internal/pkg/logger"
	"github.com/gabapcia/blockfeed/internal/pkg/resilience/retry"
	"github.com/gabapcia/blockfeed/internal/pkg/telemetry"
	transporthttp "github.com/gabapcia/blockfeed/internal/pkg/transport/http"
	"github.com/gabapcia/blockfeed/internal/pkg/transport/jsonrpc"
	"github.com/gabapcia/blockfeed/internal/pkg/validator"

	"github.com/kelseyhightower/envconfig"
)

// appConfig holds every environment-driven knob of the binary.
type appConfig struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"blockfeed"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	TelemetryEnabled bool `envconfig:"TELEMETRY_ENABLED" default:"false"`

	RPCURL       string `envconfig:"RPC_URL" default:"http://127.0.0.1:8545" validate:"required,url"`
	ChainNetwork string `envconfig:"CHAIN_NETWORK" default:"ethereum" validate:"required"`

	BackfillCount      uint64        `envconfig:"BACKFILL_COUNT" default:"20"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"2s" validate:"required"`
	BufferSize         int           `envconfig:"BUFFER_SIZE" default:"64" validate:"gt=0"`
	GapPolicy          string        `envconfig:"GAP_POLICY" default:"skip" validate:"oneof=skip stall"`
	FetchRetryAttempts uint          `envconfig:"FETCH_RETRY_ATTEMPTS" default:"3"`
	NativeDecimals     int           `envconfig:"NATIVE_DECIMALS" default:"18" validate:"gt=0"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"5s" validate:"required"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisUsername string `envconfig:"REDIS_USERNAME"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// loadConfig reads and validates the environment configuration.
func loadConfig() (appConfig, error) {
	var cfg appConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}

	return cfg, validator.Validate(cfg)
}

// gapPolicyFromString maps the GAP_POLICY value onto the blockstream policy.
func gapPolicyFromString(s string) blockstream.GapPolicy {
	if strings.EqualFold(s, "stall") {
		return blockstream.GapPolicyStall
	}
	return blockstream.GapPolicySkip
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	if cfg.TelemetryEnabled {
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			panic(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if err := logger.Init(logger.WithLevel(cfg.LogLevel)); err != nil {
		panic(err)
	}
	defer logger.Sync()

	serviceOpts := []blockstream.Option{
		blockstream.WithBackfillCount(cfg.BackfillCount),
		blockstream.WithPollInterval(cfg.PollInterval),
		blockstream.WithBufferSize(cfg.BufferSize),
		blockstream.WithGapPolicy(gapPolicyFromString(cfg.GapPolicy)),
	}

	if cfg.FetchRetryAttempts > 0 {
		serviceOpts = append(serviceOpts, blockstream.WithRetry(
			retry.New(retry.WithAttempts(cfg.FetchRetryAttempts)),
		))
	}

	if cfg.RedisAddr != "" {
		redisClient, err := redisstorage.NewClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal(ctx, "failed to connect to redis", "error", err)
		}
		defer redisClient.Close()

		serviceOpts = append(serviceOpts, blockstream.WithCheckpointStorage(redisClient))
	}

	httpClient := transporthttp.NewClient(transporthttp.WithTimeout(cfg.HTTPTimeout))
	rpcConn := jsonrpc.NewClient(httpClient.StandardClient(), cfg.RPCURL)

	chain := ethereum.NewClient(rpcConn, ethereum.WithNativeDecimals(cfg.NativeDecimals))
	svc := blockstream.New(cfg.ChainNetwork, chain, serviceOpts...)

	if err := cli.Run(ctx, svc, chain); err != nil {
		logger.Fatal(ctx, "blockfeed exited with error", "error", err)
	}
}
