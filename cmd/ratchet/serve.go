package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/ratchetml/ratchet/internal/adapter"
	"github.com/ratchetml/ratchet/internal/api"
	"github.com/ratchetml/ratchet/internal/model"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API over HTTP",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second per client (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "per-client burst above the rate limit",
				Value:       4,
				Destination: &rateBurst,
			},
			&cli.StringSliceFlag{
				Name:  "adapter",
				Usage: "adapter to preload, as name=path.acf; repeatable",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := buildLogger()

			if modelDir == "" {
				return fmt.Errorf("serve: --model is required")
			}
			m, err := model.Load(modelDir)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			reg := adapter.NewRegistry()
			defer func() { _ = reg.Close() }()
			for _, spec := range cmd.StringSlice("adapter") {
				name, path, err := parseAdapterSpec(spec)
				if err != nil {
					return err
				}
				if err := reg.Load(path, name); err != nil {
					return err
				}
				log.Info("adapter loaded", "name", name, "path", path)
			}

			server := api.NewServer(api.NewService(m, reg), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			if rateLimit > 0 {
				e.Use(api.RateLimit(rate.Limit(rateLimit), int(rateBurst)))
			}
			server.Register(e)

			log.Info("starting server", "address", addr, "device", m.DeviceType())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
