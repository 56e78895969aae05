package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/ratchetml/ratchet/internal/adapter"
	"github.com/ratchetml/ratchet/internal/engine"
	"github.com/ratchetml/ratchet/internal/model"
	"github.com/ratchetml/ratchet/internal/trace"
)

func runCmd() *cli.Command {
	var (
		maxLength int64
		doSample  bool
		temp      float64
		topK      int64
		topP      float64
		seed      int64
		traceGen  bool
		traceFile string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Drive a generation run to completion and print the sequences",
		Flags: append(commonModelFlags(),
			&cli.StringSliceFlag{
				Name:    "prompt",
				Aliases: []string{"p"},
				Usage:   "comma-separated token ids; repeat for more batch rows",
			},
			&cli.StringSliceFlag{
				Name:  "adapter",
				Usage: "adapter to activate, as name=path.acf; repeatable",
			},
			&cli.Int64Flag{
				Name:        "max-length",
				Aliases:     []string{"n"},
				Usage:       "per-row token capacity, prompt included (0 = model default)",
				Destination: &maxLength,
			},
			&cli.BoolFlag{
				Name:        "do-sample",
				Usage:       "sample stochastically instead of greedy argmax",
				Destination: &doSample,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "sampling shortlist size",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus sampling cutoff",
				Value:       1.0,
				Destination: &topP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed (0 = model default)",
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "trace",
				Usage:       "trace each decode step to stderr",
				Destination: &traceGen,
			},
			&cli.StringFlag{
				Name:        "trace-file",
				Usage:       "append decode traces to a file instead of stderr",
				Destination: &traceFile,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &maxLength, &doSample, &temp, &topK, &topP, &seed)
			log := buildLogger()

			if modelDir == "" {
				return fmt.Errorf("run: --model is required")
			}
			promptArgs := cmd.StringSlice("prompt")
			if len(promptArgs) == 0 {
				return fmt.Errorf("run: at least one --prompt is required")
			}
			prompts := make([][]int32, len(promptArgs))
			for i, arg := range promptArgs {
				row, err := parsePrompt(arg)
				if err != nil {
					return err
				}
				prompts[i] = row
			}

			if traceGen || traceFile != "" {
				err := trace.SetOptions(trace.Options{
					Enabled:           true,
					GenerateNextToken: true,
					Filename:          traceFile,
				})
				if err != nil {
					return err
				}
				defer trace.Reset()
			}

			m, err := model.Load(modelDir)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			log.Info("model loaded", "dir", modelDir, "device", m.DeviceType(), "architecture", m.Description().Architecture)

			reg := adapter.NewRegistry()
			defer func() { _ = reg.Close() }()

			params := engine.NewParams(m)
			params.BatchSize = len(prompts)
			if maxLength > 0 {
				params.MaxLength = int(maxLength)
			}
			params.DoSample = doSample
			params.Temperature = float32(temp)
			params.TopK = int(topK)
			params.TopP = float32(topP)
			if seed != 0 {
				params.Seed = seed
			}

			g, err := engine.NewGenerator(m, params)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			for _, spec := range cmd.StringSlice("adapter") {
				name, path, err := parseAdapterSpec(spec)
				if err != nil {
					return err
				}
				if err := reg.Load(path, name); err != nil {
					return err
				}
				if err := g.SetActiveAdapter(reg, name); err != nil {
					return err
				}
				log.Info("adapter active", "name", name, "path", path)
			}

			if err := g.AppendTokens(prompts); err != nil {
				return err
			}

			shortest := len(prompts[0])
			for _, row := range prompts[1:] {
				if len(row) < shortest {
					shortest = len(row)
				}
			}
			bar := progressbar.NewOptions(params.MaxLength-shortest,
				progressbar.OptionSetDescription("generating"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)

			start := time.Now()
			steps := 0
			for !g.IsDone() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := g.Step(); err != nil {
					return err
				}
				steps++
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			generated := 0
			for row := range prompts {
				seq, err := g.Sequence(row)
				if err != nil {
					return err
				}
				generated += len(seq) - len(prompts[row])
				fmt.Printf("row %d: %v\n", row, seq)
			}
			log.Info("generation complete",
				"steps", steps,
				"generated", generated,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
