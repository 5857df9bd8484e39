package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/config"
	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/pid"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/recorder"
	"codeberg.org/mutker/gaitmon/internal/sink"
	"codeberg.org/mutker/gaitmon/internal/stream"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.SetLogLevel(cfg.Level())
	logger.Debug().Str("command", string(cfg.Command)).Msg("Config loaded")

	client, err := backend.New(cfg.BackendClient())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backend client")
	}

	p, err := poller.New(client, cfg.Poller())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize poller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	switch cfg.Command {
	case config.CommandExport:
		err = runExport(ctx, cfg, p, os.Stdout)
	case config.CommandHistory:
		err = runHistory(ctx, cfg, client, os.Stdout)
	default:
		err = run(ctx, cfg, p)
	}

	if err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.ErrorWithCode(coded).Msg("gaitmon failed")
		} else {
			logger.Error().Err(err).Msg("gaitmon failed")
		}
		os.Exit(1)
	}
}

// run collects until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, p *poller.Poller) error {
	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Error().Err(err).Msg("failed to remove pid file")
		}
	}()

	rec, err := recorder.New(cfg.RecorderSettings(), logger.Default().With("recorder"))
	if err != nil {
		return err
	}

	p.RegisterSink(sink.NewLogSink(logger.Default(), sink.DefaultLogEvery))
	p.RegisterSink(rec)

	var srv *stream.Server
	if cfg.Stream.Listen != "" {
		hub := stream.NewHub(cfg.Stream.QueueSize, logger.Default())
		p.RegisterSink(hub)

		srv = stream.NewServer(hub, p, logger.Default())
		if err := srv.Start(cfg.Stream.Listen); err != nil {
			rec.Close()
			return err
		}
	}

	startErr := p.Start(ctx)
	if startErr == nil {
		logger.Info().
			Str("backend", cfg.Backend.URL).
			Dur("interval", cfg.Poll.Interval).
			Int("capacity", p.Capacity()).
			Msg("Collecting")
		<-ctx.Done()
	}

	cleanup(p, rec, srv)

	return startErr
}

func cleanup(p *poller.Poller, rec recorder.Recorder, srv *stream.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to stop collection")
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to stop stream server")
		}
	}
	if err := rec.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close recorder")
	}

	logger.Info().Msg("Exiting...")
}

func runExport(ctx context.Context, cfg *config.Config, p *poller.Poller, out io.Writer) error {
	req, err := cfg.ExportRequest()
	if err != nil {
		return err
	}

	fileURL, err := p.ExportHistory(ctx, req)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, fileURL)
	return err
}

func runHistory(ctx context.Context, cfg *config.Config, client *backend.Client, out io.Writer) error {
	report, err := client.History(ctx, cfg.Export.StartDate, cfg.Export.EndDate)
	if err != nil {
		return err
	}

	return printHistory(out, report)
}

func printHistory(out io.Writer, report backend.HistoryReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "Sessions:\t%d\n", report.Stats.TotalSessions)
	fmt.Fprintf(w, "Total duration:\t%s\n", report.Stats.TotalDuration)
	fmt.Fprintf(w, "Average score:\t%.1f\n", report.Stats.AvgScore)
	fmt.Fprintf(w, "Average cadence:\t%.1f\n", report.Stats.AvgCadence)

	if len(report.Sessions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DATE\tDURATION\tSTEPS\tCADENCE\tSCORE")
		for _, s := range report.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f\n", s.Date, s.Duration, s.Steps, s.AvgCadence, s.PostureScore)
		}
	}

	return w.Flush()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
