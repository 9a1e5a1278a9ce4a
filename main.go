package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/seqbft/app"
	"github.com/gitzhang10/seqbft/config"
	"github.com/gitzhang10/seqbft/consensus"
	"github.com/gitzhang10/seqbft/storage"
	"github.com/gitzhang10/seqbft/stream"
)

func main() {
	var configName, configDir, envPrefix string
	cmd := &cobra.Command{
		Use:          "seqbft",
		Short:        "Run a sequencer consensus node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.LoadConfig(envPrefix, configName, configDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, conf)
		},
	}
	cmd.Flags().StringVar(&configName, "config", "config", "configuration file name without extension")
	cmd.Flags().StringVar(&configDir, "config-dir", "./", "directory holding the configuration file")
	cmd.Flags().StringVar(&envPrefix, "env-prefix", "", "prefix of environment variables overriding the file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func timeoutConfig(t config.Timeouts) consensus.TimeoutConfig {
	return consensus.TimeoutConfig{
		Propose:        t.Propose,
		ProposeDelta:   t.ProposeDelta,
		Prevote:        t.Prevote,
		PrevoteDelta:   t.PrevoteDelta,
		Precommit:      t.Precommit,
		PrecommitDelta: t.PrecommitDelta,
		Max:            t.Max,
	}
}

func run(ctx context.Context, conf *config.Config) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	mode, err := consensus.ParseMode(conf.Mode)
	if err != nil {
		return err
	}

	store, err := storage.OpenLevelDB(filepath.Join(conf.DataDir, conf.Name), logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := consensus.NewMetrics("seqbft", reg)
	if err != nil {
		return err
	}

	node := app.NewNode(conf, logger.Named("node"))
	trans, err := node.StartP2PListen()
	if err != nil {
		return err
	}
	defer trans.Close()
	// wait for each node to start
	if err := node.EstablishP2PConns(trans, conf.PeerWait); err != nil {
		return fmt.Errorf("connect peers: %w", err)
	}

	streams, err := stream.NewHandler(stream.Config{
		MaxStreams:         conf.Stream.MaxStreams,
		MaxChunksPerStream: conf.Stream.MaxChunksPerStream,
		MaxStreamBytes:     conf.Stream.MaxStreamBytes,
		MaxFutureHeights:   conf.Stream.MaxFutureHeights,
	}, logger.Named("stream"))
	if err != nil {
		return err
	}
	proposals := make(chan stream.Content, 64)

	var certifier consensus.Certifier
	if conf.TsPublicKey != nil && conf.TsThreshold > 0 {
		certifier = consensus.NewThresholdCertifier(conf.TsPublicKey, conf.TsThreshold, len(conf.Weights))
	}
	manager, err := consensus.NewManager(consensus.ManagerConfig{
		Self:               consensus.ValidatorID(conf.Name),
		Mode:               mode,
		Context:            node,
		Store:              store,
		Signer:             consensus.NewKeySigner(conf.PrivateKey, conf.TsPrivateKey),
		Verifier:           consensus.NewKeyVerifier(node.PublicKeys(), conf.TsPublicKey),
		Certifier:          certifier,
		Timeouts:           timeoutConfig(conf.Timeouts),
		Votes:              node.Votes(),
		Proposals:          proposals,
		Streams:            streams,
		MaxFutureRounds:    consensus.Round(conf.MaxFutureRounds),
		FutureHeightLimit:  consensus.Height(conf.FutureHeightLimit),
		FutureMessageLimit: conf.FutureMessageLimit,
		Logger:             logger.Named("consensus"),
		Metrics:            metrics,
	})
	if err != nil {
		return err
	}

	start, err := startHeight(conf, store)
	if err != nil {
		return err
	}
	began := time.Now()
	logger.Info("node starts consensus", "height", start, "mode", mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.HandleMsgLoop(gctx) })
	g.Go(func() error { return streams.Run(gctx, node.Chunks(), proposals) })
	g.Go(func() error { return manager.Run(gctx, start) })
	if conf.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	err = g.Wait()
	node.Report(began)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startHeight resumes at the last voted height, which then runs as observer,
// unless the configuration names a height.
func startHeight(conf *config.Config, store consensus.VotedHeightStore) (consensus.Height, error) {
	if conf.StartHeight > 0 {
		return consensus.Height(conf.StartHeight), nil
	}
	last, ok, err := store.LastVotedHeight()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return last, nil
}
