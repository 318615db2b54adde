package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/winbatch/internal/coordinator"
	"github.com/andrej220/winbatch/internal/events"
	"github.com/andrej220/winbatch/internal/metrics"
	"github.com/andrej220/winbatch/internal/report"
	"github.com/andrej220/winbatch/internal/serverutil"
	"github.com/andrej220/winbatch/internal/session"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/config"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/transport"
	"github.com/andrej220/winbatch/pkg/transport/localchan"
	"github.com/andrej220/winbatch/pkg/transport/sshchan"
)

// plan is the YAML task file: an ordered task list per host.
type plan struct {
	Hosts []hostPlan `yaml:"hosts"`
}

type hostPlan struct {
	Host        string       `yaml:"host"`
	Credentials              `yaml:",inline"`
	Tasks       []batch.Task `yaml:"tasks"`
}

type Credentials struct {
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

func newRunCmd() *cobra.Command {
	var configPath string
	var tasksPath string
	var local bool
	var debug bool
	var logFormat string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a task plan against its hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			p, err := loadPlan(tasksPath)
			if err != nil {
				return err
			}

			log := lg.New(lg.Config{ServiceName: "winbatchd", Debug: debug, Format: logFormat})
			defer log.Sync()

			return run(ctx, cfg, p, local, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config YAML")
	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "", "path to task plan YAML (required)")
	cmd.Flags().BoolVar(&local, "local", false, "execute plans on the local machine instead of over SSH")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "json or console")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task plan: %w", err)
	}
	var p plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse task plan: %w", err)
	}
	if len(p.Hosts) == 0 {
		return nil, fmt.Errorf("task plan has no hosts")
	}
	return &p, nil
}

func run(ctx context.Context, cfg *config.Config, p *plan, local bool, log lg.Logger) error {
	collector := metrics.NewCollector(nil)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		serverutil.Serve(ctx, serverutil.DefaultConfig(cfg.MetricsAddr), mux, log)
	}

	var dialer transport.Dialer
	if local {
		dialer = &localchan.Dialer{Root: os.TempDir()}
	} else {
		dialer = &sshchan.Dialer{ConnectTimeout: cfg.ConnectTimeout.Std()}
	}

	registry := session.NewRegistry(dialer, session.Config{
		ProbeTimeout: cfg.ProbeTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
		AgentPath:    cfg.AgentPath,
	}, log)
	defer registry.Close()

	var sink coordinator.Sink
	if cfg.Kafka.Enabled {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer publisher.Close()
		sink = publisher
	}

	var store *report.MongoStore
	if cfg.Mongo.Enabled {
		s, err := report.NewMongoStore(cfg.Mongo.URI, cfg.Mongo.DBName, cfg.Mongo.Collection)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())
		store = s
	}

	coord := coordinator.New(registry, coordinator.Config{
		BatchSize:          cfg.BatchSize,
		StatusInterval:     cfg.StatusInterval.Std(),
		ExecutionTimeout:   cfg.ExecutionTimeout.Std(),
		PerTaskTimeout:     cfg.PerTaskTimeout.Std(),
		MaxRetries:         cfg.MaxRetries,
		OutputCapBytes:     cfg.OutputCapBytes,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		StopOnFirstFailure: cfg.StopOnFirstFailure,
	}, log, collector, sink)

	runID := uuid.NewString()
	log.Info("run starting", lg.String("run_id", runID), lg.Int("hosts", len(p.Hosts)), lg.Int("forks", cfg.Forks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Forks)
	for _, hp := range p.Hosts {
		hp := hp
		g.Go(func() error {
			started := time.Now()
			creds := transport.Credentials{
				User:           hp.User,
				Password:       hp.Password,
				PrivateKeyPath: hp.PrivateKeyPath,
			}
			results, err := coord.Run(gctx, hp.Host, creds, hp.Tasks)
			if err != nil {
				log.Error("host run failed", lg.String("host", hp.Host), lg.Err(err))
			}

			rep := &report.RunReport{
				RunID:      runID + "-" + sanitize(hp.Host),
				Host:       hp.Host,
				StartedAt:  started,
				FinishedAt: time.Now(),
				Results:    results,
			}
			persist(gctx, cfg, store, rep, log)
			for status, n := range rep.Summary() {
				log.Info("host run finished",
					lg.String("host", hp.Host),
					lg.String("status", string(status)),
					lg.Int("tasks", n))
			}
			// Host-level failures are reported per task; one bad
			// host must not cancel the others.
			return nil
		})
	}
	return g.Wait()
}

func persist(ctx context.Context, cfg *config.Config, store *report.MongoStore, rep *report.RunReport, log lg.Logger) {
	if cfg.ReportDir != "" {
		filename := filepath.Join(cfg.ReportDir, rep.RunID+".json")
		if err := report.WriteJSON(rep, filename); err != nil {
			log.Error("report write failed", lg.String("host", rep.Host), lg.Err(err))
		}
	}
	if store != nil {
		if err := store.Save(ctx, rep); err != nil {
			log.Error("report save failed", lg.String("host", rep.Host), lg.Err(err))
		}
	}
}

func sanitize(host string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(host)
}
