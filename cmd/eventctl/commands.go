package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	domainevent "github.com/glimte/domainevent-go"
	"github.com/glimte/domainevent-go/config"
	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/health"
	"github.com/glimte/domainevent-go/messaging"
)

// PingEvent is the event every command sends and expects
type PingEvent struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// EventTypeName keeps the wire name stable across builds of the CLI
func (PingEvent) EventTypeName() string {
	return "domainevent.ctl.PingEvent"
}

type options struct {
	configPath string
	verbose    bool
	flags      config.Settings
	durable    bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "eventctl",
		Short: "Send and receive ping domain events",
		Long: `eventctl publishes ping events to a broker address and receives them back.
Settings come from --config (YAML or JSON), DOMAINEVENT_* environment variables
and flags, in increasing order of precedence.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Settings file")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&opts.flags.Protocol, "protocol", "", "amqp, amqps, redis, rediss or memory")
	pf.StringVarP(&opts.flags.Namespace, "namespace", "n", "", "Broker host[:port]")
	pf.StringVarP(&opts.flags.Address, "address", "a", "", "Queue address")
	pf.StringVar(&opts.flags.AppName, "app", "", "Application name stamped on sent events")
	pf.StringVar(&opts.flags.Policy, "policy", "", "Authorization policy (user name)")
	pf.StringVar(&opts.flags.Key, "key", "", "Credential secret")
	pf.BoolVar(&opts.durable, "durable", false, "Request durable delivery")

	rootCmd.AddCommand(
		newSendCommand(opts),
		newScheduleCommand(opts),
		newReceiveCommand(opts),
		newRoundTripCommand(opts),
	)
	return rootCmd
}

// settings loads the file and environment, then applies the flags that were set
func (o *options) settings(cmd *cobra.Command) (contracts.PublisherSettings, contracts.ReceiverSettings, error) {
	cfg, err := config.Load(o.configPath, config.WithLogger(o.logger(cmd)))
	if err != nil {
		return contracts.PublisherSettings{}, contracts.ReceiverSettings{}, err
	}

	apply := func(s *contracts.ServiceBusSettings) {
		flags := cmd.Flags()
		if flags.Changed("protocol") {
			s.Protocol = o.flags.Protocol
		}
		if flags.Changed("namespace") {
			s.Namespace = o.flags.Namespace
		}
		if flags.Changed("address") {
			s.Address = o.flags.Address
		}
		if flags.Changed("app") {
			s.AppName = o.flags.AppName
		}
		if flags.Changed("policy") {
			s.PolicyName = o.flags.Policy
		}
		if flags.Changed("key") {
			s.Key = o.flags.Key
		}
		if flags.Changed("durable") {
			s.Durable = 0
			if o.durable {
				s.Durable = 1
			}
		}
	}
	apply(&cfg.Publisher.ServiceBusSettings)
	apply(&cfg.Receiver.ServiceBusSettings)
	return cfg.Publisher, cfg.Receiver, nil
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newSendCommand(opts *options) *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a ping event for immediate delivery",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, correlationID, 0, args)
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id (default: random)")
	return cmd
}

func newScheduleCommand(opts *options) *cobra.Command {
	var (
		correlationID string
		delay         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule [text]",
		Short: "Schedule a ping event for delayed delivery",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, correlationID, delay, args)
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id (default: random)")
	cmd.Flags().DurationVar(&delay, "in", 10*time.Second, "Delay before the event becomes visible")
	return cmd
}

func publish(cmd *cobra.Command, opts *options, correlationID string, delay time.Duration, args []string) error {
	pubSettings, _, err := opts.settings(cmd)
	if err != nil {
		return err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	client := domainevent.NewClient(domainevent.WithLogger(opts.logger(cmd)))
	defer client.Close()

	event := newPing(args)
	pub := client.NewPublisher(pubSettings)
	if delay > 0 {
		err = pub.Schedule(cmd.Context(), event, correlationID, event.SentAt.Add(delay))
	} else {
		err = pub.Send(cmd.Context(), event, correlationID)
	}
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s (correlation id %s)\n", event.ID, pubSettings.Address, correlationID)
	return nil
}

func newPing(args []string) PingEvent {
	text := "ping"
	if len(args) > 0 {
		text = args[0]
	}
	return PingEvent{ID: uuid.NewString(), Text: text, SentAt: time.Now().UTC()}
}

func newReceiveCommand(opts *options) *cobra.Command {
	var (
		count       int
		timeout     time.Duration
		listenAddr  string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive ping events and print them",
		Long: `Receive ping events until --count events arrived, --timeout elapsed or the
process is interrupted. With --listen, health and Prometheus endpoints are
served while receiving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, recvSettings, err := opts.settings(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			promRegistry := prometheus.NewRegistry()
			metrics := messaging.NewPrometheusMetrics(promRegistry)
			if err := metrics.Register(); err != nil {
				return err
			}

			logger := opts.logger(cmd)
			client := domainevent.NewClient(domainevent.WithLogger(logger), domainevent.WithMetrics(metrics))
			defer client.Close()

			out := cmd.OutOrStdout()
			got := make(chan struct{}, 1)
			registry := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(logger))
			err = messaging.RegisterHandler(registry, messaging.HandlerFunc[PingEvent](
				func(_ context.Context, event PingEvent, correlationID string) error {
					printPing(out, event, correlationID)
					select {
					case got <- struct{}{}:
					default:
					}
					return nil
				},
			))
			if err != nil {
				return err
			}

			closed := make(chan messaging.ClosedEvent, 1)
			receiver := client.NewReceiver(recvSettings, registry,
				messaging.WithMaxConcurrentDispatch(concurrency),
				messaging.WithClosedCallback(func(evt messaging.ClosedEvent) { closed <- evt }),
				messaging.WithUnroutableCallback(func(m messaging.UnroutableMessage) {
					fmt.Fprintf(out, "unroutable %s: %v\n", m.Envelope.TypeName, m.Err)
				}),
			)
			if err := receiver.Receive(ctx, nil); err != nil {
				return fmt.Errorf("receive failed: %w", err)
			}

			if listenAddr != "" {
				healthRegistry := health.NewRegistry()
				healthRegistry.SetMetadata("version", version)
				client.RegisterHealthChecks(healthRegistry)
				srv := serveOps(listenAddr, healthRegistry, promRegistry, logger)
				defer srv.Close()
			}

			fmt.Fprintf(out, "receiving from %s\n", recvSettings.Address)
			for n := 0; count <= 0 || n < count; {
				select {
				case <-got:
					n++
				case evt := <-closed:
					if evt.Err != nil {
						return evt.Err
					}
					return nil
				case <-ctx.Done():
					if errors.Is(ctx.Err(), context.DeadlineExceeded) && count > 0 {
						return fmt.Errorf("received %d of %d events before timeout", n, count)
					}
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events (0: run until interrupted)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this long (0: no limit)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Serve /health, /ready, /live and /metrics on this address")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum events dispatched at once")
	return cmd
}

func newOpsRouter(healthRegistry *health.Registry, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Method(http.MethodGet, "/health", health.NewHandler(healthRegistry, 5*time.Second))
	r.Method(http.MethodGet, "/ready", health.ReadinessHandler(healthRegistry))
	r.Method(http.MethodGet, "/live", health.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func serveOps(addr string, healthRegistry *health.Registry, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(healthRegistry, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func newRoundTripCommand(opts *options) *cobra.Command {
	var (
		delay   time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "Send a ping event and wait until it is received",
		Long: `Start a receiver on the receiver address, send (or with --delay schedule) one
ping event to the publisher address and report the end-to-end latency. Both
sections usually name the same address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pubSettings, recvSettings, err := opts.settings(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			ctx, cancel = context.WithTimeout(ctx, timeout+delay)
			defer cancel()

			client := domainevent.NewClient(domainevent.WithLogger(opts.logger(cmd)))
			defer client.Close()

			event := newPing(nil)
			correlationID := uuid.NewString()
			arrived := make(chan time.Time, 1)

			registry := messaging.NewHandlerRegistry()
			err = messaging.RegisterHandler(registry, messaging.HandlerFunc[PingEvent](
				func(_ context.Context, got PingEvent, cid string) error {
					if got.ID == event.ID && cid == correlationID {
						select {
						case arrived <- time.Now():
						default:
						}
					}
					return nil
				},
			))
			if err != nil {
				return err
			}

			receiver := client.NewReceiver(recvSettings, registry)
			if err := receiver.Receive(ctx, nil); err != nil {
				return fmt.Errorf("receive failed: %w", err)
			}

			pub := client.NewPublisher(pubSettings)
			start := time.Now()
			if delay > 0 {
				err = pub.Schedule(ctx, event, correlationID, start.Add(delay))
			} else {
				err = pub.Send(ctx, event, correlationID)
			}
			if err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}

			select {
			case at := <-arrived:
				fmt.Fprintf(cmd.OutOrStdout(), "round trip %s in %s\n", event.ID, at.Sub(start).Round(time.Millisecond))
				return nil
			case <-receiver.Done():
				return fmt.Errorf("receiver closed: %w", receiver.Error())
			case <-ctx.Done():
				return fmt.Errorf("ping %s not received: %w", event.ID, ctx.Err())
			}
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "Schedule the ping this far in the future")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the ping")
	return cmd
}

func printPing(w io.Writer, event PingEvent, correlationID string) {
	fmt.Fprintf(w, "Ping %s:\n", event.ID)
	fmt.Fprintf(w, "  Text: %s\n", event.Text)
	fmt.Fprintf(w, "  Correlation ID: %s\n", correlationID)
	fmt.Fprintf(w, "  Sent At: %s\n", event.SentAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Latency: %s\n", time.Since(event.SentAt).Round(time.Millisecond))
}
