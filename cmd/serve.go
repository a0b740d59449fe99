package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/config"
	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/engine"
	"github.com/kozaktomas/attendance/internal/faceapi"
	"github.com/kozaktomas/attendance/internal/notify"
	"github.com/kozaktomas/attendance/internal/session"
	"github.com/kozaktomas/attendance/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition engine and its HTTP API",
	Long: `Start the frame pipeline and the HTTP API used by the lecturer UI.
Frames are posted to /api/v1/frames, the newest recognition result is polled
from /api/v1/result and sessions are started and ended via /api/v1/session.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for a graceful shutdown")
}

// buildNotifier assembles the configured notifiers behind a dispatcher. It
// returns nil when no notifier is configured.
func buildNotifier(cfg *config.NotifyConfig, reg prometheus.Registerer, logger *zap.Logger) (*notify.Dispatcher, func(), error) {
	var (
		targets notify.Multi
		closers []func()
	)

	if cfg.NATSURL != "" {
		nn, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, nn)
		closers = append(closers, func() {
			if err := nn.Close(); err != nil {
				logger.Warn("failed to drain NATS connection", zap.Error(err))
			}
		})
	}

	if cfg.SMTPEnabled() {
		contacts := notify.Contacts{}
		if cfg.ContactsFile != "" {
			var err error
			if contacts, err = notify.LoadContacts(cfg.ContactsFile); err != nil {
				for _, c := range closers {
					c()
				}
				return nil, nil, err
			}
		}
		targets = append(targets, notify.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, contacts))
		logger.Info("attendance e-mails enabled", zap.String("smtp_host", cfg.SMTPHost), zap.Int("contacts", len(contacts)))
	}

	if len(targets) == 0 {
		return nil, func() {}, nil
	}

	d := notify.NewDispatcher(targets, cfg.QueueSize, cfg.RatePerSecond, notify.NewMetrics(reg), logger)
	closeAll := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			logger.Warn("notifications still pending at shutdown", zap.Error(err))
		}
		for _, c := range closers {
			c()
		}
	}
	return d, closeAll, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher, closeNotifier, err := buildNotifier(&cfg.Notify, reg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	client := faceapi.NewClient(cfg.FaceAPI.URL, cfg.FaceAPI.Timeout, faceapi.WithMinScore(constants.MinDetectionScore))

	opts := []engine.Option{engine.WithLogger(logger), engine.WithRegisterer(reg)}
	if dispatcher != nil {
		opts = append(opts, engine.WithNotifier(dispatcher))
	}
	eng := engine.New(cfg.Engine, store, client, client, opts...)

	server := web.NewServer(cfg.Web, eng, reg, logger)
	eng.AddMarkListener(server.Broadcaster().Mark)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Printf("Attendance engine listening on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		if err != nil {
			_ = eng.Stop()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), mustGetDuration(cmd, "shutdown-timeout"))
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error during web shutdown", zap.Error(err))
	}
	if err := eng.Stop(); err != nil {
		logger.Warn("pipeline did not stop cleanly", zap.Error(err))
	}
	// an active session is ended so buffered marks and absentees are persisted
	if sess := eng.Session(); sess != nil && sess.State() == session.Active {
		sum, err := eng.EndSession(shutdownCtx)
		if err != nil && !errors.Is(err, engine.ErrNoSession) {
			logger.Warn("session ended with errors at shutdown", zap.Error(err))
		}
		fmt.Printf("Session %s ended: %d present, %d absent\n", sum.SessionID, sum.Present, sum.Absent)
	}
	// last attempt at writes owed by sessions that ended during an outage
	if n, err := eng.FlushPending(shutdownCtx); err != nil {
		logger.Error("attendance records could not be written before shutdown",
			zap.Int("pending", n), zap.Strings("sessions", eng.PendingSessions()), zap.Error(err))
		fmt.Printf("Warning: %d attendance records were not saved\n", n)
	}
	return nil
}
