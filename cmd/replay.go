package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/engine"
	"github.com/kozaktomas/attendance/internal/faceapi"
	"github.com/kozaktomas/attendance/internal/pipeline"
	"github.com/kozaktomas/attendance/internal/session"
)

var replayCmd = &cobra.Command{
	Use:   "replay <frames-dir>",
	Short: "Run an attendance session over recorded frames",
	Long: `Start a session, feed the image files of a directory (in name order) into
the frame pipeline at the given frame rate, then end the session and print
the attendance summary. Marks and absentees are written to the database
exactly as in a live session.

Examples:
  # Replay a recording at 5 frames per second
  attendance replay --class "Math 101" --roster-file math101.txt ./recording

  # Replay faster with a stricter mark threshold
  attendance replay --fps 15 --mark-threshold 0.9 --roster s1,s2,s3 ./recording`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringSlice("roster", nil, "Identity IDs expected in the class (default: all enrolled)")
	replayCmd.Flags().String("roster-file", "", "File with one identity ID per line")
	replayCmd.Flags().String("class", "", "Class name stored with the session")
	replayCmd.Flags().String("lecturer", "", "Lecturer stored with the session")
	replayCmd.Flags().String("session-id", "", "Session ID (default: generated)")
	replayCmd.Flags().Float64("fps", 5, "Frames submitted per second")
	replayCmd.Flags().Float64("mark-threshold", 0, "Mark threshold for this session (overrides MARK_THRESHOLD)")
	replayCmd.Flags().Duration("drain-timeout", 30*time.Second, "Time allowed for queued frames to finish")
	replayCmd.Flags().Bool("notify", false, "Send mark notifications through the configured notifiers")
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		frames = append(frames, filepath.Join(dir, e.Name()))
	}
	sort.Strings(frames)
	return frames, nil
}

// waitDrained blocks until every queued frame has been processed.
func waitDrained(ctx context.Context, p *pipeline.Pipeline, queued uint64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Stats().Processed >= queued {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	fps := mustGetFloat64(cmd, "fps")
	if fps <= 0 {
		return errors.New("--fps must be positive")
	}
	frames, err := listFrames(args[0])
	if err != nil {
		return fmt.Errorf("failed to read frames: %w", err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("no image files in %s", args[0])
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	roster, err := resolveRoster(ctx, store, mustGetStringSlice(cmd, "roster"), mustGetString(cmd, "roster-file"))
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if mustGetBool(cmd, "notify") {
		dispatcher, closeNotifier, err := buildNotifier(&cfg.Notify, nil, logger)
		if err != nil {
			return err
		}
		defer closeNotifier()
		if dispatcher != nil {
			opts = append(opts, engine.WithNotifier(dispatcher))
		}
	}

	client := faceapi.NewClient(cfg.FaceAPI.URL, cfg.FaceAPI.Timeout, faceapi.WithMinScore(constants.MinDetectionScore))
	eng := engine.New(cfg.Engine, store, client, client, opts...)
	eng.AddMarkListener(func(ev session.MarkEvent) {
		logger.Info("marked present",
			zap.String("identity_id", ev.IdentityID),
			zap.Float64("confidence", ev.Confidence),
			zap.Time("at", ev.MarkedAt))
	})

	req := engine.SessionRequest{
		ID:        mustGetString(cmd, "session-id"),
		ClassName: mustGetString(cmd, "class"),
		Lecturer:  mustGetString(cmd, "lecturer"),
		Roster:    roster,
	}
	if cmd.Flags().Changed("mark-threshold") {
		t := mustGetFloat64(cmd, "mark-threshold")
		req.MarkThreshold = &t
	}
	sess, err := eng.StartSession(ctx, req)
	if err != nil && !errors.Is(err, session.ErrInvalidRoster) {
		return err
	}
	fmt.Printf("Session %s started with %d roster identities\n", sess.ID(), len(sess.Roster()))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	bar := progressbar.NewOptions(len(frames),
		progressbar.OptionSetDescription("Replaying frames"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	interval := time.Duration(float64(time.Second) / fps)
	base := time.Now()
	var (
		queued, skipped uint64
		submitErr       error
	)

replay:
	for i, path := range frames {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		data, err := readImage(path)
		if err != nil {
			logger.Warn("skipping frame", zap.String("path", path), zap.Error(err))
			skipped++
			_ = bar.Add(1)
			continue
		}
		frame := pipeline.Frame{Data: data, CapturedAt: base.Add(time.Duration(i) * interval)}
		// a full queue is retried so a recording is never silently thinned
		for {
			ok, err := eng.Submit(frame)
			if err != nil {
				submitErr = err
				break replay
			}
			if ok {
				queued++
				break
			}
			select {
			case <-ctx.Done():
				break replay
			case <-time.After(cfg.Engine.DequeueTimeout):
			}
		}
		_ = bar.Add(1)
	}
	fmt.Println()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), mustGetDuration(cmd, "drain-timeout"))
	defer drainCancel()
	if err := waitDrained(drainCtx, eng.Pipeline(), queued); err != nil {
		logger.Warn("frames still queued when the replay ended", zap.Error(err))
	}
	if err := eng.Stop(); err != nil {
		logger.Warn("pipeline did not stop cleanly", zap.Error(err))
	}

	sum, endErr := eng.EndSession(drainCtx)
	if errors.Is(endErr, session.ErrFlushIncomplete) {
		// one more attempt before the process exits with writes owed
		left, err := eng.FlushPending(drainCtx)
		sum.Pending = left
		if err == nil {
			endErr = nil
		} else {
			logger.Error("attendance records not written", zap.Int("pending", left), zap.Error(err))
		}
	}
	printSummary(sum)
	if skipped > 0 {
		fmt.Printf("Skipped %d unreadable frames\n", skipped)
	}
	return errors.Join(submitErr, endErr)
}

func printSummary(sum session.Summary) {
	fmt.Printf("\nSession %s", sum.SessionID)
	if sum.ClassName != "" {
		fmt.Printf(" (%s)", sum.ClassName)
	}
	fmt.Printf(": %d/%d present (%.0f%%), %d absent\n", sum.Present, sum.RosterSize, sum.Rate*100, sum.Absent)
	for _, m := range sum.Marks {
		fmt.Printf("  present  %-20s %s  %.3f\n", m.IdentityID, m.MarkedAt.Local().Format(time.TimeOnly), m.Confidence)
	}
	for _, id := range sum.AbsentIDs {
		fmt.Printf("  absent   %s\n", id)
	}
	if sum.Pending > 0 {
		fmt.Printf("  %d records were not written to the database\n", sum.Pending)
	}
}
