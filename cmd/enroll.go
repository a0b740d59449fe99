package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/enroll"
	"github.com/kozaktomas/attendance/internal/faceapi"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [image...]",
	Short: "Store reference face embeddings for identities",
	Long: `Detect the single face in each reference photo, extract its embedding and
store it for the identity. Photos with no face or with several faces are
skipped. A warning is printed when a new face is already very similar to a
different identity.

Examples:
  # Enroll three photos of one student
  attendance enroll --identity s123 a.jpg b.jpg c.jpg

  # Enroll a directory with one sub-directory per identity
  attendance enroll --dir ./students`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("identity", "", "Identity the given images belong to")
	enrollCmd.Flags().String("dir", "", "Directory containing one sub-directory of images per identity")
	enrollCmd.Flags().Int("concurrency", constants.EnrollWorkers, "Number of parallel workers")
	enrollCmd.Flags().Float64("collision-threshold", 0, "Similarity that triggers a collision warning (overrides ENROLL_COLLISION_THRESHOLD)")
}

type enrollJob struct {
	identity string
	path     string
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true}

// collectEnrollJobs lists the images of every identity sub-directory of dir.
func collectEnrollJobs(dir string) ([]enrollJob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var jobs []enrollJob
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			jobs = append(jobs, enrollJob{identity: e.Name(), path: filepath.Join(dir, e.Name(), f.Name())})
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].path < jobs[j].path })
	return jobs, nil
}

func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, constants.MaxEnrollImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > constants.MaxEnrollImageBytes {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, constants.MaxEnrollImageBytes)
	}
	return data, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	identity := mustGetString(cmd, "identity")
	dir := mustGetString(cmd, "dir")
	concurrency := mustGetInt(cmd, "concurrency")

	var jobs []enrollJob
	switch {
	case dir != "" && (identity != "" || len(args) > 0):
		return errors.New("--dir cannot be combined with --identity or image arguments")
	case dir != "":
		var err error
		if jobs, err = collectEnrollJobs(dir); err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
	case identity != "" && len(args) > 0:
		for _, a := range args {
			jobs = append(jobs, enrollJob{identity: identity, path: a})
		}
	default:
		return errors.New("either --dir or --identity with at least one image is required")
	}
	if len(jobs) == 0 {
		fmt.Println("No images to enroll")
		return nil
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	threshold := cfg.Engine.CollisionThreshold
	if t := mustGetFloat64(cmd, "collision-threshold"); t > 0 {
		threshold = t
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	client := faceapi.NewClient(cfg.FaceAPI.URL, cfg.FaceAPI.Timeout, faceapi.WithMinScore(constants.MinDetectionScore))
	enroller := enroll.New(client, client, store, cfg.Engine.CropSize, threshold, faceapi.ModelName, logger)

	indexed, err := enroller.LoadIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing embeddings: %w", err)
	}
	fmt.Printf("Indexed %d existing embeddings\n", indexed)

	bar := progressbar.NewOptions(len(jobs),
		progressbar.OptionSetDescription("Enrolling faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var (
		mu         sync.Mutex
		enrolled   int
		failures   []string
		collisions []enroll.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			defer func() { _ = bar.Add(1) }()

			data, err := readImage(job.path)
			if err == nil {
				var res enroll.Result
				res, err = enroller.Enroll(gctx, job.identity, job.path, data)
				if err == nil {
					mu.Lock()
					enrolled++
					if len(res.Collisions) > 0 {
						collisions = append(collisions, res)
					}
					mu.Unlock()
					return nil
				}
			}
			logger.Debug("image not enrolled", zap.String("path", job.path), zap.Error(err))
			mu.Lock()
			failures = append(failures, fmt.Sprintf("%s: %v", job.path, err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	fmt.Println()

	sort.Strings(failures)
	for _, f := range failures {
		fmt.Printf("  skipped %s\n", f)
	}
	for _, c := range collisions {
		for _, n := range c.Collisions {
			fmt.Printf("  warning: %s (%s) is %.3f similar to %s\n", c.IdentityID, c.Source, n.Similarity, n.IdentityID)
		}
	}

	total, _ := store.CountIdentityEmbeddings(ctx)
	fmt.Printf("\nCompleted: %d enrolled, %d skipped\n", enrolled, len(failures))
	fmt.Printf("Total embeddings in database: %d\n", total)
	return nil
}
