package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/enroll"
	"github.com/kozaktomas/attendance/internal/faceapi"
	"github.com/kozaktomas/attendance/internal/facematch"
)

var matchCmd = &cobra.Command{
	Use:   "match <image>...",
	Short: "Identify the faces in still images",
	Long: `Detect every face in the given images and match it against the enrolled
embeddings of a roster, the same way the live pipeline does for one frame.
No session is started and nothing is marked.

Examples:
  # Match against every enrolled identity
  attendance match group.jpg

  # Match against a class roster and show the three best candidates
  attendance match --roster-file math101.txt --top 3 group.jpg

  # Also rank identities with the database vector index
  attendance match --db group.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().StringSlice("roster", nil, "Identity IDs to match against (default: all enrolled)")
	matchCmd.Flags().String("roster-file", "", "File with one identity ID per line")
	matchCmd.Flags().Float64("threshold", 0, "Match threshold (overrides MATCH_THRESHOLD)")
	matchCmd.Flags().Int("top", 3, "Number of ranked candidates to show per face")
	matchCmd.Flags().Bool("db", false, "Also rank identities with the database nearest-neighbor search")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

// FaceMatch is the outcome for one face in an image.
type FaceMatch struct {
	Image      string                 `json:"image"`
	Box        facematch.Box          `json:"box"`
	IdentityID string                 `json:"identity_id"`
	Similarity float64                `json:"similarity"`
	Candidates []bank.Ranked          `json:"candidates,omitempty"`
	Nearest    []nearestIdentityEntry `json:"nearest,omitempty"`
}

type nearestIdentityEntry struct {
	IdentityID string  `json:"identity_id"`
	Similarity float64 `json:"similarity"`
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	threshold := cfg.Engine.MatchThreshold
	if cmd.Flags().Changed("threshold") {
		threshold = mustGetFloat64(cmd, "threshold")
	}
	top := mustGetInt(cmd, "top")
	useDB := mustGetBool(cmd, "db")
	jsonOutput := mustGetBool(cmd, "json")

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	roster, err := resolveRoster(ctx, store, mustGetStringSlice(cmd, "roster"), mustGetString(cmd, "roster-file"))
	if err != nil {
		return err
	}
	b, err := loadRosterBank(ctx, store, roster)
	if err != nil {
		return err
	}
	if b.Len() == 0 {
		return fmt.Errorf("no enrolled embeddings for %d roster identities", len(roster))
	}

	client := faceapi.NewClient(cfg.FaceAPI.URL, cfg.FaceAPI.Timeout, faceapi.WithMinScore(constants.MinDetectionScore))

	var results []FaceMatch
	for _, path := range args {
		data, err := readImage(path)
		if err != nil {
			return err
		}
		faces, err := enroll.EmbedFaces(ctx, client, client, data, cfg.Engine.CropSize)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, f := range faces {
			m := bank.Match(b, f.Vector, threshold)
			fm := FaceMatch{
				Image:      path,
				Box:        f.Box,
				IdentityID: m.IdentityID,
				Similarity: m.Similarity,
				Candidates: bank.TopK(b, f.Vector, top),
			}
			if useDB {
				nearest, err := store.NearestIdentities(ctx, f.Vector, top)
				if err != nil {
					return fmt.Errorf("nearest identities: %w", err)
				}
				for _, n := range nearest {
					fm.Nearest = append(fm.Nearest, nearestIdentityEntry{IdentityID: n.IdentityID, Similarity: 1 - n.Distance})
				}
			}
			results = append(results, fm)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No faces found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tBOX\tIDENTITY\tSIMILARITY\tCANDIDATES")
	for _, r := range results {
		var cands string
		for i, c := range r.Candidates {
			if i > 0 {
				cands += ", "
			}
			cands += fmt.Sprintf("%s (%.3f)", c.IdentityID, c.Similarity)
		}
		fmt.Fprintf(w, "%s\t%d,%d %dx%d\t%s\t%.3f\t%s\n",
			r.Image, r.Box.X, r.Box.Y, r.Box.W, r.Box.H, r.IdentityID, r.Similarity, cands)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if useDB {
		fmt.Println("\nDatabase nearest identities:")
		for _, r := range results {
			for _, n := range r.Nearest {
				fmt.Printf("  %s %d,%d: %s (%.3f)\n", r.Image, r.Box.X, r.Box.Y, n.IdentityID, n.Similarity)
			}
		}
	}
	return nil
}
