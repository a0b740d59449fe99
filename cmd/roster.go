package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/database"
	"github.com/kozaktomas/attendance/internal/facematch"
)

// resolveRoster combines --roster IDs with a roster file (one ID per line,
// # comments allowed). When both are empty every enrolled identity is used.
func resolveRoster(ctx context.Context, store database.IdentityWriter, ids []string, file string) ([]string, error) {
	roster := append([]string(nil), ids...)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open roster file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			roster = append(roster, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read roster file: %w", err)
		}
	}
	if len(roster) == 0 {
		all, err := store.ListIdentities(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list identities: %w", err)
		}
		roster = all
	}
	return facematch.NormalizeRoster(roster), nil
}

// loadRosterBank builds a bank from the stored embeddings of roster.
func loadRosterBank(ctx context.Context, store database.RosterLoader, roster []string) (*bank.Bank, error) {
	embs, err := store.LoadRosterEmbeddings(ctx, roster)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	entries := make([]bank.Entry, 0, len(embs))
	for _, e := range embs {
		entries = append(entries, bank.Entry{IdentityID: e.IdentityID, Vector: e.Embedding})
	}
	return bank.Build(entries)
}
