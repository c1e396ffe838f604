package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lazypower/spiralmem/internal/config"
	"github.com/lazypower/spiralmem/internal/engine"
	"github.com/lazypower/spiralmem/internal/store"
	"github.com/spf13/cobra"
)

var (
	recallSeed        string
	recallLimit       int
	recallResonance   float64
	recallTolerance   float64
	recallConsolidate float64
	recallJSON        bool
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Load seed entries into a fresh store and recall against them",
	Long: "Reads JSON lines of {\"content\": ..., \"weight\": ...} from --seed (or stdin), " +
		"optionally consolidates, and prints the ranked recall for the query.",
	Args: cobra.ArbitraryArgs,
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().StringVarP(&recallSeed, "seed", "s", "-", "JSON-lines seed file, - for stdin")
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", engine.DefaultMaxResults, "Maximum number of results")
	recallCmd.Flags().Float64Var(&recallResonance, "resonance", 0, "Resonance probe")
	recallCmd.Flags().Float64Var(&recallTolerance, "tolerance", engine.DefaultTolerance, "Resonance tolerance")
	recallCmd.Flags().Float64Var(&recallConsolidate, "consolidate", 0, "Consolidate at this threshold before recalling (0 = skip)")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "Print results as JSON")
}

type seedLine struct {
	Content any     `json:"content"`
	Weight  float64 `json:"weight"`
}

func runRecall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	deps, err := buildRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	in := cmd.InOrStdin()
	if recallSeed != "-" {
		f, err := os.Open(recallSeed)
		if err != nil {
			return fmt.Errorf("open seed: %w", err)
		}
		defer f.Close()
		in = f
	}

	n, err := loadSeed(deps.store, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "loaded %d entries (%d live)\n", n, deps.store.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if recallConsolidate > 0 {
		merges, err := deps.engine.Consolidate(ctx, store.ConsolidateOptions{Threshold: recallConsolidate})
		if err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "consolidated %d groups (%d live)\n", len(merges), deps.store.Len())
	}

	target := recallResonance
	results, err := deps.engine.Recall(ctx, strings.Join(args, " "), engine.RecallOpts{
		MaxResults:      recallLimit,
		TargetResonance: &target,
		Tolerance:       recallTolerance,
	})
	if err != nil {
		return err
	}

	return printResults(cmd.OutOrStdout(), results, recallJSON)
}

// loadSeed inserts every JSON line from r and returns how many were read.
func loadSeed(st *store.Store, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	n := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var s seedLine
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return n, fmt.Errorf("seed line %d: %w", line, err)
		}
		if _, err := st.Insert(s.Content, s.Weight); err != nil {
			return n, fmt.Errorf("seed line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read seed: %w", err)
	}
	return n, nil
}

func printResults(w io.Writer, results []engine.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []engine.Result{}
		}
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%.3f] %-15s w=%.3f res=%.2f %s\n",
			i+1, r.Score(), r.Strategy, r.Entry.Weight, r.Entry.Resonance, store.Serialize(r.Entry.Content))
	}
	return nil
}
