package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/language"
	"github.com/loqalabs/loqa-stt/internal/stt/local"
)

var languagesCmd = &cobra.Command{
	Use:   "languages [query]",
	Short: "List recognition languages and backend coverage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")
		minQuality, _ := cmd.Flags().GetString("min-quality")
		showStats, _ := cmd.Flags().GetBool("stats")
		asJSON, _ := cmd.Flags().GetBool("json")

		reg := language.NewRegistry()
		out := cmd.OutOrStdout()
		if showStats {
			return printLanguageStats(out, reg.Stats(), asJSON)
		}

		var langs []language.Language
		switch {
		case len(args) == 1:
			langs = reg.Search(args[0])
		case backend != "" && minQuality != "":
			q, err := language.ParseQuality(minQuality)
			if err != nil {
				return err
			}
			langs = reg.SupportedAtLeast(backend, q)
		case backend != "":
			langs = reg.Supported(backend)
		default:
			langs = reg.All()
		}
		if asJSON {
			return json.NewEncoder(out).Encode(languageRows(langs))
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CODE\tNAME\tNATIVE\tLIVE\tLOCAL")
		for _, l := range langs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.Code, l.Name, l.NativeName,
				quality(l, language.BackendLive), quality(l, language.BackendLocal))
		}
		return tw.Flush()
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List local model tiers and whether they are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIER\tMEMORY\tSPEED\tACCURACY\tINSTALLED")
		for _, info := range local.Tiers() {
			fmt.Fprintf(tw, "%s\t%dMB\t%.0fx\t%d\t%t\n",
				info.Tier, info.MemoryMB, info.RelativeSpeed, info.Accuracy,
				installed(filepath.Join(cfg.Local.ModelDir, local.ModelFile(info.Tier))))
		}
		return tw.Flush()
	},
}

func init() {
	languagesCmd.Flags().String("backend", "", "Only languages covered by this backend (live|local)")
	languagesCmd.Flags().String("min-quality", "", "Minimum quality with --backend (basic|good|excellent)")
	languagesCmd.Flags().Bool("stats", false, "Print coverage counts per backend")
	languagesCmd.Flags().Bool("json", false, "Print JSON")
}

type languageRow struct {
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	NativeName string            `json:"native_name"`
	Backends   map[string]string `json:"backends"`
}

func languageRows(langs []language.Language) []languageRow {
	rows := make([]languageRow, 0, len(langs))
	for _, l := range langs {
		row := languageRow{Code: l.Code, Name: l.Name, NativeName: l.NativeName, Backends: map[string]string{}}
		for backend, s := range l.Backends {
			if s.Quality != language.QualityNone {
				row.Backends[backend] = s.Quality.String()
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func quality(l language.Language, backend string) string {
	s, ok := l.Support(backend)
	if !ok {
		return "-"
	}
	return s.Quality.String()
}

func printLanguageStats(w io.Writer, stats language.Stats, asJSON bool) error {
	backends := make([]string, 0, len(stats.ByBackend))
	for b := range stats.ByBackend {
		backends = append(backends, b)
	}
	sort.Strings(backends)

	if asJSON {
		out := map[string]any{"total": stats.Total}
		for _, b := range backends {
			counts := map[string]int{}
			for q, n := range stats.ByBackend[b] {
				counts[q.String()] = n
			}
			out[b] = counts
		}
		return json.NewEncoder(w).Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	fmt.Fprintln(tw, "BACKEND\tEXCELLENT\tGOOD\tBASIC")
	for _, b := range backends {
		m := stats.ByBackend[b]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", b, m[language.QualityExcellent], m[language.QualityGood], m[language.QualityBasic])
	}
	return tw.Flush()
}

func installed(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
