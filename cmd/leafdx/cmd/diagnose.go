package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/greenday-app/leafdx/internal/advice"
	"github.com/greenday-app/leafdx/internal/aggregate"
	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/spf13/cobra"
)

// diagnoseCmd represents the diagnose command.
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [image file]",
	Short: "Diagnose a plant disease from a leaf photo",
	Long: `Run the full diagnosis pipeline on a single leaf photo: preprocessing,
ensemble classification, optional zero-shot scoring, aggregation and
localization. Results are stored in the diagnosis history unless
--no-store is given.

Examples:
  leafdx diagnose leaf.jpg
  leafdx diagnose leaf.jpg --tta --clip --advice
  leafdx diagnose leaf.jpg --owner greenhouse-3 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		noStore, _ := cmd.Flags().GetBool("no-store")
		p, err := buildPipeline(cfg, !noStore)
		if err != nil {
			return fmt.Errorf("failed to initialize pipeline: %w", err)
		}
		defer func() { _ = p.Close() }()

		opts := diagnosis.DefaultOptions()
		opts.OwnerID, _ = cmd.Flags().GetString("owner")
		if topK, _ := cmd.Flags().GetInt("top-k"); topK > 0 {
			opts.TopK = topK
		}
		noCrop, _ := cmd.Flags().GetBool("no-crop")
		opts.UsePreprocess = !noCrop
		opts.UseTTA, _ = cmd.Flags().GetBool("tta")
		opts.IncludeZeroShot, _ = cmd.Flags().GetBool("clip")
		opts.IncludePerModel, _ = cmd.Flags().GetBool("per-model")
		opts.IncludeAdvice, _ = cmd.Flags().GetBool("advice")

		result, err := p.Diagnoser.Diagnose(cmd.Context(), data, opts)
		if err != nil {
			return fmt.Errorf("diagnosis failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printDiagnosisJSON(cmd, result, opts)
		}
		return printDiagnosisText(cmd, result, opts)
	},
}

func printDiagnosisJSON(cmd *cobra.Command, result *diagnosis.Result, opts diagnosis.Options) error {
	rec := result.Record
	out := map[string]interface{}{
		"id":         rec.ID,
		"disease":    rec.DiseaseKey,
		"label":      rec.DiseaseLabel,
		"score":      rec.Score,
		"severity":   rec.Severity,
		"cached":     result.Cached,
		"candidates": rec.Candidates,
		"cropped":    rec.Cropped,
	}
	if opts.IncludePerModel {
		out["per_model"] = rec.PerModel
	}
	if opts.IncludeAdvice {
		guide, _ := advice.For(rec.DiseaseKey)
		out["advice"] = guide.Lines(aggregate.Severity(rec.Severity))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printDiagnosisText(cmd *cobra.Command, result *diagnosis.Result, opts diagnosis.Options) error {
	rec := result.Record
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Diagnosis: %s (%s)\n", rec.DiseaseLabel, rec.DiseaseKey)
	fmt.Fprintf(w, "Confidence: %.1f%%  Severity: %s\n", rec.Score*100, rec.Severity)
	if result.Cached {
		fmt.Fprintln(w, "Served from diagnosis history.")
	}

	if len(rec.Candidates) > 1 {
		fmt.Fprintln(w, "\nCandidates:")
		for _, c := range rec.Candidates {
			fmt.Fprintf(w, "  %-24s %.1f%%\n", c.Key, c.Probability*100)
		}
	}

	if opts.IncludePerModel && len(rec.PerModel) > 0 {
		fmt.Fprintln(w, "\nPer-model predictions:")
		for _, p := range rec.PerModel {
			fmt.Fprintf(w, "  %-20s %-24s %.1f%%\n", p.Model, p.Key, p.Score*100)
		}
	}

	if opts.IncludeAdvice {
		guide, _ := advice.For(rec.DiseaseKey)
		lines := guide.Lines(aggregate.Severity(rec.Severity))
		if len(lines) > 0 {
			fmt.Fprintln(w, "\nCare advice:")
			for _, line := range lines {
				fmt.Fprintf(w, "  - %s\n", line)
			}
		}
	}

	return nil
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().String("owner", "", "owner identity for history and caching")
	diagnoseCmd.Flags().Int("top-k", 3, "per-model predictions to keep (1-5)")
	diagnoseCmd.Flags().Bool("tta", false, "enable test-time augmentation")
	diagnoseCmd.Flags().Bool("clip", false, "enable zero-shot scoring")
	diagnoseCmd.Flags().Bool("per-model", false, "include per-model predictions in output")
	diagnoseCmd.Flags().Bool("advice", false, "include care advice in output")
	diagnoseCmd.Flags().Bool("no-crop", false, "disable leaf content cropping")
	diagnoseCmd.Flags().Bool("no-store", false, "skip the diagnosis history database")
	diagnoseCmd.Flags().StringP("format", "f", "text", "output format (text, json)")
}
