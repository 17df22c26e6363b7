package cmd

import (
	"fmt"

	"github.com/greenday-app/leafdx/internal/localize"
	"github.com/greenday-app/leafdx/internal/vocab"
	"github.com/spf13/cobra"
)

// vocabCmd represents the vocab command.
var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "List the disease vocabulary",
	Long: `List every canonical disease key with its localized display label.

Examples:
  leafdx vocab
  leafdx vocab --lang en`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		lang := cfg.Language
		if cmd.Flags().Changed("lang") {
			lang, _ = cmd.Flags().GetString("lang")
		}

		loc := localize.New(lang)
		w := cmd.OutOrStdout()
		for _, key := range vocab.Default().Keys() {
			fmt.Fprintf(w, "%-24s %s\n", key, loc.Localize(cmd.Context(), key))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vocabCmd)
	vocabCmd.Flags().String("lang", "", "BCP 47 tag for labels (defaults to configured language)")
}
