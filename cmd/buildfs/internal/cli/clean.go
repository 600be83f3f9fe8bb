package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Forget all recorded stamps",
	Long: `Removes the stamps of every target, so the next build compiles
every source file again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		if err := s.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear stamps: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed stamps in %s\n", s.store.Dir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
