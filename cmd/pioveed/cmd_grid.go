package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"piovee/internal/engine"
)

func init() {
	rootCmd.AddCommand(gridCmd)
}

var gridCmd = &cobra.Command{
	Use:   "grid <target-tiles> <width> <height>",
	Short: "Preview the grid geometry for a canvas",
	Args:  cobra.ExactArgs(3),
	RunE:  runGrid,
}

func runGrid(cmd *cobra.Command, args []string) error {
	nums := make([]int, 3)
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		nums[i] = n
	}
	grid, err := engine.ComputeGrid(nums[0], nums[1], nums[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tile size: %dpx\ncols: %d\nrows: %d\ntotal tiles: %d\n",
		grid.TileSize, grid.Cols, grid.Rows, grid.TotalTiles)
	return nil
}
