package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ltxav/ltxav/format"
	"github.com/ltxav/ltxav/lora"
	"github.com/ltxav/ltxav/safetensors"
)

func loraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lora",
		Short: "Inspect and merge LoRA adapters",
	}
	cmd.AddCommand(loraShowCmd(), loraMergeCmd())
	return cmd
}

func loraShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show FILE",
		Short: "List the modules an adapter targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadAdapter(args[0])
			if err != nil {
				return err
			}

			var data [][]string
			for _, e := range entries {
				alpha := "-"
				if e.Alpha != nil {
					alpha = fmt.Sprintf("%g", *e.Alpha)
				}
				size := int64(e.Down.Numel()+e.Up.Numel()) * 4
				data = append(data, []string{
					e.Path,
					fmt.Sprintf("%d", e.Rank()),
					alpha,
					fmt.Sprintf("%dx%d", e.Up.Dim(0), e.Down.Dim(1)),
					format.HumanBytes(size),
				})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"MODULE", "RANK", "ALPHA", "SHAPE", "SIZE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()

			return nil
		},
	}
}

func loraMergeCmd() *cobra.Command {
	var modelDir, output string
	var strength float64

	cmd := &cobra.Command{
		Use:   "merge FILE",
		Short: "Merge an adapter into model weights and write a new archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadAdapter(args[0])
			if err != nil {
				return err
			}

			f, err := safetensors.OpenDir(modelDir)
			if err != nil {
				return err
			}
			weights, err := f.LoadAll()
			if err != nil {
				return err
			}

			applied, err := lora.MergeWeights(weights, entries, strength)
			if err != nil {
				return err
			}
			if applied == 0 {
				return fmt.Errorf("no adapter entries matched the model weights")
			}

			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			if err := safetensors.Write(output, weights); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "merged %d layers at strength %g into %s\n", applied, strength, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model", "", "Model weights directory")
	cmd.Flags().StringVarP(&output, "output", "o", "merged.safetensors", "Output archive path")
	cmd.Flags().Float64Var(&strength, "strength", 1.0, "Merge strength")
	cmd.MarkFlagRequired("model")

	return cmd
}

func loadAdapter(path string) ([]lora.Entry, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	weights, err := f.LoadAll()
	if err != nil {
		return nil, err
	}
	return lora.Group(weights), nil
}
