package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-gpt/internal/config"
	"github.com/inference-sim/inference-gpt/internal/service"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Model registry operations",
}

var (
	modelID       string
	modelPath     string
	manifestPath  string
	modelConfPath string
)

var modelLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a model file under a stable id, or bulk-load from a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(modelConfPath))
		ctx := cmd.Context()

		if manifestPath != "" {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			entries := make([]service.ModelLoadOptions, len(m.Models))
			for i, e := range m.Models {
				entries[i] = service.ModelLoadOptions{ID: e.ID, Path: e.Path}
			}
			infos, err := svc.ModelLoadManifest(ctx, entries)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("loaded %s hash=%x\n", info.ID, info.Hash)
			}
			return nil
		}

		if modelID == "" || modelPath == "" {
			return fmt.Errorf("--id and --path are required (or use --from)")
		}
		info, err := svc.ModelLoad(ctx, service.ModelLoadOptions{ID: modelID, Path: modelPath})
		if err != nil {
			return err
		}
		fmt.Printf("loaded %s hash=%x context_size=%d\n", info.ID, info.Hash, info.ContextSizeTrained)
		return nil
	},
}

var modelUnloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Unload a model by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(modelConfPath))
		return svc.ModelUnload(modelID)
	},
}

var modelHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print a loaded model's content hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(modelConfPath))
		hash, err := svc.ModelHashByID(modelID)
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", hash)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{modelLoadCmd, modelUnloadCmd, modelHashCmd} {
		c.Flags().StringVar(&modelID, "id", "", "model id")
		c.Flags().StringVar(&modelConfPath, "config", "", "optional YAML config overlay")
	}
	modelLoadCmd.Flags().StringVar(&modelPath, "path", "", "model weights file path")
	modelLoadCmd.Flags().StringVar(&manifestPath, "from", "", "bulk-load from a models.yaml manifest")

	modelCmd.AddCommand(modelLoadCmd, modelUnloadCmd, modelHashCmd)
}
