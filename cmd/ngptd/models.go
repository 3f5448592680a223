package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ngptd/internal/common/fsutil"
	"ngptd/internal/manager"
	"ngptd/internal/registry"
)

func buildModelsCmd() *cobra.Command {
	var modelsDir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List checkpoints in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fnListModels(modelsDir)
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", "~/models/ngpt", "Directory to scan for *.ngpt checkpoints")
	return cmd
}

func fnListModels(dir string) error {
	scanner := registry.NewCheckpointScanner()
	scanner.Logger = newLogger()
	models, err := scanner.Scan(dir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARAMS\tDIM\tDEPTH\tVOCAB\tPATH")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", m.ID, m.Params, m.Dim, m.Depth, m.Vocab, m.Path)
	}
	return w.Flush()
}

func buildCheckCmd() *cobra.Command {
	var modelsDir string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify every checkpoint in the models directory is loadable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fnCheck(modelsDir)
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", "~/models/ngpt", "Directory to scan for *.ngpt checkpoints")
	return cmd
}

func fnCheck(dir string) error {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return err
	}
	if !fsutil.PathExists(base) {
		return fmt.Errorf("models directory %s does not exist", base)
	}
	models, err := registry.LoadDir(base)
	if err != nil {
		return err
	}
	mgr := manager.NewWithConfig(manager.ManagerConfig{Registry: models})
	report := mgr.SanityCheck()
	fmt.Printf("models: %d ok: %d\n", report.ModelsTotal, report.ModelsOK)
	for id, msg := range report.Errors {
		fmt.Printf("  %s: %s\n", id, msg)
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d checkpoint(s) failed the check", len(report.Errors))
	}
	return nil
}
