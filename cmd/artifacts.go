package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"banken/internal/artifact"
	"banken/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var artifactsStatus string

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "録画クリップとログのアップロード状況を表示する",
	RunE:  listArtifacts,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.Flags().StringVar(&artifactsStatus, "status", "", "状態で絞り込む (PENDING, UPLOADING, DONE, FAILED)")
}

func listArtifacts(cmd *cobra.Command, _ []string) error {
	var statuses []artifact.Status
	if artifactsStatus != "" {
		s, err := artifact.ParseStatus(artifactsStatus)
		if err != nil {
			return err
		}
		statuses = append(statuses, s)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListArtifacts(statuses...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "成果物はありません")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSIZE\tATTEMPTS\tCREATED\tFILE")
	fmt.Fprintln(w, "--\t----\t------\t----\t--------\t-------\t----")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID,
			a.Kind,
			a.Status,
			humanize.Bytes(uint64(a.Size)),
			a.Attempts,
			humanize.Time(a.CreatedAt),
			filepath.Base(a.Path),
		)
	}
	return w.Flush()
}
