package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"banken/internal/eventlog"
	"banken/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "記録されたモーションイベントを表示する",
	RunE:  listEvents,
}

var eventsExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "モーションログをCSVに書き出す",
	Args:  cobra.ExactArgs(1),
	RunE:  exportEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsExportCmd)

	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "表示する件数 (0で全件)")
}

// eventRow は一覧の1行
type eventRow struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Interval *float64  `json:"seconds_since_last_motion"`
}

// openEventLog はデータベースからイベントログを読み込む
func openEventLog() (*eventlog.Log, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	elog, err := eventlog.Open(st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return elog, st, nil
}

func listEvents(cmd *cobra.Command, _ []string) error {
	elog, st, err := openEventLog()
	if err != nil {
		return err
	}
	defer st.Close()

	records := elog.Snapshot()
	if eventsLimit > 0 && len(records) > eventsLimit {
		records = records[len(records)-eventsLimit:]
	}

	rows := make([]eventRow, 0, len(records))
	for _, r := range records {
		row := eventRow{Seq: r.Event.Seq, Time: r.Event.Wall}
		if r.Interval != nil {
			secs := r.Interval.Seconds()
			row.Interval = &secs
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "記録されたイベントはありません")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tINTERVAL\tAGO")
	fmt.Fprintln(w, "---\t----\t--------\t---")
	for _, row := range rows {
		interval := "-"
		if row.Interval != nil {
			interval = fmt.Sprintf("%.1fs", *row.Interval)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			row.Seq,
			row.Time.Local().Format("2006-01-02 15:04:05"),
			interval,
			humanize.Time(row.Time),
		)
	}
	return w.Flush()
}

func exportEvents(cmd *cobra.Command, args []string) error {
	elog, st, err := openEventLog()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := elog.ExportCSV(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d 件のイベントを %s に書き出しました\n", elog.Len(), args[0])
	return nil
}
