package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelpt/pacer/internal/engine"
)

// NewStatusCommand shows every tracked torrent's current phase, cap and
// last-limit reason.
func NewStatusCommand(eng *engine.Engine) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "📊 Show the limit engine's current status",
		Long: `📊 Show the limit engine's current status

Prints whether the engine is running and paused, the active temp-target
override (if any), and one row per tracked torrent: phase, cycle index,
target rate, applied upload/download caps and the reason the last cap was
chosen.

Examples:
  pacer status              # table output
  pacer status --json       # JSON output for scripting`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusCommand(eng, jsonOutput)
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	return cmd
}

func runStatusCommand(eng *engine.Engine, jsonOutput bool) error {
	st := eng.Status()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	running := "stopped"
	if st.Running {
		running = "running"
	}
	if st.Paused {
		running += ", paused"
	}
	fmt.Printf("engine: %s\n", running)
	if st.TempTargetSet {
		fmt.Printf("temp target override: %.0f KiB/s\n", st.TempTargetKiB)
	}

	if len(st.Torrents) == 0 {
		fmt.Println("no tracked torrents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPHASE\tCYCLE\tTARGET KiB/s\tUP CAP\tDL CAP\tREASON")
	for _, t := range st.Torrents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%s\t%s\t%s\n",
			t.Name, t.Phase, t.CycleIndex, t.TargetBps/1024,
			formatCap(t.UpCap), formatCap(t.DlCap), t.LastReason)
	}
	return w.Flush()
}

func formatCap(bytesPerSec int64) string {
	switch {
	case bytesPerSec < 0:
		return "uncapped"
	case bytesPerSec == 0:
		return "-"
	default:
		return fmt.Sprintf("%d KiB/s", bytesPerSec/1024)
	}
}

// NewPauseCommand uncaps every torrent from the next tick onward.
func NewPauseCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "⏸️  Pause rate control (everything runs uncapped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Pause()
			fmt.Println("⏸️  paused: all torrents will run uncapped from the next tick")
			return nil
		},
	}
}

// NewResumeCommand resumes rate control.
func NewResumeCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "▶️  Resume rate control",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Resume()
			fmt.Println("▶️  resumed")
			return nil
		},
	}
}

// NewSetTargetCommand overrides every rule's effective target.
func NewSetTargetCommand(eng *engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-target <kib-per-sec>",
		Short: "🎯 Override the effective target for every torrent",
		Long: `🎯 Override the effective target for every torrent

Replaces the rules-file-derived target with a single fixed value until
the process restarts or "pacer clear-target" is run.

Examples:
  pacer set-target 51200   # force a 50 MiB/s target`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kib, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid target: %w", err)
			}
			eng.SetTempTarget(kib)
			fmt.Printf("🎯 temp target set: %.0f KiB/s\n", kib)
			return nil
		},
	}
	return cmd
}

// NewClearTargetCommand reverts to rules-file-derived targets.
func NewClearTargetCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-target",
		Short: "Revert to rules-file-derived targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.ClearTempTarget()
			fmt.Println("temp target cleared")
			return nil
		},
	}
}

// NewHistoryCommand prints recent completed-cycle records.
func NewHistoryCommand(eng *engine.Engine) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "📈 Show recent completed-cycle records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryCommand(eng, limit, jsonOutput)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	return cmd
}

func runHistoryCommand(eng *engine.Engine, limit int, jsonOutput bool) error {
	records := eng.History(limit)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no completed cycles yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCYCLE\tENDED\tTARGET KiB/s\tAVG KiB/s\tRATIO\tHIT")
	for _, r := range records {
		hit := "miss"
		if r.Hit {
			hit = "hit"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%.0f\t%.0f\t%.3f\t%s\n",
			r.Name, r.CycleIndex, r.CycleEndEpoch.Format("15:04:05"),
			r.TargetBps/1024, r.AvgBps/1024, r.Ratio, hit)
	}
	return w.Flush()
}

// NewSamplesCommand dumps a torrent's recent speed samples.
func NewSamplesCommand(eng *engine.Engine) *cobra.Command {
	var windowSec float64

	cmd := &cobra.Command{
		Use:   "samples <hash>",
		Short: "📉 Show a torrent's recent upload/download speed samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples := eng.Samples(args[0], windowSec)
			if len(samples) == 0 {
				fmt.Println("no samples (unknown hash, or nothing recorded yet)")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUP KiB/s\tDL KiB/s")
			for _, s := range samples {
				fmt.Fprintf(w, "%s\t%.0f\t%.0f\n", s.Time.Format(time.RFC3339), s.UpBps/1024, s.DlBps/1024)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Float64VarP(&windowSec, "window", "w", 300, "lookback window in seconds")
	return cmd
}

// NewVersionCommand reports build information.
func NewVersionCommand(version, buildTime, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "📋 Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pacer %s (built: %s, commit: %s)\n", version, buildTime, gitCommit)
		},
	}
}
