package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hyyking/kernel/internal/sim"
)

var (
	runTicks    uint64
	runTimeline bool
	runScreen   bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().Uint64VarP(&runTicks, "ticks", "t", 20, "Number of timer ticks to simulate")
	cmd.Flags().BoolVar(&runTimeline, "timeline", false, "Print the context that ran during every tick")
	cmd.Flags().BoolVar(&runScreen, "screen", false, "Attach a text console and print its contents after the run")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the machine and deliver timer ticks",
		Long: `The run command boots the kernel core, spawns the configured tasks and
delivers timer interrupts, then reports how the processor was shared.

Example:
  kcoresim run --ticks 50
  kcoresim run -c machine.yaml --timeline
  kcoresim run -c hello.yaml --screen
  kcoresim run --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.OutOrStdout())
		},
	}
	return cmd
}

func runRun(w io.Writer) error {
	m, err := bootMachine(runScreen)
	if err != nil {
		return err
	}
	defer m.Close()

	report, err := m.Run(runTicks)
	if err != nil {
		return errors.Wrap(err, "simulation aborted")
	}

	var screen []string
	if runScreen {
		screen = trimScreen(m.Screen())
	}

	if jsonOut {
		return printJSON(w, struct {
			sim.Report
			Screen []string `json:",omitempty"`
		}{report, screen})
	}

	if runTimeline {
		for tick, name := range report.Timeline {
			fmt.Fprintf(w, "%6d  %s\n", tick, name)
		}
		fmt.Fprintln(w)
	}

	printReport(w, report)

	if runScreen {
		border := "+" + strings.Repeat("-", 80) + "+"
		fmt.Fprintf(w, "\n%s\n", border)
		for _, row := range screen {
			fmt.Fprintf(w, "|%-80s|\n", row)
		}
		fmt.Fprintln(w, border)
	}
	return nil
}

// trimScreen drops the blank rows at the bottom of the console.
func trimScreen(rows []string) []string {
	for len(rows) > 0 && rows[len(rows)-1] == "" {
		rows = rows[:len(rows)-1]
	}
	return rows
}

func printReport(w io.Writer, r sim.Report) {
	fmt.Fprintf(w, "%d ticks, %d context switches, %d live tasks (%d ready)\n",
		r.Sched.Ticks, r.Sched.Switches, r.Sched.Live, r.Sched.Ready)

	if len(r.Tasks) > 0 {
		fmt.Fprintf(w, "\n%-16s %4s  %-10s %6s\n", "TASK", "ID", "STATE", "TICKS")
		for _, t := range r.Tasks {
			fmt.Fprintf(w, "%-16s %4d  %-10s %6d\n", t.Name, t.ID, t.State, t.Ticks)
		}
	}

	fmt.Fprintf(w, "\nheap:   %d of %d bytes free in %d blocks\n", r.Heap.Free, r.Heap.Total, r.Heap.FreeBlocks)
	fmt.Fprintf(w, "frames: %d of %d free\n", r.Frames.FreeFrames, r.Frames.TotalFrames)
	fmt.Fprintf(w, "irq:    %d EOIs, %d spurious, %d keystrokes\n", r.EOIs, r.Spurious, r.Keystrokes)
}
