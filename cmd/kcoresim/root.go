package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyyking/kernel/internal/sim"
	"github.com/hyyking/kernel/kernel/kfmt"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "kcoresim",
	Short: "Run the kernel core on a simulated machine",
	Long: `kcoresim boots the kernel core on the host. Physical memory and the heap
are backed by host memory, the interrupt controller and timer are emulated and
tasks follow the scripts of a YAML machine description.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRun:  attachConsole,
	PersistentPostRun: detachConsole,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML machine description (defaults to three busy tasks)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print kernel debug records")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// attachConsole sends kernel console output to the command's stdout and
// diagnostic records to its stderr.
func attachConsole(cmd *cobra.Command, _ []string) {
	kfmt.SetOutputSink(cmd.OutOrStdout())
	kfmt.SetLogSink(sim.NewLogSink(cmd.ErrOrStderr()))

	if verbose {
		kfmt.SetLogLevel(kfmt.LevelDebug)
	} else {
		kfmt.SetLogLevel(kfmt.LevelWarn)
	}
}

func detachConsole(*cobra.Command, []string) {
	kfmt.SetOutputSink(nil)
	kfmt.SetLogSink(nil)
	kfmt.SetLogLevel(kfmt.LevelInfo)
}

// bootMachine loads the machine description selected by --config and boots
// it. The text console is attached when console is set, regardless of the
// description.
func bootMachine(console bool) (*sim.Machine, error) {
	cfg := sim.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = sim.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	cfg.Console = cfg.Console || console
	return sim.New(cfg)
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
