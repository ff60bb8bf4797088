package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMemmapCmd())
}

func newMemmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memmap",
		Short: "Print the physical memory map after boot",
		Long: `The memmap command boots the kernel core and prints the memory map
seen by the frame allocator together with the heap layout.

Example:
  kcoresim memmap
  kcoresim memmap -c machine.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemmap(cmd.OutOrStdout())
		},
	}
	return cmd
}

func runMemmap(w io.Writer) error {
	m, err := bootMachine(false)
	if err != nil {
		return err
	}
	defer m.Close()

	core := m.Core()
	if jsonOut {
		return printJSON(w, map[string]interface{}{
			"frames": core.Frames.Stats(),
			"heap":   core.Heap.Stats(),
		})
	}

	// The frame allocator prints through the kernel console.
	core.Frames.PrintMemoryMap()

	heapStats := core.Heap.Stats()
	fmt.Fprintf(w, "[heap] [0x%x - 0x%x], %d bytes free\n",
		core.Config.HeapBase, core.Config.HeapBase+uintptr(heapStats.Total), heapStats.Free)
	return nil
}
