package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hyyking/kernel/kernel/mem/vmm"
)

var pagewalkTicks uint64

func init() {
	cmd := newPagewalkCmd()
	cmd.Flags().Uint64VarP(&pagewalkTicks, "ticks", "t", 0, "Timer ticks to simulate before walking")
	rootCmd.AddCommand(cmd)
}

func newPagewalkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagewalk [address...]",
		Short: "Trace the page table walk for virtual addresses",
		Long: `The pagewalk command boots the kernel core and prints the page table
entry selected at every level for each address. Without arguments it walks
the start of the heap and the top of the first task stack.

Example:
  kcoresim pagewalk
  kcoresim pagewalk 0xffffff0000000ff8 --ticks 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPagewalk(cmd.OutOrStdout(), args)
		},
	}
	return cmd
}

func runPagewalk(w io.Writer, args []string) error {
	addrs := make([]uintptr, 0, len(args))
	for _, arg := range args {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid address %q", arg)
		}
		addrs = append(addrs, uintptr(addr))
	}

	m, err := bootMachine(false)
	if err != nil {
		return err
	}
	defer m.Close()

	if _, err = m.Run(pagewalkTicks); err != nil {
		return errors.Wrap(err, "simulation aborted")
	}

	core := m.Core()
	if len(addrs) == 0 {
		addrs = append(addrs, core.Config.HeapBase)
		if core.Sched.Stats().Live > 0 {
			sc := core.Config.Sched
			addrs = append(addrs, sc.StackBase+uintptr(sc.StackSlotSize)-8)
		}
	}

	for _, addr := range addrs {
		if !vmm.IsCanonical(addr) {
			return errors.Errorf("address 0x%x is not canonical", addr)
		}

		fmt.Fprintf(w, "0x%016x:\n", addr)
		core.Mapper.PrintTrace(addr)

		if phys, err := core.Mapper.Translate(addr); err == nil {
			fmt.Fprintf(w, "  => physical 0x%x\n", phys)
		} else {
			fmt.Fprintf(w, "  => %s\n", err.Message)
		}
	}
	return nil
}
