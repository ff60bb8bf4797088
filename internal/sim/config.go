package sim

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/sched"
)

// Op is an action performed by a simulated task.
type Op string

// Supported task operations.
const (
	// OpRun keeps the task busy for Ticks timer ticks; zero means forever.
	OpRun Op = "run"

	// OpYield gives up the rest of the slice.
	OpYield Op = "yield"

	// OpBlock waits until Event is signalled.
	OpBlock Op = "block"

	// OpSignal wakes every task blocked on Event.
	OpSignal Op = "signal"

	// OpPrint writes Text to the console. Like OpSignal it takes no time.
	OpPrint Op = "print"

	// OpKey presses the key with scancode Code. The keyboard interrupt is
	// delivered before the step completes and takes no time.
	OpKey Op = "key"

	// OpExit terminates the task. A task whose script ends exits too.
	OpExit Op = "exit"
)

// Text mode framebuffer set up when Config.Console is enabled.
const (
	consoleAddr   = 0xb8000
	consoleWidth  = 80
	consoleHeight = 25
)

// Step is one entry of a task script.
type Step struct {
	Op    Op     `yaml:"op"`
	Ticks uint64 `yaml:"ticks,omitempty"`
	Event uint64 `yaml:"event,omitempty"`
	Text  string `yaml:"text,omitempty"`
	Code  uint8  `yaml:"code,omitempty"`
}

// TaskConfig describes a task spawned when the machine boots.
type TaskConfig struct {
	Name     string `yaml:"name"`
	Priority string `yaml:"priority,omitempty"`
	StackKb  uint64 `yaml:"stack_kb,omitempty"`
	Script   []Step `yaml:"script"`
}

// RegionConfig is an entry of the memory map handed to the kernel.
type RegionConfig struct {
	Start  uint64 `yaml:"start"`
	Length uint64 `yaml:"length"`
	Kind   string `yaml:"kind"`
}

// KernelConfig locates the kernel image in physical memory.
type KernelConfig struct {
	Phys uint64 `yaml:"phys"`
	Size uint64 `yaml:"size"`
}

// Config describes a simulated machine and the workload it runs.
type Config struct {
	MemoryKb   uint64         `yaml:"memory_kb"`
	Regions    []RegionConfig `yaml:"regions,omitempty"`
	Kernel     KernelConfig   `yaml:"kernel"`
	HeapKb     uint64         `yaml:"heap_kb"`
	TimerHz    uint32         `yaml:"timer_hz"`
	SliceTicks uint32         `yaml:"slice_ticks"`
	Tasks      []TaskConfig   `yaml:"tasks"`

	// Console attaches an 80x25 text mode framebuffer to the machine.
	Console bool `yaml:"console,omitempty"`
}

// DefaultConfig returns a machine with 8Mb of RAM running three tasks that
// never yield.
func DefaultConfig() Config {
	return Config{
		MemoryKb:   8 * 1024,
		Kernel:     KernelConfig{Phys: 0x100000, Size: 0x100000},
		HeapKb:     256,
		TimerHz:    100,
		SliceTicks: 2,
		Tasks: []TaskConfig{
			{Name: "a", Script: []Step{{Op: OpRun}}},
			{Name: "b", Script: []Step{{Op: OpRun}}},
			{Name: "c", Script: []Step{{Op: OpRun}}},
		},
	}
}

// LoadConfig reads and validates a YAML machine description.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "sim: read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML machine description. Fields that are omitted
// take their value from DefaultConfig; an omitted task list is empty.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	cfg.Tasks = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "sim: decode config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the machine cannot run.
func (c Config) Validate() error {
	memory := c.MemoryKb * uint64(mem.Kb)
	switch {
	case memory < uint64(mem.Mb):
		return errors.Errorf("sim: memory_kb must be at least 1024, got %d", c.MemoryKb)
	case c.HeapKb == 0:
		return errors.New("sim: heap_kb must be positive")
	case c.Kernel.Size == 0 || c.Kernel.Phys+c.Kernel.Size > memory:
		return errors.Errorf("sim: kernel image [0x%x, 0x%x) does not fit in memory", c.Kernel.Phys, c.Kernel.Phys+c.Kernel.Size)
	case len(c.Tasks) > sched.MaxTasks:
		return errors.Errorf("sim: at most %d tasks are supported", sched.MaxTasks)
	}

	for i, r := range c.Regions {
		if _, err := parseKind(r.Kind); err != nil {
			return errors.Wrapf(err, "sim: region %d", i)
		}
		if r.Start+r.Length > memory {
			return errors.Errorf("sim: region %d [0x%x, 0x%x) exceeds memory", i, r.Start, r.Start+r.Length)
		}
	}

	names := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Name == "" || t.Name == idleName {
			return errors.Errorf("sim: task %d needs a name other than %q", i, idleName)
		}
		if names[t.Name] {
			return errors.Errorf("sim: duplicate task name %q", t.Name)
		}
		names[t.Name] = true

		if _, err := parsePriority(t.Priority); err != nil {
			return errors.Wrapf(err, "sim: task %q", t.Name)
		}
		for j, step := range t.Script {
			switch step.Op {
			case OpRun, OpYield, OpExit:
			case OpBlock, OpSignal:
				if step.Event == 0 {
					return errors.Errorf("sim: task %q step %d: %s needs a non-zero event", t.Name, j, step.Op)
				}
			case OpPrint:
				if step.Text == "" {
					return errors.Errorf("sim: task %q step %d: print needs text", t.Name, j)
				}
			case OpKey:
				if step.Code == 0 {
					return errors.Errorf("sim: task %q step %d: key needs a non-zero scancode", t.Name, j)
				}
			default:
				return errors.Errorf("sim: task %q step %d: unknown op %q", t.Name, j, step.Op)
			}
		}
	}
	return nil
}

// memoryMap returns the regions handed to the kernel. Without explicit
// regions all of memory is usable apart from the kernel image and the
// console framebuffer.
func (c Config) memoryMap() []boot.MemoryRegion {
	regions := make([]boot.MemoryRegion, 0, len(c.Regions)+3)
	if len(c.Regions) == 0 {
		regions = append(regions, boot.MemoryRegion{
			Start:  0,
			Length: c.MemoryKb * uint64(mem.Kb),
			Kind:   boot.Usable,
		})
	}

	for _, r := range c.Regions {
		kind, _ := parseKind(r.Kind)
		regions = append(regions, boot.MemoryRegion{Start: r.Start, Length: r.Length, Kind: kind})
	}

	if c.Console {
		regions = append(regions, boot.MemoryRegion{
			Start:  consoleAddr,
			Length: consoleWidth * consoleHeight * 2,
			Kind:   boot.Framebuffer,
		})
	}

	return append(regions, boot.MemoryRegion{
		Start:  c.Kernel.Phys,
		Length: c.Kernel.Size,
		Kind:   boot.KernelCode,
	})
}

func parseKind(name string) (boot.RegionKind, error) {
	for kind := boot.Reserved; kind <= boot.Framebuffer; kind++ {
		if strings.EqualFold(kind.String(), name) {
			return kind, nil
		}
	}
	return boot.Reserved, errors.Errorf("unknown region kind %q", name)
}

var priorityNames = map[string]sched.Priority{
	"":         sched.PriorityNormal,
	"low":      sched.PriorityLow,
	"normal":   sched.PriorityNormal,
	"high":     sched.PriorityHigh,
	"realtime": sched.PriorityRealtime,
}

func parsePriority(name string) (sched.Priority, error) {
	prio, ok := priorityNames[strings.ToLower(name)]
	if !ok {
		return 0, errors.Errorf("unknown priority %q", name)
	}
	return prio, nil
}
