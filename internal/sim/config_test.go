package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/sched"
)

const sampleConfig = `
memory_kb: 4096
heap_kb: 128
slice_ticks: 3
regions:
  - {start: 0x0, length: 0x9f000, kind: usable}
  - {start: 0x9f000, length: 0x61000, kind: reserved}
  - {start: 0x100000, length: 0x300000, kind: Usable}
tasks:
  - name: producer
    priority: high
    stack_kb: 8
    script:
      - {op: run, ticks: 3}
      - {op: signal, event: 1}
  - name: consumer
    script:
      - {op: block, event: 1}
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(4096), cfg.MemoryKb)
	assert.Equal(t, uint64(128), cfg.HeapKb)
	assert.Equal(t, uint32(3), cfg.SliceTicks)

	// omitted fields keep their defaults
	assert.Equal(t, uint32(100), cfg.TimerHz)
	assert.Equal(t, uint64(0x100000), cfg.Kernel.Phys)

	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "producer", cfg.Tasks[0].Name)
	assert.Equal(t, []Step{{Op: OpRun, Ticks: 3}, {Op: OpSignal, Event: 1}}, cfg.Tasks[0].Script)

	prio, err := parsePriority(cfg.Tasks[1].Priority)
	require.NoError(t, err)
	assert.Equal(t, sched.PriorityNormal, prio)

	regions := cfg.memoryMap()
	require.Len(t, regions, 4)
	assert.Equal(t, boot.MemoryRegion{Start: 0x9f000, Length: 0x61000, Kind: boot.Reserved}, regions[1])
	assert.Equal(t, boot.Usable, regions[2].Kind)
	assert.Equal(t, boot.MemoryRegion{Start: 0x100000, Length: 0x100000, Kind: boot.KernelCode}, regions[3])
}

func TestDefaultConfigMemoryMap(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	regions := cfg.memoryMap()
	require.Len(t, regions, 2)
	assert.Equal(t, boot.MemoryRegion{Start: 0, Length: 8 << 20, Kind: boot.Usable}, regions[0])
	assert.Equal(t, boot.KernelCode, regions[1].Kind)

	cfg.Console = true
	regions = cfg.memoryMap()
	require.Len(t, regions, 3)
	assert.Equal(t, boot.MemoryRegion{Start: 0xb8000, Length: 4000, Kind: boot.Framebuffer}, regions[1])
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Tasks, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestParseConfigErrors(t *testing.T) {
	specs := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "memory_kb: [", "decode config"},
		{"too little memory", "memory_kb: 512", "memory_kb must be at least 1024"},
		{"no heap", "heap_kb: 0", "heap_kb must be positive"},
		{"kernel outside memory", "memory_kb: 1024\nkernel: {phys: 0x100000, size: 0x1000}", "kernel image"},
		{"unknown region kind", "regions: [{start: 0, length: 0x1000, kind: rom}]", `unknown region kind "rom"`},
		{"region outside memory", "regions: [{start: 0, length: 0x10000000, kind: usable}]", "exceeds memory"},
		{"unnamed task", "tasks: [{script: [{op: run}]}]", "needs a name"},
		{"task named idle", "tasks: [{name: idle}]", "needs a name"},
		{"duplicate task", "tasks: [{name: a}, {name: a}]", `duplicate task name "a"`},
		{"unknown priority", "tasks: [{name: a, priority: urgent}]", `unknown priority "urgent"`},
		{"unknown op", "tasks: [{name: a, script: [{op: sleep}]}]", `unknown op "sleep"`},
		{"block without event", "tasks: [{name: a, script: [{op: block}]}]", "non-zero event"},
		{"print without text", "tasks: [{name: a, script: [{op: print}]}]", "print needs text"},
		{"key without scancode", "tasks: [{name: a, script: [{op: key}]}]", "non-zero scancode"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(spec.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), spec.want)
		})
	}
}
