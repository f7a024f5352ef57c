package vm

import (
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quietvm/hvcore/internal/hv"
)

// Config is the static description a VM is created from: CPU topology,
// RAM size, and the guest-physical load addresses for the BIOS and
// kernel images, per §4.H's "allocate RAM, load BIOS and kernel at
// configured guest-physical addresses" creation sequence. Grounded on
// the teacher's YAML config shape in cmd/ccapp/site_config.go (a flat,
// yaml-tagged struct decoded with gopkg.in/yaml.v3) and on
// internal/bundle's use of the same library for its own manifest file.
type Config struct {
	VMID uint64 `yaml:"vm_id"`

	// CpuMask is the bit vector of physical cores this VM's vCPUs are
	// pinned to, per §4.H affinity ("cpu-set is a bit vector"). Each set
	// bit selects one physical core, and vCPU i is pinned to the core of
	// the i-th set bit in ascending order (see affinityCores), so 0b1010
	// puts vCPU 0 on core 1 and vCPU 1 on core 3; popcount(CpuMask) is
	// therefore also the vCPU count.
	CpuMask uint64 `yaml:"cpu_mask"`

	MemoryBase uint64 `yaml:"memory_base"`
	MemorySize uint64 `yaml:"memory_size"`

	BiosLoadAddr   uint64 `yaml:"bios_load_addr"`
	KernelLoadAddr uint64 `yaml:"kernel_load_addr"`

	// UARTBase is the I/O port the primary vCPU's console UART is
	// mapped at (0x3F8 for COM1, conventionally).
	UARTBase uint16 `yaml:"uart_base"`
}

// VCpuCount returns the number of vCPUs this config implies: one per set
// bit in CpuMask.
func (c Config) VCpuCount() int { return bits.OnesCount64(c.CpuMask) }

// Validate checks the invariants §3/§4.H require before a VM is built
// from this config: page-aligned memory bounds and a non-empty CPU mask.
func (c Config) Validate() error {
	if c.CpuMask == 0 {
		return hv.InvalidParam("vm.config", fmt.Errorf("cpu_mask selects no cores"))
	}
	if c.MemorySize == 0 {
		return hv.InvalidParam("vm.config", fmt.Errorf("memory_size is zero"))
	}
	if c.MemoryBase%4096 != 0 || c.MemorySize%4096 != 0 {
		return hv.InvalidParam("vm.config", fmt.Errorf(
			"memory_base/memory_size must be page aligned: base=0x%x size=0x%x", c.MemoryBase, c.MemorySize))
	}
	if c.BiosLoadAddr < c.MemoryBase || c.BiosLoadAddr >= c.MemoryBase+c.MemorySize {
		return hv.InvalidParam("vm.config", fmt.Errorf("bios_load_addr 0x%x outside RAM region", c.BiosLoadAddr))
	}
	if c.KernelLoadAddr < c.MemoryBase || c.KernelLoadAddr >= c.MemoryBase+c.MemorySize {
		return hv.InvalidParam("vm.config", fmt.Errorf("kernel_load_addr 0x%x outside RAM region", c.KernelLoadAddr))
	}
	return nil
}

// LoadConfig reads and parses a YAML VM config file, mirroring
// LoadSiteConfig's read-then-unmarshal shape in the teacher's
// cmd/ccapp/site_config.go.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vm: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vm: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// affinityCores returns the physical core indices CpuMask selects, in
// ascending order — vCPU i is bound to affinityCores()[i].
func (c Config) affinityCores() []int {
	var cores []int
	for i := 0; i < 64; i++ {
		if c.CpuMask&(1<<uint(i)) != 0 {
			cores = append(cores, i)
		}
	}
	return cores
}
