package console

import "github.com/Teln0/SysControl/device"
import "github.com/Teln0/SysControl/kernel/cpu"
import "github.com/Teln0/SysControl/kernel/hal/multiboot"
import "github.com/Teln0/SysControl/kernel/mem/vmm"

var (
	getFramebufferInfoFn = multiboot.GetFramebufferInfo
	mapRegionFn          = vmm.MapRegion
	portWriteByteFn      = cpu.PortWriteByte

	// ProbeFuncs is a slice of device probe functions that is used by
	// the hal package to probe for console device hardware. Each driver
	// should use an init() block to append its probe function to this list.
	ProbeFuncs []device.ProbeFn
)
