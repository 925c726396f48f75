package device

import (
	"io"

	"github.com/Teln0/SysControl/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect a particular piece of hardware. It returns the
// initialized Driver on success or nil if the hardware is not present.
type ProbeFn func() Driver

// DetectOrder specifies the relative order in which registered drivers are
// probed by the HAL.
type DetectOrder uint8

const (
	// DetectOrderEarly is used by drivers that must be probed before
	// anything else (e.g. the console, so early boot output has somewhere
	// to go).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI is used by drivers whose presence ACPI-aware
	// drivers may depend on.
	DetectOrderBeforeACPI

	// DetectOrderACPI is reserved for the ACPI driver itself.
	DetectOrderACPI

	// DetectOrderLast is used by drivers that should be probed after
	// everything else.
	DetectOrderLast
)

// DriverInfo pairs a probe function with its desired detection order.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

// registeredDrivers accumulates every DriverInfo registered via
// RegisterDriver.
var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of drivers the HAL will probe during
// DetectHardware. Drivers normally call this from an init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of drivers registered so far via
// RegisterDriver.
func DriverList() DriverInfoList {
	return registeredDrivers
}
