package occa

import (
	"fmt"
	"github.com/notargets/gocca"
	"strings"
)

// DefaultDeviceProps lists the device modes tried by CreateDevice, parallel
// backends first
var DefaultDeviceProps = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice returns the first device that can be created from props, or
// from DefaultDeviceProps when none are given
func CreateDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DefaultDeviceProps
	}
	var failures []string
	for _, p := range props {
		device, err := gocca.NewDevice(p)
		if err == nil {
			return device, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", p, err))
	}
	return nil, fmt.Errorf("failed to create any OCCA device:\n  %s", strings.Join(failures, "\n  "))
}

// ModeProps returns the device properties for a mode name such as "CUDA" or
// "OpenMP"
func ModeProps(mode string) string {
	switch strings.ToLower(mode) {
	case "cuda":
		return `{"mode": "CUDA", "device_id": 0}`
	case "openmp":
		return `{"mode": "OpenMP"}`
	case "opencl":
		return `{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`
	default:
		return `{"mode": "Serial"}`
	}
}
