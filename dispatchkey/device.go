// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatchkey

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// DeviceType is the kind of device on which tensor data lives.
type DeviceType int

// Supported device types.
const (
	DeviceCPU DeviceType = iota
	DeviceCUDA
	DeviceMKLDNN
	DeviceOpenGL
	DeviceOpenCL
	DeviceIDEEP
	DeviceHIP
	DeviceFPGA
	DeviceMSNPU
	DeviceXLA
	DeviceVulkan
)

// String returns a human-readable device name.
func (d DeviceType) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	case DeviceMKLDNN:
		return "mkldnn"
	case DeviceOpenGL:
		return "opengl"
	case DeviceOpenCL:
		return "opencl"
	case DeviceIDEEP:
		return "ideep"
	case DeviceHIP:
		return "hip"
	case DeviceFPGA:
		return "fpga"
	case DeviceMSNPU:
		return "msnpu"
	case DeviceXLA:
		return "xla"
	case DeviceVulkan:
		return "vulkan"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// FromDevice returns the dispatch key that kernels for the provided
// device type are registered under. Only devices which can be
// overloaded at dispatch time have a key.
func FromDevice(d DeviceType) (Key, error) {
	switch d {
	case DeviceCPU:
		return CPU, nil
	case DeviceCUDA:
		return CUDA, nil
	case DeviceXLA:
		return XLA, nil
	case DeviceHIP:
		return HIP, nil
	case DeviceMSNPU:
		return MSNPU, nil
	}
	return Undefined, errors.E(errors.NotSupported,
		fmt.Sprintf("device type %s cannot be overloaded at dispatch time", d))
}
