// Package kernel opens the backend a configuration names
package kernel

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/quiver/config"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/kernel/kgsl"
	"github.com/vkngwrapper/quiver/kernel/msm"
	"github.com/vkngwrapper/quiver/kernel/virtio"
	"golang.org/x/exp/slog"
)

// Open opens the backend selected by options.Backend at options.DevicePath
func Open(logger *slog.Logger, options config.Options) (device.Kernel, error) {
	switch options.Backend {
	case "msm":
		return msm.Open(logger, options.DevicePath, msm.Options{UserspaceIOVA: true})
	case "kgsl":
		path := options.DevicePath
		if path == "" {
			path = kgsl.DefaultPath
		}
		return kgsl.Open(logger, path)
	case "virtio":
		path := options.DevicePath
		if path == "" {
			path = virtio.DefaultPath
		}
		return virtio.Open(logger, path, virtio.Options{
			RequestBufferSize: options.VirtioRequestBufferSize,
			ResponseSlots:     options.VirtioResponseSlots,
			NoBatch:           options.DebugFlags()&config.DebugNoBatch != 0,
		})
	}
	return nil, errors.Newf("unknown backend %q", options.Backend)
}

// OpenDevice opens the configured backend and wraps it in a device
func OpenDevice(logger *slog.Logger, options config.Options) (*device.Device, error) {
	k, err := Open(logger, options)
	if err != nil {
		return nil, err
	}

	dev, err := device.New(logger, k, options)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	return dev, nil
}
