package kernel_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/quiver/config"
	"github.com/vkngwrapper/quiver/kernel"
	"golang.org/x/exp/slog"
)

func TestOpenMissingNode(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "renderD200")

	for _, backend := range []string{"msm", "kgsl", "virtio"} {
		options := config.Defaults()
		options.Backend = backend
		options.DevicePath = missing

		_, err := kernel.OpenDevice(slog.Default(), options)
		require.ErrorContains(t, err, missing, backend)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	options := config.Defaults()
	options.Backend = "amdgpu"

	_, err := kernel.Open(slog.Default(), options)
	require.ErrorContains(t, err, "amdgpu")
}
