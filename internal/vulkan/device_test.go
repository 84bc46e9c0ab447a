package vulkan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/foundry/internal/vulkan"
)

// Everything else in this package needs a live logical device, so coverage
// here is limited to the constructor guards. The real value of this file is
// that it puts the package in the test build at all.
func TestCreateDeviceRequiresLogicalDevice(t *testing.T) {
	require.Panics(t, func() {
		vulkan.CreateDevice(vulkan.CreateOptions{})
	})
}
