package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceType(t *testing.T) {
	assert.Equal(t, "mobile", DeviceType("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.Equal(t, "mobile", DeviceType("Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile"))
	assert.Equal(t, "tablet", DeviceType("Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)"))
	assert.Equal(t, "desktop", DeviceType("Mozilla/5.0 (Windows NT 10.0; Win64; x64)"))
	assert.Equal(t, "", DeviceType(""))
}

func TestOperatingSystem(t *testing.T) {
	assert.Equal(t, "Windows", OperatingSystem("Mozilla/5.0 (Windows NT 10.0)"))
	assert.Equal(t, "macOS", OperatingSystem("Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)"))
	assert.Equal(t, "iOS", OperatingSystem("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"))
	assert.Equal(t, "Android", OperatingSystem("Mozilla/5.0 (Linux; Android 14)"))
	assert.Equal(t, "Linux", OperatingSystem("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.Equal(t, "", OperatingSystem("curl/8.0"))
}
