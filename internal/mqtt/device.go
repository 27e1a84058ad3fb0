package mqtt

import (
	"runtime"

	"github.com/nugget/tether/internal/buildinfo"
)

// DeviceInfo describes this Tether instance. It is published retained
// to tether/<device>/device on every connect so subscribers can tell
// instances apart.
type DeviceInfo struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	SWVersion  string `json:"sw_version"`
	GitCommit  string `json:"git_commit,omitempty"`
	Platform   string `json:"platform"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		InstanceID: instanceID,
		Name:       deviceName,
		Model:      "Tether MCP Client",
		SWVersion:  buildinfo.Version,
		GitCommit:  buildinfo.GitCommit,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
