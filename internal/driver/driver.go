// Package driver defines the boundary to the external plotting driver.
package driver

import "context"

// DeviceInfo is reported by the device during the connect handshake
type DeviceInfo struct {
	Firmware string `json:"firmware"`
	Software string `json:"software"`
	Nickname string `json:"nickname,omitempty"`
	Port     string `json:"port,omitempty"`
}

// Outcome is the result of a Draw call
type Outcome struct {
	// Artifact is the regenerated source encoding how much has been drawn
	Artifact []byte
	Paused   bool
	DrawnMM  float64
	Report   string
}

// Driver is one session with the plotting device. Draw blocks until the
// artifact is done or a pause takes effect.
type Driver interface {
	Connect(ctx context.Context) (*DeviceInfo, error)
	Disconnect() error
	Options() *Options
	Prepare(artifact []byte) error
	Draw(ctx context.Context) (*Outcome, error)
	RequestPause()
}

// Factory creates a fresh driver session
type Factory func() Driver
