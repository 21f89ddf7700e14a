// Package dwarf drives a DWARF 3 telescope over its Wi-Fi control
// plane: a websocket command channel, HTTP configuration/album
// endpoints and an anonymous FTP share for captured frames. The Session
// type owns connection lifecycle and exposes camera, focuser and
// telescope operations on top of it.
package dwarf

import "time"

// Config collects every tunable of a device session. DefaultConfig
// matches the device's factory AP configuration.
type Config struct {
	// DeviceIP is the device address, either its AP address or the
	// station address obtained by provisioning.
	DeviceIP string

	HTTPPort int // configuration + album API
	JpegPort int // media file downloads
	WsPort   int
	FtpPort  int

	ClientID string

	HTTPTimeout  time.Duration
	HTTPRetries  int
	FtpTimeout   time.Duration
	FtpPollEvery time.Duration

	// TemperatureRefreshEvery is how often the monitor checks telemetry
	// freshness; TemperatureStaleAfter is the age that triggers a
	// working-state refresh request.
	TemperatureRefreshEvery time.Duration
	TemperatureStaleAfter   time.Duration

	// GoLiveBeforeExposure switches the device back to live view before
	// a light exposure starts.
	GoLiveBeforeExposure bool
	GoLiveTimeout        time.Duration

	// AllowContinueWithoutDarks turns a missing dark-frame library into
	// a soft failure instead of an error.
	AllowContinueWithoutDarks bool
	DarkCheckTimeout          time.Duration

	// GotoValidFor is how recent a goto must be for an astro capture to
	// start without a pointing warning.
	GotoValidFor       time.Duration
	GotoCommandTimeout time.Duration

	// AutoCalibrateOnSlew runs plate-solve calibration before a goto
	// when the last calibration is stale or was done against a
	// different device address.
	AutoCalibrateOnSlew bool
	CalibrationValidFor time.Duration
	CalibrationTimeout  time.Duration

	// FocuserTargetTolerance is the step distance treated as "close
	// enough" when chasing a target position.
	FocuserTargetTolerance int

	BlePassword        string
	BleResponseTimeout time.Duration
	ProvisionTimeout   time.Duration
}

const defaultClientID = "0000DAF3-0000-1000-8000-00805F9B34FB"

func DefaultConfig() Config {
	return Config{
		DeviceIP: "192.168.88.1",
		HTTPPort: 8082,
		JpegPort: 8092,
		WsPort:   9900,
		FtpPort:  21,
		ClientID: defaultClientID,

		HTTPTimeout:  5 * time.Second,
		HTTPRetries:  3,
		FtpTimeout:   10 * time.Second,
		FtpPollEvery: time.Second,

		TemperatureRefreshEvery: 5 * time.Second,
		TemperatureStaleAfter:   20 * time.Second,

		GoLiveBeforeExposure: true,
		GoLiveTimeout:        5 * time.Second,

		AllowContinueWithoutDarks: true,
		DarkCheckTimeout:          5 * time.Second,

		GotoValidFor:       5 * time.Minute,
		GotoCommandTimeout: 30 * time.Second,

		AutoCalibrateOnSlew: true,
		CalibrationValidFor: 15 * time.Minute,
		CalibrationTimeout:  60 * time.Second,

		FocuserTargetTolerance: 5,

		BlePassword:        "",
		BleResponseTimeout: 15 * time.Second,
		ProvisionTimeout:   120 * time.Second,
	}
}
