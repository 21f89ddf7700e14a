package ble

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dwarfbridge/pkg/dwarfproto"
)

// DefaultAPIP is the device's own access-point address. A station IP
// equal to this means the device has not joined the requested network.
const DefaultAPIP = "192.168.88.1"

// ProvisioningError reports a handshake rejected by the device.
type ProvisioningError struct {
	Msg  string
	Code int32
}

func (e *ProvisioningError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Msg, e.Code)
	}
	return e.Msg
}

// Transport carries provisioning frames to the device. Incoming
// notifications are fed to Provisioner.HandleNotification by the
// transport owner.
type Transport interface {
	WriteFrame(data []byte) error
}

// Provisioner runs the Wi-Fi onboarding handshake over a frame
// transport. It is transport agnostic so the handshake can be tested
// without a radio.
type Provisioner struct {
	transport       Transport
	logger          log.FieldLogger
	blePassword     string
	responseTimeout time.Duration

	frames chan Frame
}

func NewProvisioner(transport Transport, blePassword string, responseTimeout time.Duration, logger log.FieldLogger) *Provisioner {
	if blePassword == "" {
		blePassword = DefaultBlePassword
	}
	if responseTimeout <= 0 {
		responseTimeout = 15 * time.Second
	}
	return &Provisioner{
		transport:       transport,
		logger:          logger.WithField("component", "ble"),
		blePassword:     blePassword,
		responseTimeout: responseTimeout,
		frames:          make(chan Frame, 16),
	}
}

// HandleNotification parses one GATT notification and queues it for the
// handshake loop. Malformed frames are logged and dropped.
func (p *Provisioner) HandleNotification(data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		p.logger.WithError(err).Warn("Dropping malformed notification")
		return
	}
	select {
	case p.frames <- frame:
	default:
		p.logger.Warn("Notification queue full, dropping frame")
	}
}

func (p *Provisioner) write(cmd byte, payload dwarfproto.Marshaler) error {
	return p.transport.WriteFrame(BuildFrame(cmd, payload.MarshalWire()))
}

// await blocks until a frame with one of the wanted commands arrives.
// Frames with other commands are ignored; the wait never extends past
// the handshake deadline.
func (p *Provisioner) await(deadline time.Time, wanted ...byte) (Frame, error) {
	for {
		timeout := time.Until(deadline)
		if timeout > p.responseTimeout {
			timeout = p.responseTimeout
		}
		if timeout <= 0 {
			return Frame{}, &ProvisioningError{Msg: "timed out waiting for device response"}
		}
		select {
		case frame := <-p.frames:
			for _, cmd := range wanted {
				if frame.Cmd == cmd {
					return frame, nil
				}
			}
			p.logger.WithField("cmd", frame.Cmd).Debug("Ignoring unexpected frame")
		case <-time.After(timeout):
			return Frame{}, &ProvisioningError{Msg: "timed out waiting for device response"}
		}
	}
}

func (p *Provisioner) getConfig(deadline time.Time) (*dwarfproto.ResBleGetConfig, error) {
	req := dwarfproto.ReqBleGetConfig{Cmd: int32(dwarfproto.BleCmdGetConfig), BlePsd: p.blePassword}
	if err := p.write(dwarfproto.BleCmdGetConfig, &req); err != nil {
		return nil, fmt.Errorf("writing getconfig: %w", err)
	}
	frame, err := p.await(deadline, dwarfproto.BleCmdReceiveDataError, dwarfproto.BleCmdGetConfig)
	if err != nil {
		return nil, err
	}
	if frame.Cmd == dwarfproto.BleCmdReceiveDataError {
		return nil, receiveError(frame)
	}
	var config dwarfproto.ResBleGetConfig
	if err := config.UnmarshalWire(frame.Payload); err != nil {
		return nil, fmt.Errorf("decoding getconfig response: %w", err)
	}
	if config.Code != 0 {
		return nil, &ProvisioningError{Msg: "device rejected configuration query", Code: config.Code}
	}
	return &config, nil
}

func staIPValid(ip string) bool {
	return ip != "" && ip != DefaultAPIP
}

// Provision joins the device to the given Wi-Fi network and returns its
// station IP. If the device already holds a valid station configuration
// for the same SSID no join command is sent.
func (p *Provisioner) Provision(ssid, password string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	config, err := p.getConfig(deadline)
	if err != nil {
		return "", err
	}

	if config.State == dwarfproto.BleWifiStateConnected &&
		config.WifiMode == dwarfproto.BleWifiModeSta &&
		config.Ssid == ssid && staIPValid(config.Ip) {
		p.logger.WithField("ip", config.Ip).Info("Device already provisioned")
		return config.Ip, nil
	}

	autoStart := int32(1)
	if config.State == dwarfproto.BleWifiStateConnected {
		autoStart = 0
	}
	sta := dwarfproto.ReqBleSta{
		Cmd:       int32(dwarfproto.BleCmdSta),
		AutoStart: autoStart,
		BlePsd:    p.blePassword,
		Ssid:      ssid,
		Psd:       password,
	}
	if err := p.write(dwarfproto.BleCmdSta, &sta); err != nil {
		return "", fmt.Errorf("writing sta request: %w", err)
	}

	ip := ""
	for ip == "" {
		frame, err := p.await(deadline,
			dwarfproto.BleCmdReceiveDataError, dwarfproto.BleCmdGetConfig, dwarfproto.BleCmdSta)
		if err != nil {
			return "", err
		}
		switch frame.Cmd {
		case dwarfproto.BleCmdReceiveDataError:
			return "", receiveError(frame)
		case dwarfproto.BleCmdSta:
			var res dwarfproto.ResBleSta
			if err := res.UnmarshalWire(frame.Payload); err != nil {
				return "", fmt.Errorf("decoding sta response: %w", err)
			}
			if res.Code != 0 {
				return "", &ProvisioningError{Msg: "device failed to join network", Code: res.Code}
			}
			if staIPValid(res.Ip) {
				ip = res.Ip
				break
			}
			// Joined but no address yet; poll the config until the
			// DHCP lease shows up.
			req := dwarfproto.ReqBleGetConfig{Cmd: int32(dwarfproto.BleCmdGetConfig), BlePsd: p.blePassword}
			if err := p.write(dwarfproto.BleCmdGetConfig, &req); err != nil {
				return "", fmt.Errorf("writing getconfig: %w", err)
			}
		case dwarfproto.BleCmdGetConfig:
			var config dwarfproto.ResBleGetConfig
			if err := config.UnmarshalWire(frame.Payload); err != nil {
				return "", fmt.Errorf("decoding getconfig response: %w", err)
			}
			if config.State == dwarfproto.BleWifiStateConnected &&
				config.WifiMode == dwarfproto.BleWifiModeSta && staIPValid(config.Ip) {
				ip = config.Ip
			}
		}
	}
	if ip == "" {
		return "", &ProvisioningError{Msg: "device reported no station address"}
	}
	p.logger.WithField("ip", ip).Info("Device provisioned")
	return ip, nil
}

// WifiList returns the SSIDs visible to the device.
func (p *Provisioner) WifiList(timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)

	if _, err := p.getConfig(deadline); err != nil {
		return nil, err
	}

	req := dwarfproto.ReqBleGetWifiList{Cmd: int32(dwarfproto.BleCmdWifiList)}
	if err := p.write(dwarfproto.BleCmdWifiList, &req); err != nil {
		return nil, fmt.Errorf("writing wifi list request: %w", err)
	}
	frame, err := p.await(deadline, dwarfproto.BleCmdReceiveDataError, dwarfproto.BleCmdWifiList)
	if err != nil {
		return nil, err
	}
	if frame.Cmd == dwarfproto.BleCmdReceiveDataError {
		return nil, receiveError(frame)
	}
	var list dwarfproto.ResBleWifiList
	if err := list.UnmarshalWire(frame.Payload); err != nil {
		return nil, fmt.Errorf("decoding wifi list: %w", err)
	}
	if list.Code != 0 {
		return nil, &ProvisioningError{Msg: "device rejected wifi list request", Code: list.Code}
	}
	return list.Ssids, nil
}

func receiveError(frame Frame) error {
	var res dwarfproto.ResBleError
	if err := res.UnmarshalWire(frame.Payload); err != nil {
		return &ProvisioningError{Msg: "device rejected frame"}
	}
	return &ProvisioningError{Msg: "device rejected frame", Code: res.Code}
}
