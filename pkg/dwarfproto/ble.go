package dwarfproto

import "google.golang.org/protobuf/encoding/protowire"

// BLE command ids carried in the provisioning frame header. Responses
// reuse the id of the request they answer; id 0 signals a receive error.
const (
	BleCmdReceiveDataError byte = 0
	BleCmdGetConfig        byte = 1
	BleCmdAp               byte = 2
	BleCmdSta              byte = 3
	BleCmdSetBleWifi       byte = 4
	BleCmdReset            byte = 5
	BleCmdWifiList         byte = 6
	BleCmdGetSystemInfo    byte = 7
	BleCmdCheckFile        byte = 8
)

// Wi-Fi states reported by ResGetconfig.
const (
	BleWifiStateIdle       int32 = 0
	BleWifiStateConnecting int32 = 1
	BleWifiStateConnected  int32 = 2
)

// BleWifiModeSta is the station (client) Wi-Fi mode.
const BleWifiModeSta int32 = 2

// ReqBleGetConfig asks for the current Wi-Fi configuration.
type ReqBleGetConfig struct {
	Cmd    int32  // field 1
	BlePsd string // field 2
}

func (m *ReqBleGetConfig) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Cmd)
	b = appendStringField(b, 2, m.BlePsd)
	return b
}

// ReqBleSta asks the device to join a Wi-Fi network as a station.
type ReqBleSta struct {
	Cmd       int32  // field 1
	AutoStart int32  // field 2
	BlePsd    string // field 3
	Ssid      string // field 4
	Psd       string // field 5
}

func (m *ReqBleSta) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Cmd)
	b = appendInt32Field(b, 2, m.AutoStart)
	b = appendStringField(b, 3, m.BlePsd)
	b = appendStringField(b, 4, m.Ssid)
	b = appendStringField(b, 5, m.Psd)
	return b
}

func (m *ReqBleSta) UnmarshalWire(data []byte) error {
	*m = ReqBleSta{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && (num == 1 || num == 2):
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.Cmd = int32(int64(v))
			} else {
				m.AutoStart = int32(int64(v))
			}
			return n, nil
		case typ == protowire.BytesType && num >= 3 && num <= 5:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				m.BlePsd = string(v)
			case 4:
				m.Ssid = string(v)
			case 5:
				m.Psd = string(v)
			}
			return n, nil
		}
		return -1, nil
	})
}

// ReqBleReset asks the device to drop its Wi-Fi configuration.
type ReqBleReset struct {
	Cmd int32 // field 1
}

func (m *ReqBleReset) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Cmd)
	return b
}

// ReqBleGetWifiList asks for the networks the device can see.
type ReqBleGetWifiList struct {
	Cmd int32 // field 1
}

func (m *ReqBleGetWifiList) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Cmd)
	return b
}

// ResBleError is the cmd-0 payload sent when the device rejects a frame.
type ResBleError struct {
	Code int32 // field 1
}

func (m *ResBleError) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	return b
}

func (m *ResBleError) UnmarshalWire(data []byte) error {
	*m = ResBleError{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			m.Code = int32(int64(v))
			return n, nil
		}
		return -1, nil
	})
}

// ResBleGetConfig reports the device's Wi-Fi state.
type ResBleGetConfig struct {
	Code     int32  // field 1
	State    int32  // field 2
	WifiMode int32  // field 3
	Ssid     string // field 4
	Ip       string // field 5
}

func (m *ResBleGetConfig) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	b = appendInt32Field(b, 2, m.State)
	b = appendInt32Field(b, 3, m.WifiMode)
	b = appendStringField(b, 4, m.Ssid)
	b = appendStringField(b, 5, m.Ip)
	return b
}

func (m *ResBleGetConfig) UnmarshalWire(data []byte) error {
	*m = ResBleGetConfig{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num >= 1 && num <= 3:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.Code = int32(int64(v))
			case 2:
				m.State = int32(int64(v))
			case 3:
				m.WifiMode = int32(int64(v))
			}
			return n, nil
		case typ == protowire.BytesType && (num == 4 || num == 5):
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			if num == 4 {
				m.Ssid = string(v)
			} else {
				m.Ip = string(v)
			}
			return n, nil
		}
		return -1, nil
	})
}

// ResBleSta acknowledges a station join attempt.
type ResBleSta struct {
	Code int32  // field 1
	Ip   string // field 2
}

func (m *ResBleSta) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	b = appendStringField(b, 2, m.Ip)
	return b
}

func (m *ResBleSta) UnmarshalWire(data []byte) error {
	*m = ResBleSta{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			m.Code = int32(int64(v))
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			m.Ip = string(v)
			return n, nil
		}
		return -1, nil
	})
}

// ResBleWifiList lists the SSIDs the device can see.
type ResBleWifiList struct {
	Code  int32    // field 1
	Ssids []string // field 2, repeated
}

func (m *ResBleWifiList) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	for _, s := range m.Ssids {
		b = appendStringField(b, 2, s)
	}
	return b
}

func (m *ResBleWifiList) UnmarshalWire(data []byte) error {
	*m = ResBleWifiList{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			m.Code = int32(int64(v))
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			m.Ssids = append(m.Ssids, string(v))
			return n, nil
		}
		return -1, nil
	})
}
