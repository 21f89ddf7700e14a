package dwarfproto

import "google.golang.org/protobuf/encoding/protowire"

// WsPacket is the envelope wrapping every websocket exchange.
type WsPacket struct {
	MajorVersion uint32 // field 1
	MinorVersion uint32 // field 2
	DeviceID     uint32 // field 3
	ModuleID     uint32 // field 4
	Cmd          uint32 // field 5
	Type         uint32 // field 6
	Data         []byte // field 7
	ClientID     string // field 8
}

func (p *WsPacket) MarshalWire() []byte {
	var b []byte
	b = appendUint32Field(b, 1, p.MajorVersion)
	b = appendUint32Field(b, 2, p.MinorVersion)
	b = appendUint32Field(b, 3, p.DeviceID)
	b = appendUint32Field(b, 4, p.ModuleID)
	b = appendUint32Field(b, 5, p.Cmd)
	b = appendUint32Field(b, 6, p.Type)
	b = appendBytesField(b, 7, p.Data)
	b = appendStringField(b, 8, p.ClientID)
	return b
}

func (p *WsPacket) UnmarshalWire(data []byte) error {
	*p = WsPacket{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num >= 1 && num <= 6 && typ == protowire.VarintType:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				p.MajorVersion = uint32(v)
			case 2:
				p.MinorVersion = uint32(v)
			case 3:
				p.DeviceID = uint32(v)
			case 4:
				p.ModuleID = uint32(v)
			case 5:
				p.Cmd = uint32(v)
			case 6:
				p.Type = uint32(v)
			}
			return n, nil
		case num == 7 && typ == protowire.BytesType:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			p.Data = append([]byte(nil), v...)
			return n, nil
		case num == 8 && typ == protowire.BytesType:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			p.ClientID = string(v)
			return n, nil
		}
		return -1, nil
	})
}

// ComResponse is the generic acknowledgement carried by most
// request/response exchanges.
type ComResponse struct {
	Code int32 // field 1
}

func (m *ComResponse) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	return b
}

func (m *ComResponse) UnmarshalWire(data []byte) error {
	*m = ComResponse{}
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

// CommonParam describes one adjustable parameter value.
type CommonParam struct {
	HasAuto       bool    // field 1
	AutoMode      int32   // field 2
	ID            int32   // field 3
	ModeIndex     int32   // field 4
	Index         int32   // field 5
	ContinueValue float64 // field 6
}

func (m *CommonParam) MarshalWire() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.HasAuto)
	b = appendInt32Field(b, 2, m.AutoMode)
	b = appendInt32Field(b, 3, m.ID)
	b = appendInt32Field(b, 4, m.ModeIndex)
	b = appendInt32Field(b, 5, m.Index)
	b = appendDoubleField(b, 6, m.ContinueValue)
	return b
}

func (m *CommonParam) UnmarshalWire(data []byte) error {
	*m = CommonParam{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			m.HasAuto = v != 0
			return n, nil
		case (num == 2 || num == 3 || num == 4 || num == 5) && typ == protowire.VarintType:
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				m.AutoMode = int32(int64(v))
			case 3:
				m.ID = int32(int64(v))
			case 4:
				m.ModeIndex = int32(int64(v))
			case 5:
				m.Index = int32(int64(v))
			}
			return n, nil
		case num == 6 && typ == protowire.Fixed64Type:
			v, n, err := consumeDouble(field)
			if err != nil {
				return 0, err
			}
			m.ContinueValue = v
			return n, nil
		}
		return -1, nil
	})
}

// ReqMotorServiceJoystick drives both axes as one polar vector.
type ReqMotorServiceJoystick struct {
	VectorAngle  float64 // field 1, degrees
	VectorLength float64 // field 2, 0..1
	Speed        float64 // field 3, deg/s
}

func (m *ReqMotorServiceJoystick) MarshalWire() []byte {
	var b []byte
	b = appendDoubleField(b, 1, m.VectorAngle)
	b = appendDoubleField(b, 2, m.VectorLength)
	b = appendDoubleField(b, 3, m.Speed)
	return b
}

func (m *ReqMotorServiceJoystick) UnmarshalWire(data []byte) error {
	*m = ReqMotorServiceJoystick{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ == protowire.Fixed64Type && num >= 1 && num <= 3 {
			v, n, err := consumeDouble(field)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.VectorAngle = v
			case 2:
				m.VectorLength = v
			case 3:
				m.Speed = v
			}
			return n, nil
		}
		return -1, nil
	})
}

// ReqOpenCamera opens a camera stream.
type ReqOpenCamera struct {
	Binning        bool  // field 1
	RtspEncodeType int32 // field 2
}

func (m *ReqOpenCamera) MarshalWire() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.Binning)
	b = appendInt32Field(b, 2, m.RtspEncodeType)
	return b
}

// ReqSetFeatureParams applies one feature parameter.
type ReqSetFeatureParams struct {
	Param CommonParam // field 1
}

func (m *ReqSetFeatureParams) MarshalWire() []byte {
	var b []byte
	b = appendMessageField(b, 1, &m.Param)
	return b
}

// ReqSetIrCut switches the IR-cut filter.
type ReqSetIrCut struct {
	Value int32 // field 1
}

func (m *ReqSetIrCut) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Value)
	return b
}

// ResNotifyParam reports parameter values, pushed after a set command.
type ResNotifyParam struct {
	Params []CommonParam // field 1, repeated
}

func (m *ResNotifyParam) MarshalWire() []byte {
	var b []byte
	for i := range m.Params {
		b = appendMessageField(b, 1, &m.Params[i])
	}
	return b
}

func (m *ResNotifyParam) UnmarshalWire(data []byte) error {
	*m = ResNotifyParam{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			var p CommonParam
			if err := p.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.Params = append(m.Params, p)
			return n, nil
		}
		return -1, nil
	})
}

// ResNotifyFocus reports the focus motor position.
type ResNotifyFocus struct {
	Focus int32 // field 1
}

func (m *ResNotifyFocus) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Focus)
	return b
}

func (m *ResNotifyFocus) UnmarshalWire(data []byte) error {
	*m = ResNotifyFocus{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			m.Focus = int32(int64(v))
			return n, nil
		}
		return -1, nil
	})
}

// ResNotifyTemperature reports the sensor temperature in degrees C.
type ResNotifyTemperature struct {
	Code        int32 // field 1
	Temperature int32 // field 2
}

func (m *ResNotifyTemperature) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Code)
	b = appendInt32Field(b, 2, m.Temperature)
	return b
}

func (m *ResNotifyTemperature) UnmarshalWire(data []byte) error {
	*m = ResNotifyTemperature{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.Code = int32(int64(v))
			} else {
				m.Temperature = int32(int64(v))
			}
			return n, nil
		}
		return -1, nil
	})
}

// ReqSetExpMode selects auto or manual exposure.
type ReqSetExpMode struct {
	Mode int32 // field 1
}

func (m *ReqSetExpMode) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Mode)
	return b
}

// ReqSetExp selects an exposure gear index.
type ReqSetExp struct {
	Index int32 // field 1
}

func (m *ReqSetExp) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Index)
	return b
}

// ReqSetGainMode selects auto or manual gain.
type ReqSetGainMode struct {
	Mode int32 // field 1
}

func (m *ReqSetGainMode) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Mode)
	return b
}

// ReqSetGain selects a gain gear index.
type ReqSetGain struct {
	Index int32 // field 1
}

func (m *ReqSetGain) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Index)
	return b
}

// ReqGotoDSO points the mount at equatorial coordinates. RA is in
// degrees on the wire.
type ReqGotoDSO struct {
	RA         float64 // field 1
	Dec        float64 // field 2
	TargetName string  // field 3
}

func (m *ReqGotoDSO) MarshalWire() []byte {
	var b []byte
	b = appendDoubleField(b, 1, m.RA)
	b = appendDoubleField(b, 2, m.Dec)
	b = appendStringField(b, 3, m.TargetName)
	return b
}

func (m *ReqGotoDSO) UnmarshalWire(data []byte) error {
	*m = ReqGotoDSO{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case typ == protowire.Fixed64Type && (num == 1 || num == 2):
			v, n, err := consumeDouble(field)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.RA = v
			} else {
				m.Dec = v
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeBytes(field)
			if err != nil {
				return 0, err
			}
			m.TargetName = string(v)
			return n, nil
		}
		return -1, nil
	})
}

// ReqManualSingleStepFocus nudges focus one step. Direction 1 moves
// outward, 0 inward.
type ReqManualSingleStepFocus struct {
	Direction uint32 // field 1
}

func (m *ReqManualSingleStepFocus) MarshalWire() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.Direction)
	return b
}

// ReqManualContinuFocus starts a continuous focus sweep.
type ReqManualContinuFocus struct {
	Direction uint32 // field 1
}

func (m *ReqManualContinuFocus) MarshalWire() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.Direction)
	return b
}

// ReqSetTime sets the device clock.
type ReqSetTime struct {
	Timestamp      uint64  // field 1, unix seconds
	TimezoneOffset float64 // field 2, hours
}

func (m *ReqSetTime) MarshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.Timestamp)
	b = appendDoubleField(b, 2, m.TimezoneOffset)
	return b
}

// ReqSetMasterLock claims or releases host control of the device.
type ReqSetMasterLock struct {
	Lock bool // field 1
}

func (m *ReqSetMasterLock) MarshalWire() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.Lock)
	return b
}

// ResNotifyHostSlaveMode reports whether this client holds the master
// lock. Mode 0 with Lock set means host control.
type ResNotifyHostSlaveMode struct {
	Mode int32 // field 1
	Lock bool  // field 2
}

func (m *ResNotifyHostSlaveMode) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Mode)
	b = appendBoolField(b, 2, m.Lock)
	return b
}

func (m *ResNotifyHostSlaveMode) UnmarshalWire(data []byte) error {
	*m = ResNotifyHostSlaveMode{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.Mode = int32(int64(v))
			} else {
				m.Lock = v != 0
			}
			return n, nil
		}
		return -1, nil
	})
}

// ResCheckDarkFrame reports dark-frame library status.
type ResCheckDarkFrame struct {
	Progress int32 // field 1
	Code     int32 // field 2
}

func (m *ResCheckDarkFrame) MarshalWire() []byte {
	var b []byte
	b = appendInt32Field(b, 1, m.Progress)
	b = appendInt32Field(b, 2, m.Code)
	return b
}

func (m *ResCheckDarkFrame) UnmarshalWire(data []byte) error {
	*m = ResCheckDarkFrame{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n, err := consumeVarint(field)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.Progress = int32(int64(v))
			} else {
				m.Code = int32(int64(v))
			}
			return n, nil
		}
		return -1, nil
	})
}

// Empty is the zero-payload request body shared by parameterless
// commands (photo raw, close camera, stop goto, stop focus and the
// astro start/stop/go-live commands).
type Empty struct{}

func (Empty) MarshalWire() []byte { return nil }

func (*Empty) UnmarshalWire(data []byte) error { return nil }
