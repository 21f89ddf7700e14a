// Package dwarfproto implements the binary control-plane protocol spoken by
// DWARF 3 telescopes: the websocket envelope, the per-command payload
// messages and the BLE provisioning messages. Payloads are protobuf wire
// format; messages are marshalled by hand with encoding/protowire so the
// schema lives next to the commands that use it.
package dwarfproto

// ModuleID identifies a device subsystem. Together with a command id it
// forms the correlation key for every request, response and notification.
type ModuleID uint32

const (
	ModuleCameraTele ModuleID = 1
	ModuleCameraWide ModuleID = 2
	ModuleAstro      ModuleID = 3
	ModuleSystem     ModuleID = 4
	ModuleRGBPower   ModuleID = 5
	ModuleMotor      ModuleID = 6
	ModuleTrack      ModuleID = 7
	ModuleFocus      ModuleID = 8
	ModuleNotify     ModuleID = 9
)

// Command ids, grouped in the vendor's per-module numbering blocks.
const (
	CmdCameraTeleOpenCamera            uint32 = 10000
	CmdCameraTeleCloseCamera           uint32 = 10001
	CmdCameraTelePhotoRaw              uint32 = 10002
	CmdCameraTeleSetExpMode            uint32 = 10003
	CmdCameraTeleSetExp                uint32 = 10004
	CmdCameraTeleSetGainMode           uint32 = 10005
	CmdCameraTeleSetGain               uint32 = 10006
	CmdCameraTeleSetIRCut              uint32 = 10007
	CmdCameraTeleSetFeatureParam       uint32 = 10008
	CmdCameraTeleGetSystemWorkingState uint32 = 10009

	CmdAstroStartCalibration            uint32 = 11000
	CmdAstroStopCalibration             uint32 = 11001
	CmdAstroStartGotoDSO                uint32 = 11002
	CmdAstroStartGotoSolarSystem        uint32 = 11003
	CmdAstroStopGoto                    uint32 = 11004
	CmdAstroStartCaptureRawLiveStacking uint32 = 11005
	CmdAstroStopCaptureRawLiveStacking  uint32 = 11006
	CmdAstroCheckGotDark                uint32 = 11007
	CmdAstroGoLive                      uint32 = 11010

	CmdCameraWideOpenCamera  uint32 = 12000
	CmdCameraWideCloseCamera uint32 = 12001

	CmdSystemSetTime       uint32 = 13000
	CmdSystemSetTimezone   uint32 = 13001
	CmdSystemSetMasterLock uint32 = 13004

	CmdStepMotorServiceJoystick     uint32 = 14006
	CmdStepMotorServiceJoystickStop uint32 = 14008

	CmdFocusManualSingleStepFocus   uint32 = 15001
	CmdFocusStartManualContinuFocus uint32 = 15002
	CmdFocusStopManualContinuFocus  uint32 = 15003

	CmdNotifyTeleSetParam      uint32 = 15204
	CmdNotifyWsHostSlaveMode   uint32 = 15210
	CmdNotifyTemperature       uint32 = 15214
	CmdNotifyFocus             uint32 = 15224
)

// Envelope type tags.
const (
	TypeRequest              uint32 = 0
	TypeRequestResponse      uint32 = 1
	TypeNotification         uint32 = 2
	TypeNotificationResponse uint32 = 3
)

// Device status codes carried in ComResponse.Code.
const (
	CodeOK                 int32 = 0
	CodeAstroFunctionBusy  int32 = -11501
	CodeAstroNeedGoto      int32 = -11502
	CodeAstroGotoFailed    int32 = -11503
	CodeAstroDarkNotFound  int32 = -11504
)

// Photo modes for ReqSetExpMode / ReqSetGainMode.
const (
	PhotoModeAuto   int32 = 0
	PhotoModeManual int32 = 1
)
