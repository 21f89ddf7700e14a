package dwarf

import (
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dwarfbridge/pkg/dwarfproto"
)

const (
	bootstrapTimeout    = 10 * time.Second
	masterLockTimeout   = 15 * time.Second
	clockSyncTimeout    = 5 * time.Second
	workingStateTimeout = 5 * time.Second

	focusPositionMax = 20000
)

// commandChannel is what the session needs from the websocket client.
type commandChannel interface {
	Connect() error
	Close() error
	Connected() bool
	OnNotification(handler NotificationHandler)
	SendRequest(moduleID, cmd uint32, req dwarfproto.Marshaler, resp dwarfproto.Unmarshaler,
		timeout time.Duration, alternates map[requestKey]dwarfproto.Unmarshaler) (any, error)
	SendAndCheck(moduleID, cmd uint32, req dwarfproto.Marshaler,
		timeout time.Duration, alternates map[requestKey]dwarfproto.Unmarshaler) (any, error)
}

// photoSource is the FTP retrieval surface the capture pipeline uses.
type photoSource interface {
	LatestEntry(kind CaptureKind, camera string) (*PhotoEntry, error)
	WaitForNewPhoto(baseline *PhotoEntry, timeout time.Duration, kind CaptureKind, camera string) (*PhotoFile, error)
	Close() error
}

// albumAPI is the HTTP surface: capability metadata plus the album
// fallback channel.
type albumAPI interface {
	GetDefaultParamsConfig() (*ParamsConfig, error)
	ListAlbum(mediaType, pageIndex, pageSize int) ([]AlbumItem, error)
	FetchMedia(devicePath string) ([]byte, error)
}

// Session owns one device connection and everything running over it.
// Devices (camera, focuser, telescope fronts) share it through
// ref-counted Acquire/Release; the connection and the master lock live
// as long as at least one holder remains.
type Session struct {
	cfg        Config
	logger     log.FieldLogger
	baseLogger log.FieldLogger

	ws   commandChannel
	ftp  photoSource
	http albumAPI

	// sleep and now are swappable so motion tests don't wait
	// wall-clock time.
	sleep func(d time.Duration)
	now   func() time.Time

	refsMu sync.Mutex
	refs   map[string]int

	lockMu       sync.Mutex
	masterLock   bool
	bootstrapped bool
	timeSynced   bool

	// cmdMu serializes commands so two controllers never interleave
	// request/alias registration on the channel.
	cmdMu sync.Mutex

	stateMu          sync.Mutex
	paramsConfig     *ParamsConfig
	resolver         *ExposureResolver
	temperature      float64
	temperatureAt    time.Time
	temperatureCode  int32
	lastUpdate       time.Time
	deviceResponding bool

	focusSignal   chan struct{}
	focusPosition int
	focuserMoving bool
	// waitFocus overrides the position-notification wait in tests.
	waitFocus func(timeout time.Duration) bool

	telescope telescopeState
	capture   captureState

	monitorMu   sync.Mutex
	monitorStop chan struct{}
}

// NewSession wires a session against a real device.
func NewSession(cfg Config, logger log.FieldLogger) *Session {
	s := newSession(cfg, logger)
	s.baseLogger = logger
	s.wireClients()
	return s
}

func (s *Session) wireClients() {
	ws := NewWSClient(s.cfg, s.baseLogger)
	s.ws = ws
	s.ftp = NewFTPClient(s.cfg, s.baseLogger)
	s.http = NewHTTPClient(s.cfg, s.baseLogger)
	ws.OnNotification(s.handleNotification)
}

// Reconfigure tears the connection down and points the session at a new
// device configuration. Holders keep their references; the next command
// reconnects against the new address.
func (s *Session) Reconfigure(cfg Config) {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	s.teardown()
	s.cfg = cfg
	if s.baseLogger != nil {
		s.wireClients()
	}
	s.stateMu.Lock()
	s.paramsConfig = nil
	s.resolver = nil
	s.stateMu.Unlock()
}

func newSession(cfg Config, logger log.FieldLogger) *Session {
	s := &Session{
		cfg:         cfg,
		logger:      logger.WithField("component", "session"),
		sleep:       time.Sleep,
		now:         time.Now,
		refs:        make(map[string]int),
		focusSignal: make(chan struct{}, 1),
	}
	s.telescope.axisPolarity = [2]float64{1, 1}
	return s
}

// Acquire registers a device holder and brings the connection up. The
// reference is rolled back when the connection cannot be established.
func (s *Session) Acquire(device string) error {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	s.refs[device]++
	if err := s.ensureWS(); err != nil {
		s.refs[device]--
		if s.refs[device] <= 0 {
			delete(s.refs, device)
		}
		return err
	}
	return nil
}

// Release drops a device holder. The last release tears the connection
// down and lets the master lock go.
func (s *Session) Release(device string) {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	if s.refs[device] > 0 {
		s.refs[device]--
	}
	if s.refs[device] == 0 {
		delete(s.refs, device)
	}
	if len(s.refs) == 0 {
		s.teardown()
	}
}

// Shutdown force-closes everything regardless of holders.
func (s *Session) Shutdown() {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	s.refs = make(map[string]int)
	s.teardown()
}

func (s *Session) teardown() {
	s.abortCaptureTask()
	s.stopTemperatureMonitor()
	s.releaseMasterLock()
	if err := s.ws.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing command channel")
	}
	if s.ftp != nil {
		_ = s.ftp.Close()
	}
}

// ensureWS connects if needed, then makes sure the master lock and the
// temperature monitor are in place. Callers hold refsMu or equivalent.
func (s *Session) ensureWS() error {
	wasConnected := s.ws.Connected()
	if !wasConnected {
		if err := s.ws.Connect(); err != nil {
			return err
		}
		s.lockMu.Lock()
		s.masterLock = false
		s.bootstrapped = false
		s.timeSynced = false
		s.lockMu.Unlock()
	}
	s.ensureMasterLock()
	s.startTemperatureMonitor()
	return nil
}

func hostSlaveAliases() map[requestKey]dwarfproto.Unmarshaler {
	return map[requestKey]dwarfproto.Unmarshaler{
		{uint32(dwarfproto.ModuleSystem), dwarfproto.CmdNotifyWsHostSlaveMode}: &dwarfproto.ResNotifyHostSlaveMode{},
		{uint32(dwarfproto.ModuleNotify), dwarfproto.CmdNotifyWsHostSlaveMode}: &dwarfproto.ResNotifyHostSlaveMode{},
	}
}

// sendChecked issues one command under the session command lock,
// mapping non-zero device codes to *CommandError.
func (s *Session) sendChecked(moduleID, cmd uint32, req dwarfproto.Marshaler,
	timeout time.Duration, alternates map[requestKey]dwarfproto.Unmarshaler) (any, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.ws.SendAndCheck(moduleID, cmd, req, timeout, alternates)
}

// sendRequest issues one command expecting a typed response body.
func (s *Session) sendRequest(moduleID, cmd uint32, req dwarfproto.Marshaler,
	resp dwarfproto.Unmarshaler, timeout time.Duration,
	alternates map[requestKey]dwarfproto.Unmarshaler) (any, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.ws.SendRequest(moduleID, cmd, req, resp, timeout, alternates)
}

// bootstrap runs the post-connect command sequence: poke the working
// state and open both camera streams. Any failure aborts the sequence;
// the session still tries to work without it.
func (s *Session) bootstrap() {
	if s.bootstrapped {
		return
	}
	steps := []struct {
		name     string
		moduleID uint32
		cmd      uint32
		req      dwarfproto.Marshaler
	}{
		{"working state", uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleGetSystemWorkingState, dwarfproto.Empty{}},
		{"open tele camera", uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleOpenCamera, &dwarfproto.ReqOpenCamera{}},
		{"open wide camera", uint32(dwarfproto.ModuleCameraWide), dwarfproto.CmdCameraWideOpenCamera, &dwarfproto.ReqOpenCamera{}},
	}
	for i, step := range steps {
		if i > 0 {
			s.sleep(200 * time.Millisecond)
		}
		_, err := s.sendChecked(step.moduleID, step.cmd, step.req, bootstrapTimeout, hostSlaveAliases())
		if err != nil {
			s.logger.WithError(err).WithField("step", step.name).Warn("Bootstrap step failed")
			return
		}
	}
	s.bootstrapped = true
}

// ensureMasterLock claims host control. Failures are logged and
// swallowed: the device may still accept commands, or another client
// may hand the lock over later.
func (s *Session) ensureMasterLock() {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.masterLock {
		return
	}
	s.bootstrap()

	res, err := s.sendChecked(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetMasterLock,
		&dwarfproto.ReqSetMasterLock{Lock: true}, masterLockTimeout, hostSlaveAliases())
	if err != nil {
		s.logger.WithError(err).Warn("Master lock request failed")
		return
	}
	switch answer := res.(type) {
	case *dwarfproto.ComResponse:
		s.masterLock = true
	case *dwarfproto.ResNotifyHostSlaveMode:
		if answer.Mode == 0 && answer.Lock {
			s.masterLock = true
		} else {
			s.logger.WithField("mode", answer.Mode).Warn("Device kept host control elsewhere")
		}
	}
	if s.masterLock {
		s.logger.Info("Master lock acquired")
		s.syncDeviceClock()
	}
}

func (s *Session) releaseMasterLock() {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.masterLock && s.ws.Connected() {
		_, err := s.sendChecked(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetMasterLock,
			&dwarfproto.ReqSetMasterLock{Lock: false}, masterLockTimeout, hostSlaveAliases())
		if err != nil {
			s.logger.WithError(err).Debug("Master lock release failed")
		}
	}
	s.masterLock = false
}

// syncDeviceClock pushes the local time and the timezone offset,
// rounded to the quarter hour the device expects. Called with lockMu
// held, right after the lock is won.
func (s *Session) syncDeviceClock() {
	if s.timeSynced {
		return
	}
	now := time.Now()
	_, offsetSeconds := now.Zone()
	offsetHours := float64(offsetSeconds) / 3600
	quarterHours := math.Round(offsetHours*4) / 4

	_, err := s.sendChecked(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetTime,
		&dwarfproto.ReqSetTime{Timestamp: uint64(now.Unix()), TimezoneOffset: quarterHours},
		clockSyncTimeout, hostSlaveAliases())
	if err != nil {
		s.logger.WithError(err).Warn("Device clock sync failed")
		return
	}
	s.timeSynced = true
	s.logger.WithField("offset_hours", quarterHours).Debug("Device clock synced")
}

// handleNotification consumes device push messages: focus position and
// temperature.
func (s *Session) handleNotification(packet *dwarfproto.WsPacket) {
	if packet.ModuleID != uint32(dwarfproto.ModuleNotify) {
		return
	}
	switch packet.Cmd {
	case dwarfproto.CmdNotifyFocus:
		var focus dwarfproto.ResNotifyFocus
		if err := focus.UnmarshalWire(packet.Data); err != nil {
			s.logger.WithError(err).Debug("Bad focus notification")
			return
		}
		position := int(focus.Focus)
		if position < 0 {
			position = 0
		} else if position > focusPositionMax {
			position = focusPositionMax
		}
		s.stateMu.Lock()
		s.focusPosition = position
		s.lastUpdate = time.Now()
		s.deviceResponding = true
		s.stateMu.Unlock()
		select {
		case s.focusSignal <- struct{}{}:
		default:
		}
	case dwarfproto.CmdNotifyTemperature:
		var temp dwarfproto.ResNotifyTemperature
		if err := temp.UnmarshalWire(packet.Data); err != nil {
			s.logger.WithError(err).Debug("Bad temperature notification")
			return
		}
		if temp.Code != 0 {
			s.logger.WithField("code", temp.Code).Warn("Temperature report flagged an error")
		}
		s.stateMu.Lock()
		s.temperature = float64(temp.Temperature)
		s.temperatureAt = time.Now()
		s.temperatureCode = temp.Code
		s.lastUpdate = time.Now()
		s.deviceResponding = true
		s.stateMu.Unlock()
	}
}

// startTemperatureMonitor keeps telemetry warm: when nothing has been
// heard for TemperatureStaleAfter it requests a working-state refresh,
// which makes the device re-emit its notification set.
func (s *Session) startTemperatureMonitor() {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if s.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	s.monitorStop = stop
	go s.temperatureMonitorLoop(stop)
}

func (s *Session) stopTemperatureMonitor() {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if s.monitorStop != nil {
		close(s.monitorStop)
		s.monitorStop = nil
	}
}

func (s *Session) temperatureMonitorLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.TemperatureRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !s.ws.Connected() {
			continue
		}
		s.stateMu.Lock()
		stale := s.lastUpdate.IsZero() || time.Since(s.lastUpdate) >= s.cfg.TemperatureStaleAfter
		s.stateMu.Unlock()
		if !stale {
			continue
		}
		_, err := s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleGetSystemWorkingState,
			dwarfproto.Empty{}, workingStateTimeout, hostSlaveAliases())
		if err != nil {
			s.logger.WithError(err).Debug("Telemetry refresh failed")
		}
	}
}

// ensureParamsConfig loads and caches the capability metadata.
func (s *Session) ensureParamsConfig() (*ParamsConfig, error) {
	s.stateMu.Lock()
	cached := s.paramsConfig
	s.stateMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	config, err := s.http.GetDefaultParamsConfig()
	if err != nil {
		return nil, fmt.Errorf("fetching params config: %w", err)
	}
	s.stateMu.Lock()
	s.paramsConfig = config
	s.stateMu.Unlock()
	return config, nil
}

// exposureResolver lazily builds the gear table from the capability
// metadata.
func (s *Session) exposureResolver() (*ExposureResolver, error) {
	s.stateMu.Lock()
	cached := s.resolver
	s.stateMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	config, err := s.ensureParamsConfig()
	if err != nil {
		return nil, err
	}
	resolver, err := NewExposureResolverFromConfig(config.Raw())
	if err != nil {
		return nil, err
	}
	s.stateMu.Lock()
	s.resolver = resolver
	s.stateMu.Unlock()
	return resolver, nil
}

// Snapshot is the periodic status view published over telemetry.
type Snapshot struct {
	Connected     bool      `json:"connected"`
	MasterLock    bool      `json:"master_lock"`
	Temperature   float64   `json:"temperature_c"`
	TemperatureAt time.Time `json:"temperature_at,omitempty"`
	FocusPosition int       `json:"focus_position"`
	FocuserMoving bool      `json:"focuser_moving"`
	Slewing       bool      `json:"slewing"`
	GotoTarget    string    `json:"goto_target,omitempty"`
	Exposing      bool      `json:"exposing"`
	LastError     string    `json:"last_error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.lockMu.Lock()
	lock := s.masterLock
	s.lockMu.Unlock()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Snapshot{
		Connected:     s.ws.Connected(),
		MasterLock:    lock,
		Temperature:   s.temperature,
		TemperatureAt: s.temperatureAt,
		FocusPosition: s.focusPosition,
		FocuserMoving: s.focuserMoving,
		Slewing:       s.telescope.slewing,
		GotoTarget:    s.telescope.gotoTarget,
		Exposing:      !s.capture.startTime.IsZero(),
		LastError:     s.capture.lastError,
	}
}
