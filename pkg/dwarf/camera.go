package dwarf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"dwarfbridge/pkg/dwarfproto"
)

const (
	captureCamera = "TELE"

	maxGainIndex = 255

	albumPollEvery = 750 * time.Millisecond
)

// Capture state error markers, surfaced through CameraLastError.
const (
	captureErrDarkMissing    = "dark_missing"
	captureErrFTPTimeout     = "ftp_timeout"
	captureErrFTPDecode      = "ftp_decode_failed"
	captureErrAlbumTimeout   = "album_timeout"
	captureErrAlbumDownload  = "album_download_failed"
	captureErrAlbumDecode    = "decode_failed"
	captureErrAlbumNoFile    = "album_missing_file"
	captureErrAstroBusy      = "astro_busy"
	captureErrAborted        = "aborted"
)

type captureState struct {
	mode      CaptureKind
	frames    int
	duration  time.Duration
	light     bool
	startTime time.Time

	image   *Frame
	imageAt time.Time

	lastError string

	exposureIndex   *int
	gainIndex       *int
	filterLabel     string
	requestedFilter string

	requestedGain   int
	requestedFrames int
	binning         bool

	ftpBaseline   *PhotoEntry
	albumBaseline *AlbumItem
	lastAlbumItem *AlbumItem

	cancel context.CancelFunc
	done   chan struct{}
}

func teleParamAliases() map[requestKey]dwarfproto.Unmarshaler {
	return map[requestKey]dwarfproto.Unmarshaler{
		{uint32(dwarfproto.ModuleNotify), dwarfproto.CmdNotifyTeleSetParam}: &dwarfproto.ResNotifyParam{},
	}
}

// CameraSetGain stores the gain index to apply on the next exposure.
func (s *Session) CameraSetGain(gain int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.capture.requestedGain = gain
}

// CameraGain returns the applied gain, or the requested one before the
// first exposure.
func (s *Session) CameraGain() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.capture.gainIndex != nil {
		return *s.capture.gainIndex
	}
	return s.capture.requestedGain
}

// CameraSetFrameCount stores how many raw frames the device stacks per
// exposure.
func (s *Session) CameraSetFrameCount(frames int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.capture.requestedFrames = frames
}

// CameraSetBinning selects 2x2 binning for the next exposure.
func (s *Session) CameraSetBinning(binning bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.capture.binning = binning
}

// CameraLastError returns the marker of the last capture failure, empty
// when the last capture succeeded or none ran yet.
func (s *Session) CameraLastError() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.capture.lastError
}

// CameraImageReady reports whether a decoded frame is waiting.
func (s *Session) CameraImageReady() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.capture.image != nil
}

// CameraImage returns the decoded frame of the last capture.
func (s *Session) CameraImage() (*Frame, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.capture.image, s.capture.image != nil
}

// CameraExposing reports whether a capture is running.
func (s *Session) CameraExposing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return !s.capture.startTime.IsZero()
}

// CameraStartExposure runs the full capture pipeline: apply exposure,
// gain and filter settings, check dark-frame readiness for light
// frames, configure and start the astro stacking capture, then fetch
// the result in the background (FTP first, album fallback).
// continueWithoutDarks overrides the configured policy for this call;
// nil keeps the configured default.
func (s *Session) CameraStartExposure(duration time.Duration, light bool,
	continueWithoutDarks *bool) error {

	if duration <= 0 {
		return fmt.Errorf("invalid exposure duration %s", duration)
	}
	allowWithoutDarks := s.cfg.AllowContinueWithoutDarks
	if continueWithoutDarks != nil {
		allowWithoutDarks = *continueWithoutDarks
	}
	s.abortCaptureTask()

	s.stateMu.Lock()
	frames := s.capture.requestedFrames
	if frames < 1 {
		frames = 1
	}
	s.capture.mode = CaptureAstro
	s.capture.frames = frames
	s.capture.duration = duration
	s.capture.light = light
	s.capture.image = nil
	s.capture.lastError = ""
	s.capture.startTime = s.now()
	s.stateMu.Unlock()

	fail := func(err error) error {
		s.stateMu.Lock()
		s.capture.startTime = time.Time{}
		s.stateMu.Unlock()
		return err
	}

	if err := s.ensureWS(); err != nil {
		return fail(err)
	}
	s.ensureExposureSettings(duration)
	s.ensureGainSettings()
	s.ensureFilterSettings()

	commandTimeout := duration + 10*time.Second
	if commandTimeout < 20*time.Second {
		commandTimeout = 20 * time.Second
	}

	if light && s.cfg.GoLiveBeforeExposure {
		s.goLive()
	}
	if light {
		ready, err := s.checkDarkFrames(allowWithoutDarks)
		if err != nil {
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				s.setCaptureError(fmt.Sprintf("dark_check_error:%d", cmdErr.Code))
			}
			return fail(err)
		}
		if !ready {
			// The device has no dark library: capture anyway, the
			// warning tag stays on the state.
			s.setCaptureError(captureErrDarkMissing)
			s.logger.WithField("duration", duration).
				Warn("Dark frame library missing, capturing without darks")
		}
		if !s.lastGotoRecent() {
			s.logger.Warn("No recent goto, pointing may be uncalibrated")
		}
	}

	s.configureAstroCapture(frames)
	s.refreshCaptureBaseline()

	if err := s.startAstroCapture(commandTimeout); err != nil {
		return fail(err)
	}

	s.stateMu.Lock()
	if s.capture.lastError != captureErrDarkMissing {
		s.capture.lastError = ""
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.capture.cancel = cancel
	s.capture.done = done
	mode := s.capture.mode
	s.stateMu.Unlock()

	go func() {
		defer close(done)
		s.fetchCapture(ctx, duration, mode)
	}()
	return nil
}

// CameraAbortExposure cancels the running capture and discards its
// frame.
func (s *Session) CameraAbortExposure() error {
	s.abortCaptureTask()

	s.stateMu.Lock()
	mode := s.capture.mode
	s.capture.image = nil
	s.capture.startTime = time.Time{}
	s.capture.lastError = captureErrAborted
	s.stateMu.Unlock()

	if mode == CaptureAstro {
		s.stopAstroCapture()
	}
	return nil
}

// abortCaptureTask cancels the background fetch, if any, and waits for
// it to wind down.
func (s *Session) abortCaptureTask() {
	s.stateMu.Lock()
	cancel := s.capture.cancel
	done := s.capture.done
	s.capture.cancel = nil
	s.capture.done = nil
	s.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ensureExposureSettings maps the duration to a gear index and applies
// it when it differs from the one already set. Failures are logged; the
// capture may still work with the previous setting.
func (s *Session) ensureExposureSettings(duration time.Duration) {
	resolver, err := s.exposureResolver()
	if err != nil {
		s.logger.WithError(err).Warn("No exposure table, using device defaults")
		return
	}
	index, seconds := resolver.ChooseIndex(duration.Seconds())

	s.stateMu.Lock()
	applied := s.capture.exposureIndex
	s.stateMu.Unlock()
	if applied != nil && *applied == index {
		return
	}

	_, err = s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetExpMode,
		&dwarfproto.ReqSetExpMode{Mode: dwarfproto.PhotoModeManual}, focusCommandTimeout, teleParamAliases())
	if err != nil {
		s.logger.WithError(err).Warn("Setting manual exposure mode failed")
		return
	}
	_, err = s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetExp,
		&dwarfproto.ReqSetExp{Index: int32(index)}, focusCommandTimeout, teleParamAliases())
	if err != nil {
		s.logger.WithError(err).Warn("Setting exposure index failed")
		return
	}
	s.stateMu.Lock()
	s.capture.exposureIndex = &index
	s.stateMu.Unlock()
	s.logger.WithField("index", index).WithField("seconds", seconds).Debug("Exposure applied")
}

// ensureGainSettings applies the requested gain when it changed.
func (s *Session) ensureGainSettings() {
	s.stateMu.Lock()
	requested := s.capture.requestedGain
	applied := s.capture.gainIndex
	s.stateMu.Unlock()

	gain := int(math.Round(float64(requested)))
	if gain < 0 {
		gain = 0
	} else if gain > maxGainIndex {
		gain = maxGainIndex
	}
	if applied != nil && *applied == gain {
		return
	}

	_, err := s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetGainMode,
		&dwarfproto.ReqSetGainMode{Mode: dwarfproto.PhotoModeManual}, focusCommandTimeout, teleParamAliases())
	if err != nil {
		s.logger.WithError(err).Debug("Setting manual gain mode failed")
	}
	_, err = s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetGain,
		&dwarfproto.ReqSetGain{Index: int32(gain)}, focusCommandTimeout, teleParamAliases())
	if err != nil {
		s.logger.WithError(err).Warn("Setting gain failed")
		return
	}
	s.stateMu.Lock()
	s.capture.gainIndex = &gain
	s.stateMu.Unlock()
}

// checkDarkFrames queries the dark-frame library before a light frame.
// Reports whether the library is ready; a missing library returns
// (false, nil) when capturing without darks is allowed, so the caller
// tags the state and carries on. Only an explicit missing or unexpected
// code with the fallback disallowed is an error.
func (s *Session) checkDarkFrames(allowWithoutDarks bool) (bool, error) {
	timeout := s.cfg.DarkCheckTimeout
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := s.sendRequest(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroCheckGotDark,
		dwarfproto.Empty{}, &dwarfproto.ResCheckDarkFrame{}, timeout, nil)
	if err != nil {
		// An unanswered check is inconclusive.
		s.logger.WithError(err).Warn("Dark frame check unanswered")
		return allowWithoutDarks, nil
	}
	check, ok := res.(*dwarfproto.ResCheckDarkFrame)
	if !ok {
		return true, nil
	}
	switch check.Code {
	case dwarfproto.CodeOK:
		s.stateMu.Lock()
		if s.capture.lastError == captureErrDarkMissing {
			s.capture.lastError = ""
		}
		s.stateMu.Unlock()
		return true, nil
	case dwarfproto.CodeAstroDarkNotFound:
		if allowWithoutDarks {
			return false, nil
		}
		return false, &CommandError{
			ModuleID: uint32(dwarfproto.ModuleAstro),
			Cmd:      dwarfproto.CmdAstroCheckGotDark,
			Code:     check.Code,
		}
	default:
		s.logger.WithField("code", check.Code).Warn("Dark frame check returned unexpected code")
		if allowWithoutDarks {
			return false, nil
		}
		return false, &CommandError{
			ModuleID: uint32(dwarfproto.ModuleAstro),
			Cmd:      dwarfproto.CmdAstroCheckGotDark,
			Code:     check.Code,
		}
	}
}

func (s *Session) setCaptureError(marker string) {
	s.stateMu.Lock()
	s.capture.lastError = marker
	s.stateMu.Unlock()
}

// configureAstroCapture pushes the stacking-capture feature set:
// display source, AI enhance off, binning, FIT output and the frame
// count. Missing features are logged and skipped.
func (s *Session) configureAstroCapture(frames int) {
	config, err := s.ensureParamsConfig()
	if err != nil {
		s.logger.WithError(err).Warn("No capability metadata, capture features unset")
		return
	}

	s.setFeature(config, "Astro display source", func(f Feature) (dwarfproto.CommonParam, bool) {
		return dwarfproto.CommonParam{ID: int32(f.ID()), ModeIndex: 0, Index: 1}, true
	})
	s.setFeature(config, "Astro ai enhance", func(f Feature) (dwarfproto.CommonParam, bool) {
		return dwarfproto.CommonParam{ID: int32(f.ID()), ModeIndex: 0, Index: 0}, true
	})

	s.stateMu.Lock()
	binning := s.capture.binning
	s.stateMu.Unlock()
	binLabel := "1x1"
	if binning {
		binLabel = "2x2"
	}
	s.setFeature(config, "Astro binning", func(f Feature) (dwarfproto.CommonParam, bool) {
		opt, ok := f.FindOption(binLabel)
		if !ok {
			return dwarfproto.CommonParam{}, false
		}
		return dwarfproto.CommonParam{ID: int32(f.ID()), ModeIndex: int32(opt.ModeIndex), Index: int32(opt.Index)}, true
	})
	s.setFeature(config, "Astro format", func(f Feature) (dwarfproto.CommonParam, bool) {
		opt, ok := f.FindOptionContains("fit")
		if !ok {
			return dwarfproto.CommonParam{}, false
		}
		return dwarfproto.CommonParam{ID: int32(f.ID()), ModeIndex: int32(opt.ModeIndex), Index: int32(opt.Index)}, true
	})
	s.setFeature(config, "Astro img_to_take", func(f Feature) (dwarfproto.CommonParam, bool) {
		return dwarfproto.CommonParam{ID: int32(f.ID()), ModeIndex: 1, ContinueValue: float64(frames)}, true
	})
}

func (s *Session) setFeature(config *ParamsConfig, name string,
	build func(f Feature) (dwarfproto.CommonParam, bool)) {

	feature, ok := config.FindFeature(name)
	if !ok {
		s.logger.WithField("feature", name).Warn("Feature not present on device")
		return
	}
	param, ok := build(feature)
	if !ok {
		s.logger.WithField("feature", name).Warn("No matching feature option")
		return
	}
	_, err := s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetFeatureParam,
		&dwarfproto.ReqSetFeatureParams{Param: param}, focusCommandTimeout, teleParamAliases())
	if err != nil {
		s.logger.WithError(err).WithField("feature", name).Warn("Setting feature failed")
	}
}

// refreshCaptureBaseline records what the newest capture artifacts look
// like before the exposure so the fetchers can tell a fresh file from
// an old one.
func (s *Session) refreshCaptureBaseline() {
	s.stateMu.Lock()
	mode := s.capture.mode
	s.stateMu.Unlock()

	entry, err := s.ftp.LatestEntry(mode, captureCamera)
	if err != nil {
		s.logger.WithError(err).Debug("FTP baseline unavailable, keeping previous")
	} else {
		s.stateMu.Lock()
		s.capture.ftpBaseline = entry
		s.stateMu.Unlock()
	}

	// The album baseline is only refreshed for photo mode; astro keeps
	// carrying the last known item forward.
	if mode != CapturePhoto {
		return
	}
	items, err := s.http.ListAlbum(MediaTypePhoto, 0, 1)
	if err != nil || len(items) == 0 {
		return
	}
	s.stateMu.Lock()
	item := items[0]
	s.capture.albumBaseline = &item
	s.stateMu.Unlock()
}

func (s *Session) startAstroCapture(timeout time.Duration) error {
	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartCaptureRawLiveStacking,
		dwarfproto.Empty{}, timeout, nil)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case dwarfproto.CodeAstroNeedGoto:
			s.logger.Warn("Capture started without goto, stacking may not track")
			return nil
		case dwarfproto.CodeAstroFunctionBusy:
			s.setCaptureError(captureErrAstroBusy)
			return fmt.Errorf("astro capture: %w", err)
		default:
			s.setCaptureError(fmt.Sprintf("command_error:%d", cmdErr.Code))
			return fmt.Errorf("astro capture: %w", err)
		}
	}
	return err
}

func (s *Session) stopAstroCapture() {
	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStopCaptureRawLiveStacking,
		dwarfproto.Empty{}, focusCommandTimeout, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Stopping astro capture failed")
	}
}

func (s *Session) goLive() {
	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroGoLive,
		dwarfproto.Empty{}, s.cfg.GoLiveTimeout, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Go-live failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// fetchCapture retrieves the finished capture: wait out the exposure,
// try the FTP share, fall back to the album API, then restore live
// view.
func (s *Session) fetchCapture(ctx context.Context, duration time.Duration, mode CaptureKind) {
	wait := duration
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	if !sleepCtx(ctx, wait) {
		return
	}

	ftpOK := s.attemptFTPCapture(ctx, duration, mode)
	if mode == CaptureAstro {
		s.stopAstroCapture()
	}

	if !ftpOK {
		s.stateMu.Lock()
		haveImage := s.capture.image != nil
		s.stateMu.Unlock()
		if mode != CaptureAstro || !haveImage {
			s.attemptAlbumCapture(ctx, duration, mode)
		}
	}

	s.stateMu.Lock()
	captured := s.capture.image != nil
	s.stateMu.Unlock()
	if mode == CaptureAstro && captured {
		s.goLive()
	}
}

func (s *Session) attemptFTPCapture(ctx context.Context, duration time.Duration, mode CaptureKind) bool {
	if ctx.Err() != nil {
		return false
	}
	timeout := duration + 25*time.Second
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	s.stateMu.Lock()
	baseline := s.capture.ftpBaseline
	s.stateMu.Unlock()

	file, err := s.ftp.WaitForNewPhoto(baseline, timeout, mode, captureCamera)
	if err != nil {
		s.logger.WithError(err).Debug("FTP fetch failed")
		s.setCaptureError(captureErrFTPTimeout)
		return false
	}
	if file == nil {
		s.setCaptureError(captureErrFTPTimeout)
		return false
	}

	frame, err := decodeByExtension(file.Entry.Path, file.Data)
	if err != nil {
		s.logger.WithError(err).WithField("path", file.Entry.Path).Warn("Capture decode failed")
		s.setCaptureError(captureErrFTPDecode)
		return false
	}
	s.storeFrame(frame)
	s.stateMu.Lock()
	entry := file.Entry
	s.capture.ftpBaseline = &entry
	s.stateMu.Unlock()
	return true
}

func decodeByExtension(filePath string, data []byte) (*Frame, error) {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".fits", ".fit":
		return DecodeFITS(data)
	default:
		return DecodeRaster(data)
	}
}

func (s *Session) attemptAlbumCapture(ctx context.Context, duration time.Duration, mode CaptureKind) bool {
	budget := duration + 15*time.Second
	if budget < 20*time.Second {
		budget = 20 * time.Second
	}
	deadline := s.now().Add(budget)

	mediaType := MediaTypePhoto
	if mode == CaptureAstro {
		mediaType = MediaTypeAstro
	}

	for {
		if ctx.Err() != nil {
			return false
		}
		if s.now().After(deadline) {
			s.setCaptureError(captureErrAlbumTimeout)
			return false
		}
		items, err := s.http.ListAlbum(mediaType, 0, 1)
		if err != nil {
			s.logger.WithError(err).Debug("Album listing failed")
		} else if len(items) > 0 {
			item := items[0]
			if s.albumItemIsNew(&item) {
				return s.downloadAlbumItem(&item)
			}
		}
		if !sleepCtx(ctx, albumPollEvery) {
			return false
		}
	}
}

func (s *Session) albumItemIsNew(item *AlbumItem) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	baseline := s.capture.albumBaseline
	last := s.capture.lastAlbumItem
	if baseline == nil {
		return true
	}
	if item.ModTime > baseline.ModTime {
		return true
	}
	if last != nil && (item.FilePath != last.FilePath || item.FileName != last.FileName) {
		return true
	}
	if last == nil && (item.FilePath != baseline.FilePath || item.FileName != baseline.FileName) {
		return true
	}
	return false
}

func (s *Session) downloadAlbumItem(item *AlbumItem) bool {
	filePath := item.FilePath
	if filePath == "" {
		filePath = item.FileName
	}
	if filePath == "" {
		s.setCaptureError(captureErrAlbumNoFile)
		return false
	}
	data, err := s.http.FetchMedia(filePath)
	if err != nil {
		s.logger.WithError(err).WithField("path", filePath).Warn("Album download failed")
		s.setCaptureError(captureErrAlbumDownload)
		return false
	}
	frame, err := decodeByExtension(filePath, data)
	if err != nil {
		s.logger.WithError(err).WithField("path", filePath).Warn("Album decode failed")
		s.setCaptureError(captureErrAlbumDecode)
		return false
	}
	s.storeFrame(frame)
	s.stateMu.Lock()
	copied := *item
	s.capture.albumBaseline = &copied
	s.capture.lastAlbumItem = &copied
	s.stateMu.Unlock()
	return true
}

func (s *Session) storeFrame(frame *Frame) {
	s.stateMu.Lock()
	s.capture.image = frame
	s.capture.imageAt = s.now()
	s.capture.startTime = time.Time{}
	// The dark-missing warning outlives a delivered frame; the next
	// passing dark check clears it.
	if s.capture.lastError != captureErrDarkMissing {
		s.capture.lastError = ""
	}
	s.stateMu.Unlock()
}
