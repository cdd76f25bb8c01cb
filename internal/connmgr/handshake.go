package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"regexp"
	"strings"

	version "github.com/hashicorp/go-version"
	"github.com/shaunagostinho/xrplink/internal/command"
	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
)

// handshake brings a freshly opened link to a known state. Every step runs
// even when an earlier one failed.
func (m *Manager) handshake(ctx context.Context, l *link) {
	kind := l.conn.Transport().Kind()
	log := m.log.With(zap.Stringer("transport", kind))

	if !l.conn.GetToREPL(ctx) {
		log.Warn("robot did not reach a prompt")
	}

	m.checkAdmin(ctx, l, log)

	log.Info("connected", zap.String("device", l.conn.Transport().Name()))
	m.bus.Emit(events.Connection, events.ConnectionData{
		Status:    "connected",
		Transport: kind.String(),
		Device:    l.conn.Transport().Name(),
	})

	if info, err := l.disp.GetOnBoardFSTree(ctx); err != nil {
		log.Warn("filesystem listing failed", zap.Error(err))
	} else {
		m.bus.Emit(events.FSTree, FSTreeData{Tree: json.RawMessage(info.TreeJSON()), Storage: &info.Storage})
	}

	l.conn.GetToNormal(ctx, 3)

	// a BLE session may still own the terminal
	if kind != transport.KindBluetooth {
		if err := l.disp.ResetTerminal(ctx); err != nil {
			log.Warn("terminal reset failed", zap.Error(err))
		}
	}

	if err := l.disp.ClearIsRunning(ctx); err != nil {
		log.Warn("clearing run flag failed", zap.Error(err))
	}

	m.checkVersions(ctx, l, log)
	m.checkPlugins(ctx, l, log)
}

func (m *Manager) checkAdmin(ctx context.Context, l *link, log *zap.Logger) {
	data, err := l.disp.GetFileContents(ctx, adminFile)
	if err == nil {
		var a admin
		jerr := json.Unmarshal(data, &a)
		if jerr == nil {
			if m.cfg.AdminEmail != "" && strings.EqualFold(a.Email, m.cfg.AdminEmail) {
				m.setAdmin(true)
			}
			return
		}
		// a corrupt file is replaced as if it were missing
		log.Warn("admin file unreadable, rewriting", zap.Error(jerr))
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Warn("admin file read failed", zap.Error(err))
	}
	if m.cfg.AdminEmail == "" {
		return
	}

	body, _ := json.Marshal(admin{Name: m.cfg.AdminName, Email: m.cfg.AdminEmail})
	if err := l.disp.UploadFile(ctx, adminFile, body); err != nil {
		log.Warn("writing admin file failed", zap.Error(err))
		return
	}
	log.Info("claimed robot", zap.String("email", m.cfg.AdminEmail))
	m.setAdmin(true)
}

func (m *Manager) setAdmin(v bool) {
	m.mu.Lock()
	m.isAdmin = v
	m.mu.Unlock()
}

var tupleDigits = regexp.MustCompile(`\d+`)

// micropythonVersion turns sys.implementation[1], printed as a tuple like
// "(1, 24, 1, '')", into "1.24.1".
func micropythonVersion(s string) string {
	parts := tupleDigits.FindAllString(s, 3)
	return strings.Join(parts, ".")
}

// needsUpdate reports whether current is older than latest. An unparsable
// current version counts as outdated; an unparsable latest disables the
// check.
func needsUpdate(current, latest string) bool {
	if latest == "" {
		return false
	}
	want, err := version.NewVersion(latest)
	if err != nil {
		return false
	}
	have, err := version.NewVersion(current)
	if err != nil {
		return true
	}
	return have.LessThan(want)
}

func (m *Manager) checkVersions(ctx context.Context, l *link, log *zap.Logger) {
	info, err := l.disp.GetVersionInfo(ctx)
	if err != nil {
		log.Warn("version query failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.version = &info
	m.mu.Unlock()
	m.bus.Emit(events.Version, info)

	mp := micropythonVersion(info.MicroPythonVersion)
	if needsUpdate(mp, m.cfg.LatestMicroPython) {
		log.Info("firmware update available", zap.String("current", mp), zap.String("latest", m.cfg.LatestMicroPython))
		m.bus.Emit(events.Update, events.UpdateData{Component: "micropython", Current: mp, Latest: m.cfg.LatestMicroPython})
	}

	lib := info.Library
	if !info.HasLibrary() {
		lib = ""
	}
	if needsUpdate(lib, m.cfg.LatestLibrary) {
		log.Info("library update available", zap.String("current", lib), zap.String("latest", m.cfg.LatestLibrary))
		m.bus.Emit(events.Update, events.UpdateData{Component: "library", Current: lib, Latest: m.cfg.LatestLibrary})
	}
}

func (m *Manager) checkPlugins(ctx context.Context, l *link, log *zap.Logger) {
	out := PluginsData{Processor: l.disp.Processor().String()}
	data, err := l.disp.GetFileContents(ctx, pluginsFile)
	switch {
	case err == nil:
		var cfg struct {
			Plugins []Plugin `json:"plugins"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warn("plugins file unreadable", zap.Error(err))
			break
		}
		out.Plugins = cfg.Plugins
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("no plugins installed")
	default:
		log.Warn("plugins check failed", zap.Error(err))
	}
	if out.Plugins == nil && l.disp.Processor() != command.RP2350 {
		return
	}
	m.bus.Emit(events.Plugins, out)
}
