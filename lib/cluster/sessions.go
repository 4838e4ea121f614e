package cluster

import (
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/larchdb/larch/rpc/common"
)

var Logger = logger.GetLogger("cluster")

// Dialer opens a backup session for one parsed locator. Transports
// register a dialer per locator scheme.
type Dialer func(locator common.Locator) (BackupSession, error)

// SessionManager resolves service locator strings to backup sessions,
// caching one session per locator. A locator with an unregistered scheme
// or a failing dial is reported as an error immediately; the recovery
// engine treats that as a failed list entry.
//
// Thread-safety: safe for concurrent use.
type SessionManager struct {
	dialers  map[string]Dialer
	sessions *xsync.MapOf[string, BackupSession]
}

// NewSessionManager returns a manager with no registered schemes.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		dialers:  make(map[string]Dialer),
		sessions: xsync.NewMapOf[string, BackupSession](),
	}
}

// RegisterScheme installs the dialer used for locators with the given
// scheme. Registration is not synchronized with GetSession and must happen
// during setup.
func (m *SessionManager) RegisterScheme(scheme string, dialer Dialer) {
	m.dialers[scheme] = dialer
}

// GetSession returns the session for the locator, dialing on first use.
func (m *SessionManager) GetSession(locator string) (BackupSession, error) {
	if s, ok := m.sessions.Load(locator); ok {
		return s, nil
	}
	parsed, err := common.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	dialer, ok := m.dialers[parsed.Scheme]
	if !ok {
		return nil, errors.Errorf("no transport found for this service locator: %s", locator)
	}
	session, err := dialer(parsed)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", locator)
	}
	actual, _ := m.sessions.LoadOrStore(locator, session)
	return actual, nil
}

// Evict drops the cached session for a locator, forcing a redial on next
// use. Called when a session turns out to be dead.
func (m *SessionManager) Evict(locator string) {
	m.sessions.Delete(locator)
}
