package proxy

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/archivexm/archivexm/internal/credentials"
)

// Session is one client's live stream through the proxy. It owns a
// credential lease and the upstream playlist location; every media request
// the rewritten playlist generates routes back through this session.
type Session struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
	StartedAt time.Time `json:"started_at"`
	BytesSent int64     `json:"bytes_sent"`

	baseURL string
	lease   *credentials.Lease

	lastActive int64 // atomic unix nano
}

func (s *Session) touch(bytes int) {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
	atomic.AddInt64(&s.BytesSent, int64(bytes))
}

// LastActive is the time of the session's most recent media request.
func (s *Session) LastActive() time.Time {
	v := atomic.LoadInt64(&s.lastActive)
	if v == 0 {
		return s.StartedAt
	}
	return time.Unix(0, v)
}

// Registry tracks live proxy sessions.
type Registry struct {
	sessions sync.Map // map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(req *http.Request, channelID, baseURL string, lease *credentials.Lease) *Session {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if len(host) > 7 && host[:7] == "::ffff:" {
		host = host[7:]
	}

	s := &Session{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		ClientIP:   host,
		UserAgent:  req.UserAgent(),
		StartedAt:  time.Now(),
		baseURL:    baseURL,
		lease:      lease,
		lastActive: time.Now().UnixNano(),
	}
	r.sessions.Store(s.ID, s)
	return s
}

func (r *Registry) Get(id string) *Session {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session)
	}
	return nil
}

// Remove drops a session from the registry and returns it, or nil when it
// was already gone. The caller releases the lease.
func (r *Registry) Remove(id string) *Session {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return v.(*Session)
}

func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// IdleBefore returns the ids of sessions with no activity since cutoff.
func (r *Registry) IdleBefore(cutoff time.Time) []string {
	var ids []string
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.LastActive().Before(cutoff) {
			ids = append(ids, s.ID)
		}
		return true
	})
	return ids
}
