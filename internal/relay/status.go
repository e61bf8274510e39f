package relay

import (
	"net/http"
	"time"

	"github.com/banshee-data/bearing.relay/internal/httputil"
	"github.com/banshee-data/bearing.relay/internal/sensor"
)

// Status is a point-in-time view of the loop for the debug endpoint.
type Status struct {
	Mode          string          `json:"mode"`
	Started       time.Time       `json:"started"`
	LastFinding   *sensor.Finding `json:"last_finding,omitempty"`
	LastPublished time.Time       `json:"last_published"`
	Published     uint64          `json:"published"`
	Skipped       uint64          `json:"skipped"`
	Polls         uint64          `json:"polls"`
	MeshSent      uint64          `json:"mesh_sent"`
	LastError     string          `json:"last_error,omitempty"`
}

// Status returns a snapshot of the loop's progress.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	if s.LastFinding != nil {
		f := *s.LastFinding
		s.LastFinding = &f
	}
	return s
}

// StatusHandler serves Status as JSON.
func (l *Loop) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, l.Status())
	})
}

func (l *Loop) setMode(mode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Mode = mode
	l.status.Started = l.clock.Now().UTC()
}

func (l *Loop) recordPublished(f sensor.Finding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Published++
	l.status.LastFinding = &f
	l.status.LastPublished = l.clock.Now().UTC()
}

func (l *Loop) recordSkipped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Skipped++
}

func (l *Loop) recordMeshSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.MeshSent++
}

func (l *Loop) recordPoll(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Polls++
	if err != nil {
		l.status.LastError = err.Error()
	}
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.LastError = err.Error()
}
