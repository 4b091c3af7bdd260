package health

import (
	"context"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Report is the payload served by the health endpoint.
type Report struct {
	OK      bool              `json:"ok"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// Service encapsulates health-related checks.
type Service struct {
	DB        Pinger
	QueueMode string
	Version   string
}

// NewService constructs a new health service. db may be nil when the
// process runs on in-memory repositories.
func NewService(db Pinger, queueMode, version string) *Service {
	return &Service{DB: db, QueueMode: queueMode, Version: version}
}

// Status pings dependencies and reports whether the process can serve.
func (s *Service) Status(ctx context.Context) Report {
	report := Report{OK: true, Version: s.Version, Checks: map[string]string{}}
	if s.DB == nil {
		report.Checks["database"] = "memory"
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.DB.PingContext(pingCtx); err != nil {
			report.OK = false
			report.Checks["database"] = "unreachable"
		} else {
			report.Checks["database"] = "ok"
		}
	}
	if s.QueueMode != "" {
		report.Checks["queue"] = s.QueueMode
	}
	return report
}
