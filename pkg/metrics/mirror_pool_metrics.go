package metrics

import (
	"database/sql"
	"sync"
	"time"
)

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	MaxOpenConnections int           `json:"max_open_connections"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

func (s DBPoolStats) ToMap() map[string]any {
	return map[string]any{
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"max_open_connections": s.MaxOpenConnections,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}

func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	st := db.Stats()
	return DBPoolStats{
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		MaxOpenConnections: st.MaxOpenConnections,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration,
	}
}

type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// AssessDBPoolHealth grades utilization. SQLite runs with a single writer,
// so waiting there is expected and only long waits degrade.
func AssessDBPoolHealth(s DBPoolStats) PoolHealthStatus {
	status := PoolHealthy
	if s.MaxOpenConnections > 1 {
		switch u := float64(s.InUse) / float64(s.MaxOpenConnections); {
		case u >= 0.95:
			status = PoolUnhealthy
		case u >= 0.80:
			status = PoolDegraded
		}
	}
	if s.WaitCount > 0 && s.WaitDuration > 5*time.Second && status == PoolHealthy {
		status = PoolDegraded
	}
	return status
}

var (
	poolsMu sync.RWMutex
	pools   = make(map[string]*sql.DB)
)

// RegisterPool adds a pool to the process-wide set reported at shutdown.
func RegisterPool(name string, db *sql.DB) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	pools[name] = db
}

func GetAllPoolStats() map[string]DBPoolStats {
	poolsMu.RLock()
	defer poolsMu.RUnlock()
	out := make(map[string]DBPoolStats, len(pools))
	for name, db := range pools {
		out[name] = GetDBPoolStats(db)
	}
	return out
}
