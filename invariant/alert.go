package invariant

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Alert is raised for every Critical invariant failure. It is distinct
// from an ordinary rejection and needs an operator.
type Alert struct {
	Time      time.Time
	Invariant string
	Reference string
	TxID      chainhash.Hash
	Detail    string
}

// AlertSink receives Critical alerts. Implementations must be safe for
// concurrent use and must not block for long.
type AlertSink interface {
	Alert(a Alert)
}

// MemorySink keeps alerts in memory.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert implements AlertSink.
func (m *MemorySink) Alert(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
}

// Alerts returns a copy of the recorded alerts.
func (m *MemorySink) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// ChanSink forwards alerts to a channel, dropping them when it is full.
type ChanSink chan Alert

// Alert implements AlertSink.
func (c ChanSink) Alert(a Alert) {
	select {
	case c <- a:
	default:
		log.Errorf("alert channel full, dropped alert for %s", a.Invariant)
	}
}
