package authority

// Metrics is a thread-safe read-only view of the log. It is stored from
// the Run goroutine after every tick and read from HTTP handlers.
type Metrics struct {
	SessionID    string `json:"session_id"`
	Tick         int32  `json:"tick"`
	Seq          uint64 `json:"seq"`
	Participants int    `json:"participants"`
	Joining      int    `json:"joining"`
	Frozen       bool   `json:"frozen"`
	Maps         int    `json:"maps"`

	Stats       Stats       `json:"stats"`
	QueueDepths QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Join   int `json:"join"`
	Ready  int `json:"ready"`
	Leave  int `json:"leave"`
	Submit int `json:"submit"`
	Digest int `json:"digest"`
	Fault  int `json:"fault"`
}

func (l *Log) Metrics() Metrics {
	if l == nil {
		return Metrics{}
	}
	m, ok := l.metrics.Load().(Metrics)
	if !ok {
		return Metrics{SessionID: l.sessionID}
	}
	return m
}

func (l *Log) storeMetrics() {
	joining := 0
	for _, p := range l.participants {
		if p.State == Joining {
			joining++
		}
	}
	l.metrics.Store(Metrics{
		SessionID:    l.sessionID,
		Tick:         l.tick,
		Seq:          l.seq.current(),
		Participants: len(l.participants),
		Joining:      joining,
		Frozen:       l.frozen,
		Maps:         len(l.maps),
		Stats:        l.stats,
		QueueDepths: QueueDepths{
			Join:   len(l.joinCh),
			Ready:  len(l.readyCh),
			Leave:  len(l.leaveCh),
			Submit: len(l.submitCh),
			Digest: len(l.digestCh),
			Fault:  len(l.faultCh),
		},
	})
}
