package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// qualityStats accumulates counters from the RTP and RTCP read loops.
type qualityStats struct {
	packetsIn atomic.Uint64
	bytesIn   atomic.Uint64

	mu       sync.Mutex
	lost     int64
	fraction float64
	jitter   uint32

	lastAt  time.Time
	lastIn  uint64
	lastOut uint64
}

func (s *qualityStats) observeRTP(p *rtp.Packet) {
	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(p.MarshalSize()))
}

// observeRTCP picks up the remote's reception reports about our streams.
func (s *qualityStats) observeRTCP(pkts []rtcp.Packet) {
	for _, p := range pkts {
		var reports []rtcp.ReceptionReport
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			reports = pkt.Reports
		case *rtcp.SenderReport:
			reports = pkt.Reports
		}
		if len(reports) == 0 {
			continue
		}
		s.mu.Lock()
		for _, r := range reports {
			s.lost = int64(r.TotalLost)
			s.fraction = float64(r.FractionLost) / 256
			s.jitter = r.Jitter
		}
		s.mu.Unlock()
	}
}

// sample folds the counters and the peer connection stats report into a
// snapshot. Bitrates are computed against the previous sample.
func (s *qualityStats) sample(report webrtc.StatsReport, now time.Time) QualitySnapshot {
	var rtt float64
	var bytesOut uint64
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.CurrentRoundTripTime > 0 {
				rtt = v.CurrentRoundTripTime * 1000
			}
		case webrtc.OutboundRTPStreamStats:
			bytesOut += v.BytesSent
		}
	}

	bytesIn := s.bytesIn.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := QualitySnapshot{
		RTTMillis:       rtt,
		PacketsLost:     s.lost,
		FractionLost:    s.fraction,
		Jitter:          s.jitter,
		PacketsReceived: s.packetsIn.Load(),
		SampledAt:       now,
	}
	if !s.lastAt.IsZero() {
		if secs := now.Sub(s.lastAt).Seconds(); secs > 0 {
			snap.InboundKbps = kbps(bytesIn, s.lastIn, secs)
			snap.OutboundKbps = kbps(bytesOut, s.lastOut, secs)
		}
	}
	s.lastAt, s.lastIn, s.lastOut = now, bytesIn, bytesOut
	return snap
}

func kbps(cur, prev uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / 1000 / secs
}
