package core

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics provides several functions to update and retrieve stats about a session
type Statistics interface {
	SessionStarted()
	SessionEnded()
	EchoRequested()
	EchoReplied(rtt time.Duration)
	EchoTimedOut()

	GetStartTime() (time.Time, bool)
	GetEndTime() (time.Time, bool)

	GetTotalSent() uint32
	GetTotalRecv() uint32
	GetTotalTimedOut() uint32
	GetPktLoss() float64

	GetRTTMax() time.Duration
	GetRTTMin() time.Duration
	GetRTTAvg() time.Duration
	GetRTTMDev() time.Duration
}

// statistics aggregate stats about a session. Only running sums are kept, never the
// individual round trips.
type statistics struct {
	clock func() time.Time

	// totalSent is the total amount of echo requests sent in this session.
	totalSent uint32

	// totalRecv is the total amount of matching echo replies.
	totalRecv uint32

	// totalTimedOut is the total amount of reply windows closed without a matching reply.
	totalTimedOut uint32

	// rttsMutex controls the updates of the rtt aggregates
	rttsMutex sync.RWMutex

	rttsCount uint64
	rttsMin   time.Duration
	rttsMax   time.Duration

	// rttsSum and rttsSqSum are kept in float64 seconds so squares of long rtts do not overflow
	rttsSum   float64
	rttsSqSum float64

	// timeMutex controls updates to the times
	timeMutex sync.RWMutex

	stTime  time.Time
	started bool
	endTime time.Time
	ended   bool
}

// NewStatistics creates and initializes a Statistics struct reading times from now.
func NewStatistics(now func() time.Time) Statistics {
	if now == nil {
		now = time.Now
	}

	return &statistics{
		clock:   now,
		rttsMin: time.Duration(math.MaxInt64),
	}
}

// SessionStarted begins a new activation, the counters of a previous one are discarded.
func (s *statistics) SessionStarted() {
	atomic.StoreUint32(&s.totalSent, 0)
	atomic.StoreUint32(&s.totalRecv, 0)
	atomic.StoreUint32(&s.totalTimedOut, 0)

	s.rttsMutex.Lock()
	s.rttsCount = 0
	s.rttsMin = time.Duration(math.MaxInt64)
	s.rttsMax = 0
	s.rttsSum = 0
	s.rttsSqSum = 0
	s.rttsMutex.Unlock()

	s.timeMutex.Lock()
	defer s.timeMutex.Unlock()

	s.stTime = s.clock()
	s.started = true
	s.ended = false
}

func (s *statistics) SessionEnded() {
	s.timeMutex.Lock()
	defer s.timeMutex.Unlock()

	s.endTime = s.clock()
	s.ended = true
}

func (s *statistics) EchoRequested() {
	atomic.AddUint32(&s.totalSent, 1)
}

func (s *statistics) EchoReplied(rtt time.Duration) {
	atomic.AddUint32(&s.totalRecv, 1)

	s.rttsMutex.Lock()
	defer s.rttsMutex.Unlock()

	secs := rtt.Seconds()
	s.rttsCount++
	s.rttsMax = max(s.rttsMax, rtt)
	s.rttsMin = min(s.rttsMin, rtt)
	s.rttsSum += secs
	s.rttsSqSum += secs * secs
}

func (s *statistics) EchoTimedOut() {
	atomic.AddUint32(&s.totalTimedOut, 1)
}

func (s *statistics) GetStartTime() (time.Time, bool) {
	s.timeMutex.RLock()
	defer s.timeMutex.RUnlock()

	return s.stTime, s.started
}

func (s *statistics) GetEndTime() (time.Time, bool) {
	s.timeMutex.RLock()
	defer s.timeMutex.RUnlock()

	return s.endTime, s.ended
}

func (s *statistics) GetTotalSent() uint32 {
	return atomic.LoadUint32(&s.totalSent)
}

func (s *statistics) GetTotalRecv() uint32 {
	return atomic.LoadUint32(&s.totalRecv)
}

func (s *statistics) GetTotalTimedOut() uint32 {
	return atomic.LoadUint32(&s.totalTimedOut)
}

func (s *statistics) GetPktLoss() float64 {
	sent := s.GetTotalSent()
	if sent == 0 {
		return 0
	}

	return float64(1) - (float64(s.GetTotalRecv()) / float64(sent))
}

func (s *statistics) GetRTTMax() time.Duration {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return s.rttsMax
}

func (s *statistics) GetRTTMin() time.Duration {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return min(s.rttsMax, s.rttsMin)
}

func (s *statistics) GetRTTAvg() time.Duration {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	return seconds(s.avg())
}

func (s *statistics) GetRTTMDev() time.Duration {
	s.rttsMutex.RLock()
	defer s.rttsMutex.RUnlock()

	if s.rttsCount == 0 {
		return 0
	}

	avg := s.avg()
	variance := s.rttsSqSum/float64(s.rttsCount) - avg*avg
	if variance <= 0 {
		return 0
	}

	return seconds(math.Sqrt(variance))
}

// avg must be called with rttsMutex held.
func (s *statistics) avg() float64 {
	if s.rttsCount == 0 {
		return 0
	}

	return s.rttsSum / float64(s.rttsCount)
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}
