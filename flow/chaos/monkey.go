package chaos

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/flow/emit"
)

// ErrChaosInProduction is returned by Enable when the environment is
// "prod". There is no override.
var ErrChaosInProduction = errors.New("chaos injection refused in production")

// ErrAlreadyEnabled is returned by Enable when injection is running.
var ErrAlreadyEnabled = errors.New("chaos injection already enabled")

// Fault names, matching what actors ask the injector about.
const (
	FaultCrash   = "crash"
	FaultTimeout = "timeout"
	FaultError   = "error"
	FaultLatency = "latency"
)

// TargetSource lists workflows eligible for proactive targeting.
// Implemented by the supervisor.
type TargetSource interface {
	LiveWorkflows() []string
}

// Stats counts injections and observed recoveries per fault.
type Stats struct {
	Injected  map[string]int64
	Recovered map[string]int64
}

// Monkey is the fault injector.
//
// Two injection modes run together while enabled:
//   - Per-step sampling: every step entry asks ShouldFail, which rolls
//     the profile's probabilities. This is the hot path and is a single
//     atomic load when disabled.
//   - Tick targeting: a background loop periodically marks random live
//     workflows as victims; the victim's next step entry fires the
//     chosen fault deterministically.
//
// The monkey never touches engine internals. It only answers ShouldFail
// and publishes audit events on the chaos topic; the actors do the
// actual failing.
type Monkey struct {
	bus         *emit.Bus
	environment string

	enabled atomic.Bool
	compArm atomic.Bool // one-shot compensation failure

	mu      sync.Mutex
	profile Profile
	targets TargetSource
	victims map[string]string // workflowID -> fault
	stopCh  chan struct{}
	wg      sync.WaitGroup

	injected  map[string]*atomic.Int64
	recovered map[string]*atomic.Int64
	recSub    *emit.Subscription
}

// NewMonkey creates a disabled monkey for the given environment.
func NewMonkey(bus *emit.Bus, environment string) *Monkey {
	m := &Monkey{
		bus:         bus,
		environment: environment,
		victims:     make(map[string]string),
		injected:    make(map[string]*atomic.Int64),
		recovered:   make(map[string]*atomic.Int64),
	}
	for _, f := range []string{FaultCrash, FaultTimeout, FaultError, FaultLatency} {
		m.injected[f] = &atomic.Int64{}
		m.recovered[f] = &atomic.Int64{}
	}
	return m
}

// SetTargets attaches the supervisor for tick targeting. Without a
// target source the tick loop idles and only per-step sampling runs.
func (m *Monkey) SetTargets(t TargetSource) {
	m.mu.Lock()
	m.targets = t
	m.mu.Unlock()
}

// Enable starts injection under the given profile.
//
// Refuses with ErrChaosInProduction when the monkey's environment is
// "prod"; chaos against production traffic is an outage, not a test.
func (m *Monkey) Enable(p Profile) error {
	if m.environment == "prod" {
		return ErrChaosInProduction
	}
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled.Load() {
		return ErrAlreadyEnabled
	}
	m.profile = p
	m.stopCh = make(chan struct{})
	m.enabled.Store(true)

	if m.bus != nil {
		m.recSub = m.bus.SubscribeBuffered(emit.TopicChaos, 256)
		m.wg.Add(1)
		go m.watchRecoveries(m.recSub)
	}
	if p.TickInterval > 0 {
		m.wg.Add(1)
		go m.tick(p.TickInterval)
	}
	return nil
}

// Disable stops injection and the background loops.
func (m *Monkey) Disable() {
	m.mu.Lock()
	if !m.enabled.Load() {
		m.mu.Unlock()
		return
	}
	m.enabled.Store(false)
	close(m.stopCh)
	sub := m.recSub
	m.recSub = nil
	m.victims = make(map[string]string)
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	m.wg.Wait()
}

// Enabled reports whether injection is running.
func (m *Monkey) Enabled() bool {
	return m.enabled.Load()
}

// ShouldFail decides whether to inject the named fault into the
// workflow right now.
//
// When disabled this is a single atomic load; actors call it on every
// step entry and pay nothing while chaos is off.
func (m *Monkey) ShouldFail(workflowID, fault string) bool {
	if !m.enabled.Load() {
		return false
	}

	m.mu.Lock()
	if picked, ok := m.victims[workflowID]; ok && picked == fault {
		delete(m.victims, workflowID)
		p := m.profile
		m.mu.Unlock()
		m.recordInjection(workflowID, fault, p.Name, "tick")
		return true
	}
	prob := m.probability(fault)
	name := m.profile.Name
	m.mu.Unlock()

	if prob <= 0 || rand.Float64() >= prob {
		return false
	}
	m.recordInjection(workflowID, fault, name, "sample")
	return true
}

// LatencyDelay returns a random delay within the profile's range.
func (m *Monkey) LatencyDelay() time.Duration {
	m.mu.Lock()
	min, max := m.profile.LatencyMin, m.profile.LatencyMax
	m.mu.Unlock()
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// ArmCompensationFailure arms the one-shot compensation fault: the
// next compensation attempt anywhere fails once.
func (m *Monkey) ArmCompensationFailure() {
	m.compArm.Store(true)
}

// ConsumeCompensationFailure pops the one-shot flag.
func (m *Monkey) ConsumeCompensationFailure() bool {
	return m.compArm.CompareAndSwap(true, false)
}

// Stats returns injection and recovery counts per fault.
func (m *Monkey) Stats() Stats {
	s := Stats{Injected: make(map[string]int64), Recovered: make(map[string]int64)}
	for f, c := range m.injected {
		s.Injected[f] = c.Load()
	}
	for f, c := range m.recovered {
		s.Recovered[f] = c.Load()
	}
	return s
}

func (m *Monkey) probability(fault string) float64 {
	switch fault {
	case FaultCrash:
		return m.profile.CrashProbability
	case FaultTimeout:
		return m.profile.TimeoutProbability
	case FaultError:
		return m.profile.ErrorProbability
	case FaultLatency:
		return m.profile.LatencyProbability
	default:
		return 0
	}
}

// recordInjection counts the grant and announces it on the chaos
// topic. The actor separately records the chaos_injected audit event
// for the workflow itself.
func (m *Monkey) recordInjection(workflowID, fault, profile, mode string) {
	if c, ok := m.injected[fault]; ok {
		c.Add(1)
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(emit.TopicChaos, emit.Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       emit.ChaosInjected,
		Data: map[string]any{
			"fault":   fault,
			"profile": profile,
			"mode":    mode,
		},
		Timestamp: time.Now().UTC(),
	})
}

// tick periodically marks random live workflows as victims.
func (m *Monkey) tick(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tickOnce()
		}
	}
}

func (m *Monkey) tickOnce() {
	m.mu.Lock()
	targets := m.targets
	p := m.profile
	m.mu.Unlock()
	if targets == nil || p.MaxEventsPerTick <= 0 {
		return
	}

	live := targets.LiveWorkflows()
	if len(live) == 0 {
		return
	}

	faults := []string{FaultCrash, FaultTimeout, FaultError, FaultLatency}
	n := p.MaxEventsPerTick
	if n > len(live) {
		n = len(live)
	}
	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })

	m.mu.Lock()
	for _, id := range live[:n] {
		if _, already := m.victims[id]; already {
			continue
		}
		m.victims[id] = faults[rand.Intn(len(faults))]
	}
	m.mu.Unlock()
}

// watchRecoveries counts chaos_recovered events the actors publish.
func (m *Monkey) watchRecoveries(sub *emit.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type != emit.ChaosRecovered {
				continue
			}
			if fault, _ := ev.Data["fault"].(string); fault != "" {
				if c, ok := m.recovered[fault]; ok {
					c.Add(1)
				}
			}
		}
	}
}
