package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/missioncontroller/internal/types"
)

type fakeSource struct {
	mu sync.Mutex
	s  types.DroneState
}

func (f *fakeSource) CurrentState() types.DroneState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *fakeSource) set(fn func(s *types.DroneState)) {
	f.mu.Lock()
	fn(&f.s)
	f.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (r *recorder) post(msg types.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) ofType(messageType string) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, m := range r.msgs {
		if m.MessageType == messageType {
			out = append(out, m)
		}
	}
	return out
}

func TestMonitorPostsStatusOnChange(t *testing.T) {
	src := &fakeSource{s: types.DroneState{FlightMode: "STABILIZE", Landed: types.LandedOnGround, LinkUp: true}}
	rec := &recorder{}
	m := NewMonitor(src, "drone-1", time.Second)

	m.sample(rec.post)
	m.sample(rec.post)
	src.set(func(s *types.DroneState) { s.Altitude = 3 })
	m.sample(rec.post)
	require.Len(t, rec.ofType(types.MessageTypeTelemetry), 3)
	require.Len(t, rec.ofType(types.MessageTypeVehicleStatus), 1, "altitude alone is not a status change")

	src.set(func(s *types.DroneState) { s.FlightMode = "GUIDED" })
	m.sample(rec.post)
	src.set(func(s *types.DroneState) { s.Armed = true })
	m.sample(rec.post)

	statuses := rec.ofType(types.MessageTypeVehicleStatus)
	require.Len(t, statuses, 3)
	last := statuses[2].Message.(types.VehicleStatus)
	assert.Equal(t, types.VehicleStatus{Armed: true, FlightMode: "GUIDED", Landed: types.LandedOnGround, LinkUp: true}, last)
	assert.Equal(t, "drone-1", statuses[2].From)
}

func TestMonitorRun(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	m := NewMonitor(src, "drone-1", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		m.Run(ctx, &wg, rec.post)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(rec.ofType(types.MessageTypeTelemetry)) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: c.err}
}

func (c *fakeClient) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func runPublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx, &wg, func(types.Message) {})
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func event(messageType string, payload interface{}) types.Message {
	return types.CreateMessage(messageType, "drone-1", "drone-1", payload)
}

func TestPublisherThrottlesTelemetry(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "drone-1", 1)
	runPublisher(t, p)

	p.Receive(event(types.MessageTypeStateChanged, types.StateChanged{From: "Idle", To: "Arming"}))
	for i := 0; i < 3; i++ {
		p.Receive(event(types.MessageTypeTelemetry, types.DroneState{Altitude: 4.5, BatteryPct: 80, Armed: true}))
	}
	p.Receive(event(types.MessageTypeFault, types.Fault{State: "Arming", Error: "denied"}))
	p.Receive(event(types.MessageTypeAbort, types.AbortRequested{Reason: "ignored"}))

	require.Eventually(t, func() bool {
		return len(client.all()) == 3
	}, time.Second, 5*time.Millisecond)

	sent := client.all()
	assert.Equal(t, "/devices/drone-1/events/mission", sent[0].topic)
	assert.Equal(t, "/devices/drone-1/events/telemetry", sent[1].topic)
	assert.Equal(t, "/devices/drone-1/events/mission", sent[2].topic)
	for _, s := range sent {
		assert.Equal(t, byte(1), s.qos)
	}

	var tm struct {
		MessageID        string
		AltitudeFromHome float64
		BatteryRemaining float64
		MissionState     string
	}
	require.NoError(t, json.Unmarshal(sent[1].payload, &tm))
	assert.Equal(t, 4.5, tm.AltitudeFromHome)
	assert.Equal(t, 80.0, tm.BatteryRemaining)
	assert.Equal(t, "Arming", tm.MissionState)
	assert.NotEmpty(t, tm.MessageID)

	var fault struct {
		MessageType string      `json:"message_type"`
		Message     types.Fault `json:"message"`
	}
	require.NoError(t, json.Unmarshal(sent[2].payload, &fault))
	assert.Equal(t, types.MessageTypeFault, fault.MessageType)
	assert.Equal(t, "denied", fault.Message.Error)
}

func TestPublisherSurvivesPublishErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := NewPublisher(client, "drone-1", 10)
	runPublisher(t, p)

	p.Receive(event(types.MessageTypeCycleCompleted, types.CycleCompleted{Cycle: 1}))
	p.Receive(event(types.MessageTypeCycleCompleted, types.CycleCompleted{Cycle: 2}))

	require.Eventually(t, func() bool {
		return len(client.all()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPublisherForwardsActionProgress(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "drone-1", 1)
	runPublisher(t, p)

	p.Receive(event(types.MessageTypeActionStarted, types.ActionStarted{Cycle: 2, Action: 3, Total: 5, Kind: "hold"}))

	require.Eventually(t, func() bool {
		return len(client.all()) == 1
	}, time.Second, 5*time.Millisecond)

	sent := client.all()[0]
	assert.Equal(t, "/devices/drone-1/events/mission", sent.topic)
	var progress struct {
		MessageType string              `json:"message_type"`
		Message     types.ActionStarted `json:"message"`
	}
	require.NoError(t, json.Unmarshal(sent.payload, &progress))
	assert.Equal(t, types.MessageTypeActionStarted, progress.MessageType)
	assert.Equal(t, 3, progress.Message.Action)
	assert.Equal(t, 5, progress.Message.Total)
}
