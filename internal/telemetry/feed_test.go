package telemetry

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/haptics/internal/core/device/sim"
	"github.com/zeusync/haptics/internal/core/events/bus"
	"github.com/zeusync/haptics/internal/core/haptics"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

const waitFor = 2 * time.Second

type fakeSource struct {
	mu       sync.Mutex
	position physics.Vec3
	ready    bool
	sphere   physics.Sphere
	sets     int
}

func (s *fakeSource) DevicePosition() physics.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *fakeSource) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) SetSphereProperties(center physics.Vec3, radius float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sphere = physics.Sphere{Center: center, Radius: radius}
	s.sets++
}

func (s *fakeSource) move(p physics.Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = p
}

func (s *fakeSource) lastSphere() (physics.Sphere, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sphere, s.sets
}

func newTestFeed(t *testing.T, source Source, scale float64) (*Feed, *httptest.Server) {
	t.Helper()
	feed := NewFeed(source, Options{Interval: time.Hour, Scale: scale}, nil)
	srv := httptest.NewServer(feed.Handler())
	t.Cleanup(func() {
		feed.closeClients()
		srv.Close()
	})
	return feed, srv
}

func dial(t *testing.T, feed *Feed, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := feed.Clients()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + PosePath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return feed.Clients() == before+1 }, waitFor, time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func requirePosition(t *testing.T, want physics.Vec3, got [3]float64) {
	t.Helper()
	require.InDelta(t, want.X, got[0], 1e-12)
	require.InDelta(t, want.Y, got[1], 1e-12)
	require.InDelta(t, want.Z, got[2], 1e-12)
}

func TestFeed_BroadcastsScaledPose(t *testing.T) {
	source := &fakeSource{position: physics.NewVec3(0.01, -0.02, 0.03), ready: true}
	feed, srv := newTestFeed(t, source, 100)
	conn := dial(t, feed, srv)

	feed.Tick()

	frame := readFrame(t, conn)
	assert.Equal(t, FramePose, frame.Type)
	assert.True(t, frame.Ready)
	assert.Equal(t, uint64(1), frame.Seq)
	requirePosition(t, physics.NewVec3(1, -2, 3), frame.Position)

	// scaling stays in the feed
	assert.Equal(t, physics.NewVec3(0.01, -0.02, 0.03), source.DevicePosition())
}

func TestFeed_SkipsUnchangedFrames(t *testing.T) {
	source := &fakeSource{position: physics.NewVec3(0.01, 0, 0)}
	feed, srv := newTestFeed(t, source, 10)
	conn := dial(t, feed, srv)

	feed.Tick()
	feed.Tick()
	feed.Tick()
	source.move(physics.NewVec3(0.02, 0, 0))
	feed.Tick()

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	requirePosition(t, physics.NewVec3(0.1, 0, 0), first.Position)
	requirePosition(t, physics.NewVec3(0.2, 0, 0), second.Position)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, uint64(2), feed.skipped.Load())
}

func TestFeed_UnencodableFrameIsNotRemembered(t *testing.T) {
	source := &fakeSource{position: physics.NewVec3(0.01, 0, 0)}
	feed, srv := newTestFeed(t, source, 10)
	conn := dial(t, feed, srv)

	feed.Tick()
	first := readFrame(t, conn)
	requirePosition(t, physics.NewVec3(0.1, 0, 0), first.Position)

	// json cannot carry NaN, so these frames are never sent
	source.move(physics.NewVec3(math.NaN(), 0, 0))
	feed.Tick()
	feed.Tick()
	assert.Zero(t, feed.skipped.Load())

	// clients still hold the first frame, so the same pose is not resent
	source.move(physics.NewVec3(0.01, 0, 0))
	feed.Tick()
	assert.Equal(t, uint64(1), feed.skipped.Load())

	source.move(physics.NewVec3(0.03, 0, 0))
	feed.Tick()
	next := readFrame(t, conn)
	requirePosition(t, physics.NewVec3(0.3, 0, 0), next.Position)
}

func TestFeed_LateClientGetsLastFrame(t *testing.T) {
	source := &fakeSource{position: physics.NewVec3(0, 0.05, 0), ready: true}
	feed, srv := newTestFeed(t, source, 10)

	feed.Tick()
	conn := dial(t, feed, srv)

	frame := readFrame(t, conn)
	requirePosition(t, physics.NewVec3(0, 0.5, 0), frame.Position)
}

func TestFeed_SphereCommands(t *testing.T) {
	t.Run("Converted to meters", func(t *testing.T) {
		source := &fakeSource{}
		feed, srv := newTestFeed(t, source, 10)
		conn := dial(t, feed, srv)

		require.NoError(t, conn.WriteJSON(SphereCommand{Center: [3]float64{1, 0, -2}, Radius: 0.5}))

		require.Eventually(t, func() bool {
			_, sets := source.lastSphere()
			return sets == 1
		}, waitFor, time.Millisecond)
		sphere, _ := source.lastSphere()
		assert.InDelta(t, 0.1, sphere.Center.X, 1e-12)
		assert.InDelta(t, -0.2, sphere.Center.Z, 1e-12)
		assert.InDelta(t, 0.05, sphere.Radius, 1e-12)
	})

	t.Run("Malformed messages are ignored", func(t *testing.T) {
		source := &fakeSource{}
		feed, srv := newTestFeed(t, source, 10)
		conn := dial(t, feed, srv)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		require.NoError(t, conn.WriteJSON(SphereCommand{Radius: 1}))

		require.Eventually(t, func() bool {
			_, sets := source.lastSphere()
			return sets == 1
		}, waitFor, time.Millisecond)
		assert.Equal(t, 1, feed.Clients())
	})

	t.Run("Non-finite values rejected", func(t *testing.T) {
		source := &fakeSource{}
		feed := NewFeed(source, Options{Scale: 10}, nil)

		require.ErrorIs(t, feed.Apply(SphereCommand{Center: [3]float64{math.NaN(), 0, 0}, Radius: 1}), ErrInvalidCommand)
		require.ErrorIs(t, feed.Apply(SphereCommand{Radius: math.Inf(1)}), ErrInvalidCommand)
		_, sets := source.lastSphere()
		assert.Zero(t, sets)
	})
}

func TestFeed_ObserveState(t *testing.T) {
	source := &fakeSource{}
	feed, srv := newTestFeed(t, source, 10)
	conn := dial(t, feed, srv)

	events := bus.New()
	sub, err := feed.ObserveState(events)
	require.NoError(t, err)
	defer func() { _ = sub.Cancel() }()

	require.NoError(t, events.Publish(bus.NewEvent(haptics.EventStateChanged, "test", haptics.StateChange{
		From: haptics.StateAcquiringDevice,
		To:   haptics.StateStopped,
		Err:  errors.New("no haptic device found"),
	})))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameState, frame.Type)
	assert.Equal(t, "stopped", frame.State)
	assert.False(t, frame.Ready)
	assert.Equal(t, "no haptic device found", frame.Error)

	require.Error(t, events.Publish(bus.NewEvent(haptics.EventStateChanged, "test", "garbage")))
}

func TestFeed_RunStopsClients(t *testing.T) {
	source := &fakeSource{ready: true}
	feed := NewFeed(source, Options{Interval: time.Millisecond, Scale: 10}, nil)
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	conn := dial(t, feed, srv)
	frame := readFrame(t, conn)
	assert.Equal(t, FramePose, frame.Type)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, feed.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// connections after the feed stopped are turned away
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + PosePath
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = late.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestFeed_WithController(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Tick = 200 * time.Microsecond
	controller := haptics.NewController(sim.New(cfg), nil, haptics.DefaultConfig(), nil, nil)
	defer controller.Stop()

	require.True(t, controller.Start())
	require.NoError(t, controller.WaitReady(context.Background(), waitFor))

	feed, srv := newTestFeed(t, controller, 10)
	conn := dial(t, feed, srv)
	feed.Tick()

	frame := readFrame(t, conn)
	assert.True(t, frame.Ready)
	display := math.Sqrt(frame.Position[0]*frame.Position[0] + frame.Position[1]*frame.Position[1])
	assert.InDelta(t, 0.4, display, 1e-9)
	assert.InDelta(t, 0.04, controller.DevicePosition().Length(), 1e-9)

	require.NoError(t, feed.Apply(SphereCommand{Radius: 0.5}))
	assert.Equal(t, 0.05, controller.Sphere().Radius)
}
