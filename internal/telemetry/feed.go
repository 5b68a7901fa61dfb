// Package telemetry streams the device pose to display clients over websocket.
//
// The feed is a consumer of the haptics controller like any other: it reads
// the published position and sets the sphere, and never touches the device.
// Display scaling happens here only; the control loop works in meters.
package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"

	"github.com/zeusync/haptics/internal/core/events/bus"
	"github.com/zeusync/haptics/internal/core/haptics"
	"github.com/zeusync/haptics/internal/core/observability/log"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

const (
	PosePath = "/pose"

	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 16

	FramePose  = "pose"
	FrameState = "state"
)

var ErrInvalidCommand = errors.New("telemetry: invalid sphere command")

// Source is the part of the controller the feed needs.
type Source interface {
	DevicePosition() physics.Vec3
	IsReady() bool
	SetSphereProperties(center physics.Vec3, radius float64)
}

type Options struct {
	Interval time.Duration
	// Scale multiplies meters into display units. Incoming commands are divided by it.
	Scale float64
}

func DefaultOptions() Options {
	return Options{
		Interval: 20 * time.Millisecond,
		Scale:    10,
	}
}

// Frame is what clients receive. Position is in display units.
type Frame struct {
	Type     string     `json:"type"`
	Seq      uint64     `json:"seq"`
	Ready    bool       `json:"ready"`
	Position [3]float64 `json:"position"`
	State    string     `json:"state,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// SphereCommand is what clients send, in display units.
type SphereCommand struct {
	Center [3]float64 `json:"center"`
	Radius float64    `json:"radius"`
}

type Feed struct {
	source   Source
	options  Options
	logger   log.Log
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[*client]struct{}
	lastDigest uint64
	lastFrame  []byte
	closed     bool

	seq     atomic.Uint64
	skipped atomic.Uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewFeed(source Source, options Options, logger log.Log) *Feed {
	def := DefaultOptions()
	if options.Interval <= 0 {
		options.Interval = def.Interval
	}
	if !(options.Scale > 0) {
		options.Scale = def.Scale
	}
	if logger == nil {
		logger = log.Provide()
	}

	return &Feed{
		source:  source,
		options: options,
		logger:  logger.Named("telemetry"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// display clients are local tools served from anywhere
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler serves the websocket endpoint at PosePath.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PosePath, f.serveWS)
	return mux
}

// ToDisplay converts meters into display units.
func (f *Feed) ToDisplay(v physics.Vec3) physics.Vec3 {
	return v.Times(f.options.Scale)
}

// FromDisplay converts display units into meters.
func (f *Feed) FromDisplay(v physics.Vec3) physics.Vec3 {
	return v.Div(f.options.Scale)
}

// Run broadcasts a pose frame every interval until ctx is done, then
// disconnects all clients.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.options.Interval)
	defer ticker.Stop()

	f.logger.Info("Telemetry feed started",
		log.Duration("interval", f.options.Interval),
		log.Float64("scale", f.options.Scale))

	for {
		select {
		case <-ctx.Done():
			f.closeClients()
			f.logger.Info("Telemetry feed stopped", log.Uint64("skipped_frames", f.skipped.Load()))
			return nil
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick samples the source and broadcasts a pose frame if it changed since the
// last one.
func (f *Feed) Tick() {
	ready := f.source.IsReady()
	position := f.ToDisplay(f.source.DevicePosition())

	digest := poseDigest(ready, position)

	f.mu.Lock()
	unchanged := f.lastFrame != nil && digest == f.lastDigest
	f.mu.Unlock()
	if unchanged {
		f.skipped.Add(1)
		return
	}

	payload, err := f.encode(Frame{
		Type:     FramePose,
		Ready:    ready,
		Position: [3]float64{position.X, position.Y, position.Z},
	})
	if err != nil {
		f.logger.Error("Failed to encode pose frame", log.Error(err))
		return
	}

	// the digest always describes the frame clients last received
	f.mu.Lock()
	f.lastDigest = digest
	f.lastFrame = payload
	f.mu.Unlock()

	f.broadcast(payload)
}

// ObserveState forwards controller state transitions to clients as they happen.
func (f *Feed) ObserveState(events bus.EventBus) (bus.Subscription, error) {
	return events.Subscribe(haptics.EventStateChanged, func(e bus.Event) error {
		change, ok := e.Data().(haptics.StateChange)
		if !ok {
			return fmt.Errorf("telemetry: unexpected %s payload %T", e.Type(), e.Data())
		}

		frame := Frame{
			Type:  FrameState,
			Ready: change.To == haptics.StateReady || change.To == haptics.StateRunning,
			State: change.To.String(),
		}
		if change.Err != nil {
			frame.Error = change.Err.Error()
		}

		payload, err := f.encode(frame)
		if err != nil {
			return err
		}
		f.broadcast(payload)
		return nil
	})
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Apply validates a sphere command and hands it to the source in meters.
func (f *Feed) Apply(cmd SphereCommand) error {
	center := physics.NewVec3(cmd.Center[0], cmd.Center[1], cmd.Center[2])
	if !center.IsFinite() || math.IsNaN(cmd.Radius) || math.IsInf(cmd.Radius, 0) {
		return ErrInvalidCommand
	}

	f.source.SetSphereProperties(f.FromDisplay(center), cmd.Radius/f.options.Scale)
	return nil
}

func (f *Feed) encode(frame Frame) ([]byte, error) {
	frame.Seq = f.seq.Add(1)
	return json.Marshal(frame)
}

func (f *Feed) broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for c := range f.clients {
		select {
		case c.send <- payload:
		default:
			// a client that cannot keep up is dropped rather than slowing the rest
			f.logger.Warn("Dropping slow telemetry client", log.String("remote", c.conn.RemoteAddr().String()))
			f.removeLocked(c)
		}
	}
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !f.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopped"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	f.logger.Debug("Telemetry client connected", log.String("remote", conn.RemoteAddr().String()))

	go f.writePump(c)
	f.readPump(c)
}

func (f *Feed) register(c *client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	if f.lastFrame != nil {
		c.send <- f.lastFrame
	}
	return true
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(c)
}

func (f *Feed) removeLocked(c *client) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.send)
}

func (f *Feed) closeClients() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for c := range f.clients {
		f.removeLocked(c)
	}
}

func (f *Feed) readPump(c *client) {
	defer func() {
		f.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("Telemetry client read error", log.Error(err))
			}
			return
		}

		var cmd SphereCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			f.logger.Warn("Malformed sphere command", log.Error(err))
			continue
		}
		if err := f.Apply(cmd); err != nil {
			f.logger.Warn("Rejected sphere command", log.Error(err))
		}
	}
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				f.logger.Debug("Telemetry write failed", log.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func poseDigest(ready bool, position physics.Vec3) uint64 {
	var buf [25]byte
	if ready {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(position.X))
	binary.LittleEndian.PutUint64(buf[9:], math.Float64bits(position.Y))
	binary.LittleEndian.PutUint64(buf[17:], math.Float64bits(position.Z))
	return xxhash.Sum64(buf[:])
}
