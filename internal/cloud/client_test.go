package cloud

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"plantnode/internal/events"
	"plantnode/internal/metrics"
	"plantnode/internal/mqtt"
	"plantnode/internal/sensors"
	"plantnode/internal/storage"
)

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	hooks        []func()
	lostHooks    []func(error)
	states       []mqtt.PropertyState
	availability []string
	setHandlers  map[string]func(float64)
	disconnects  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{setHandlers: make(map[string]func(float64))}
}

func (f *fakeTransport) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeTransport) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostHooks = append(f.lostHooks, fn)
}

// dropConnection simulates the broker going away while the transport
// reconnects in the background
func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	hooks := append([]func(error){}, f.lostHooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (f *fakeTransport) PublishState(thingID string, state mqtt.PropertyState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeTransport) PublishAvailability(thingID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availability = append(f.availability, payload)
	return nil
}

func (f *fakeTransport) SubscribeSet(thingID, name string, fn func(float64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setHandlers[name] = fn
	return nil
}

func (f *fakeTransport) published() []mqtt.PropertyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mqtt.PropertyState(nil), f.states...)
}

func factoryFor(t Transport, seen *Identity) TransportFactory {
	return func(id Identity) (Transport, error) {
		if seen != nil {
			*seen = id
		}
		return t, nil
	}
}

func configured(c *Client) {
	c.SetThingID("T1")
	c.SetBoardID("B1")
	c.SetSecretDeviceKey("K1")
}

func TestBeginRejectsMissingIdentity(t *testing.T) {
	c := NewClient(factoryFor(newFakeTransport(), nil))
	var v sensors.Variable
	c.AddProperty("temperature", &v, Read).PublishEvery(10)

	err := c.Begin(context.Background(), nil)
	for _, want := range []error{ErrMissingThingID, ErrMissingBoardID, ErrMissingDeviceKey} {
		if !errors.Is(err, want) {
			t.Errorf("Begin() error = %v; want it to wrap %v", err, want)
		}
	}
}

func TestBeginRejectsDuplicatesAndBadIntervals(t *testing.T) {
	c := NewClient(factoryFor(newFakeTransport(), nil))
	configured(c)

	var a, b sensors.Variable
	c.AddProperty("humidity", &a, Read).PublishEvery(10)
	c.AddProperty("humidity", &b, Read).PublishEvery(10)
	c.AddProperty("soilPercent", &b, Read)

	err := c.Begin(context.Background(), nil)
	if !errors.Is(err, ErrDuplicateProperty) {
		t.Errorf("Begin() error = %v; want ErrDuplicateProperty", err)
	}
	if !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("Begin() error = %v; want ErrInvalidInterval", err)
	}
	if got := len(c.Properties()); got != 2 {
		t.Errorf("Properties() = %d; want 2 (duplicate not registered)", got)
	}
}

func TestBeginConnectsWithIdentity(t *testing.T) {
	ft := newFakeTransport()
	var seen Identity
	store := events.NewStore(10)
	c := NewClient(factoryFor(ft, &seen), WithEvents(store))
	configured(c)

	var v sensors.Variable
	c.AddProperty("temperature", &v, Read).PublishEvery(10)

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if seen != (Identity{ThingID: "T1", BoardID: "B1", DeviceKey: "K1"}) {
		t.Errorf("transport identity = %+v", seen)
	}
	if !c.Connected() {
		t.Error("Connected() = false after Begin")
	}
	if len(ft.availability) != 1 || ft.availability[0] != mqtt.PayloadOnline {
		t.Errorf("availability = %v; want [online]", ft.availability)
	}
	if len(ft.setHandlers) != 0 {
		t.Errorf("read-only property subscribed to writes: %v", ft.setHandlers)
	}
	if store.Count() != 1 {
		t.Errorf("events recorded = %d; want 1", store.Count())
	}

	if err := c.Begin(context.Background(), nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Begin() error = %v; want ErrAlreadyStarted", err)
	}
}

func TestBeginConnectFailureAllowsRetry(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("broker unreachable")
	c := NewClient(factoryFor(ft, nil))
	configured(c)
	var v sensors.Variable
	c.AddProperty("temperature", &v, Read).PublishEvery(10)

	if err := c.Begin(context.Background(), nil); err == nil {
		t.Fatal("Begin() succeeded with failing transport")
	}

	ft.connectErr = nil
	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("retry Begin() error = %v", err)
	}
}

type blockedNetwork struct{}

func (blockedNetwork) AwaitConnected(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBeginWaitsForNetwork(t *testing.T) {
	c := NewClient(factoryFor(newFakeTransport(), nil))
	configured(c)
	var v sensors.Variable
	c.AddProperty("temperature", &v, Read).PublishEvery(10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Begin(ctx, blockedNetwork{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Begin() error = %v; want deadline exceeded", err)
	}
}

func TestWritablePropertySubscribes(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(factoryFor(ft, nil))
	configured(c)

	var target sensors.Variable
	c.AddProperty("soilTarget", &target, ReadWrite).PublishEvery(10)

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	set, ok := ft.setHandlers["soilTarget"]
	if !ok {
		t.Fatal("writable property did not subscribe")
	}
	set(55)
	if target.Get() != 55 {
		t.Errorf("variable = %v after cloud write; want 55", target.Get())
	}
}

func TestPublishRecordsOutcome(t *testing.T) {
	ft := newFakeTransport()
	m := metrics.New()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "cloud.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	c := NewClient(factoryFor(ft, nil), WithMetrics(m), WithStorage(store, 2))
	configured(c)

	var v sensors.Variable
	p := c.AddProperty("soilPercent", &v, Read).PublishEvery(10)

	// before Begin there is no transport
	if u := c.Publish(p); u.Error == "" {
		t.Error("Publish() before Begin reported no error")
	}

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	var updates []Update
	c.OnPublish(func(u Update) { updates = append(updates, u) })

	for _, value := range []float64{10, 20, 30} {
		v.Set(value)
		if u := c.Publish(p); u.Error != "" {
			t.Fatalf("Publish() error = %s", u.Error)
		}
	}

	states := ft.published()
	if len(states) != 3 || states[2].Value != 30 || states[2].Name != "soilPercent" {
		t.Errorf("published states = %+v", states)
	}
	if len(updates) != 3 {
		t.Errorf("observer saw %d updates; want 3", len(updates))
	}
	if p.LastSent().IsZero() {
		t.Error("LastSent() not updated")
	}

	last, err := store.LastValue("soilPercent")
	if err != nil || last != 30 {
		t.Errorf("stored last value = %v, %v; want 30", last, err)
	}
	history, err := c.History("soilPercent", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d; want 2 (trimmed)", len(history))
	}

	ft.Disconnect()
	if u := c.Publish(p); u.Error != ErrNotConnected.Error() {
		t.Errorf("Publish() while disconnected error = %q; want %q", u.Error, ErrNotConnected)
	}
}

func TestConnectionLossIsReported(t *testing.T) {
	ft := newFakeTransport()
	m := metrics.New()
	store := events.NewStore(10)
	c := NewClient(factoryFor(ft, nil), WithMetrics(m), WithEvents(store))
	configured(c)

	var v sensors.Variable
	p := c.AddProperty("temperature", &v, Read).PublishEvery(10)

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := testutil.ToFloat64(m.CloudConnected); got != 1 {
		t.Fatalf("cloud_connected = %v after Begin; want 1", got)
	}

	ft.dropConnection(errors.New("EOF"))

	if got := testutil.ToFloat64(m.CloudConnected); got != 0 {
		t.Errorf("cloud_connected = %v after connection loss; want 0", got)
	}
	last := store.GetLast(1)
	if len(last) != 1 || last[0].Type != events.EventCloudDisconnected || last[0].Details != "EOF" {
		t.Errorf("last event = %+v; want cloud_disconnected with EOF", last)
	}
	if c.Connected() {
		t.Error("Connected() = true while the transport is down")
	}

	u := c.Publish(p)
	if u.Error != ErrNotConnected.Error() {
		t.Errorf("Publish() during outage error = %q; want %q", u.Error, ErrNotConnected)
	}
	if got := testutil.ToFloat64(m.Publishes.WithLabelValues("temperature", metrics.ResultError)); got != 1 {
		t.Errorf("error publishes = %v; want 1", got)
	}
	if !p.LastSent().IsZero() {
		t.Error("LastSent() updated by a failed publish")
	}
}

func TestBeginRestoresLastValues(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "restore.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	if err := store.SetLastValue("humidity", 61.5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.SetLastValue("temperature", 99); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewClient(factoryFor(newFakeTransport(), nil), WithStorage(store, 10))
	configured(c)

	var humidity, temperature sensors.Variable
	temperature.Set(21) // already sampled, must not be overwritten
	c.AddProperty("humidity", &humidity, Read).PublishEvery(10)
	c.AddProperty("temperature", &temperature, Read).PublishEvery(10)

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if humidity.Get() != 61.5 {
		t.Errorf("humidity = %v; want restored 61.5", humidity.Get())
	}
	if temperature.Get() != 21 {
		t.Errorf("temperature = %v; want 21", temperature.Get())
	}
}

func TestRunPublishesEachReadableProperty(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(factoryFor(ft, nil))
	configured(c)

	node := sensors.NewNode()
	node.Temperature.Set(22.5)
	node.SoilPercent.Set(40)
	var target sensors.Variable

	c.AddProperty("temperature", &node.Temperature, Read).PublishEvery(10)
	c.AddProperty("soilPercent", &node.SoilPercent, Read).PublishEvery(10)
	c.AddProperty("soilTarget", &target, Write)

	if err := c.Run(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Run() before Begin error = %v; want ErrNotStarted", err)
	}

	if err := c.Begin(context.Background(), nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	states := ft.published()
	if len(states) != 2 {
		t.Fatalf("published %d states; want 2 (one per readable property)", len(states))
	}
	got := map[string]float64{}
	for _, s := range states {
		got[s.Name] = s.Value
	}
	if got["temperature"] != 22.5 || got["soilPercent"] != 40 {
		t.Errorf("published values = %v", got)
	}

	if ft.availability[len(ft.availability)-1] != mqtt.PayloadOffline {
		t.Errorf("last availability = %q; want offline", ft.availability[len(ft.availability)-1])
	}
	if ft.disconnects != 1 {
		t.Errorf("disconnects = %d; want 1", ft.disconnects)
	}
}
