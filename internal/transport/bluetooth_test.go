package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChar struct {
	mu      sync.Mutex
	notify  func([]byte)
	written [][]byte
	subErr  error
}

func (c *fakeChar) Subscribe(fn func([]byte)) error {
	if c.subErr != nil {
		return c.subErr
	}
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
	return nil
}

func (c *fakeChar) Write(p []byte) error {
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

func (c *fakeChar) push(p []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	fn(p)
}

func (c *fakeChar) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakePeriph struct {
	chars  map[string]*fakeChar
	mu     sync.Mutex
	onDrop func()
	closed bool
}

func (p *fakePeriph) Characteristic(_, uuid string) (Characteristic, error) {
	c, ok := p.chars[uuid]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (p *fakePeriph) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeriph) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.onDrop = fn
	p.mu.Unlock()
}

func (p *fakePeriph) drop() {
	p.mu.Lock()
	fn := p.onDrop
	p.mu.Unlock()
	fn()
}

type fakeCentral struct {
	adverts  []Advertisement
	periphs  []*fakePeriph // handed out in order, the last one repeats
	connects int
	failFrom int // connects at or after this index fail, 0 disables
	hang     bool
	mu       sync.Mutex

	// when held is set, the connect with index holdAt signals held and
	// waits for release before returning
	holdAt  int
	held    chan struct{}
	release chan struct{}
}

func (c *fakeCentral) Enable() error { return nil }

func (c *fakeCentral) Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error) {
	for _, a := range c.adverts {
		if match(a) {
			return a, nil
		}
	}
	<-ctx.Done()
	return Advertisement{}, ctx.Err()
}

func (c *fakeCentral) Connect(ctx context.Context, _ Advertisement) (Peripheral, error) {
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c.mu.Lock()
	n := c.connects
	c.connects++
	c.mu.Unlock()
	if c.held != nil && n == c.holdAt {
		close(c.held)
		<-c.release
	}
	if c.failFrom > 0 && n >= c.failFrom {
		return nil, errors.New("out of range")
	}
	if n >= len(c.periphs) {
		n = len(c.periphs) - 1
	}
	return c.periphs[n], nil
}

func (p *fakePeriph) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newFullPeriph() *fakePeriph {
	return &fakePeriph{chars: map[string]*fakeChar{
		UARTTxUUID: {}, UARTRxUUID: {}, DataTxUUID: {}, DataRxUUID: {},
	}}
}

func TestBluetoothConnectWithDataChannel(t *testing.T) {
	p := newFullPeriph()
	c := &fakeCentral{
		adverts: []Advertisement{{Name: "Phone"}, {Name: "XRP-1234"}},
		periphs: []*fakePeriph{p},
	}
	b := NewBluetooth(BluetoothConfig{}, c, zaptest.NewLogger(t))

	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
	assert.True(t, b.HasDataChannel())
	assert.Equal(t, "BLE XRP-1234", b.Name())

	require.NoError(t, b.Write([]byte("print(1)")))
	require.NoError(t, b.WriteData([]byte{0x55, 2, 0, 127}))
	assert.Equal(t, [][]byte{[]byte("print(1)")}, p.chars[UARTTxUUID].writes())
	assert.Len(t, p.chars[DataTxUUID].writes(), 1)

	p.chars[UARTRxUUID].push([]byte(">>> "))
	got, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ">>> ", string(got))

	p.chars[DataRxUUID].push([]byte{0x46, 0})
	got, err = b.ReadData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x46, 0}, got)

	require.NoError(t, b.Disconnect())
	_, err = b.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBluetoothOlderFirmwareDegrades(t *testing.T) {
	p := &fakePeriph{chars: map[string]*fakeChar{UARTTxUUID: {}, UARTRxUUID: {}}}
	c := &fakeCentral{adverts: []Advertisement{{Name: "XRP"}}, periphs: []*fakePeriph{p}}
	b := NewBluetooth(BluetoothConfig{}, c, zaptest.NewLogger(t))

	require.NoError(t, b.Connect(context.Background()))
	assert.False(t, b.HasDataChannel())
	assert.ErrorIs(t, b.WriteData([]byte{1}), ErrClosed)
	assert.NoError(t, b.Write([]byte("x")))
}

func TestBluetoothMissingRequiredCharacteristic(t *testing.T) {
	p := &fakePeriph{chars: map[string]*fakeChar{UARTTxUUID: {}}}
	c := &fakeCentral{adverts: []Advertisement{{Name: "XRP"}}, periphs: []*fakePeriph{p}}
	b := NewBluetooth(BluetoothConfig{}, c, zaptest.NewLogger(t))

	err := b.Connect(context.Background())
	var cerr *CharacteristicError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, UARTRxUUID, cerr.UUID)
	assert.False(t, b.IsConnected())
	assert.True(t, p.closed)
}

func TestBluetoothConnectTimeout(t *testing.T) {
	c := &fakeCentral{adverts: []Advertisement{{Name: "XRP"}}, hang: true}
	b := NewBluetooth(BluetoothConfig{ConnectTimeoutMs: 30}, c, zaptest.NewLogger(t))

	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestBluetoothReconnectAfterDrop(t *testing.T) {
	first, second := newFullPeriph(), newFullPeriph()
	c := &fakeCentral{adverts: []Advertisement{{Name: "XRP"}}, periphs: []*fakePeriph{first, second}}
	b := NewBluetooth(BluetoothConfig{ReconnectTimeoutMs: 100}, c, zaptest.NewLogger(t))
	require.NoError(t, b.Connect(context.Background()))

	first.drop()

	require.Eventually(t, b.IsConnected, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Write([]byte("after")))
	assert.Equal(t, [][]byte{[]byte("after")}, second.chars[UARTTxUUID].writes())
}

func TestBluetoothReconnectExhausted(t *testing.T) {
	p := newFullPeriph()
	c := &fakeCentral{adverts: []Advertisement{{Name: "XRP"}}, periphs: []*fakePeriph{p}, failFrom: 1}
	b := NewBluetooth(BluetoothConfig{ReconnectAttempts: 2, ReconnectTimeoutMs: 50}, c, zaptest.NewLogger(t))
	require.NoError(t, b.Connect(context.Background()))

	p.drop()

	assert.Eventually(t, func() bool {
		_, err := b.Read(context.Background())
		return errors.Is(err, ErrClosed)
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, b.IsConnected())
}

func TestBluetoothDisconnectDuringReconnect(t *testing.T) {
	first, second := newFullPeriph(), newFullPeriph()
	c := &fakeCentral{
		adverts: []Advertisement{{Name: "XRP"}},
		periphs: []*fakePeriph{first, second},
		holdAt:  1,
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
	b := NewBluetooth(BluetoothConfig{ReconnectTimeoutMs: 500}, c, zaptest.NewLogger(t))
	require.NoError(t, b.Connect(context.Background()))

	first.drop()
	<-c.held
	require.NoError(t, b.Disconnect())
	close(c.release)

	assert.Eventually(t, second.isClosed, time.Second, 5*time.Millisecond)
	assert.Never(t, b.IsConnected, 100*time.Millisecond, 10*time.Millisecond)
	assert.False(t, b.HasDataChannel())
	assert.ErrorIs(t, b.Write([]byte("x")), ErrClosed)
	_, err := b.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 2, c.connects)
}
