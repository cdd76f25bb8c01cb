package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GATT layout of the XRP firmware: Nordic UART for the REPL plus an
// optional pair of characteristics for telemetry and joystick traffic.
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTTxUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // host -> robot
	UARTRxUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // robot -> host
	DataTxUUID      = "92ae6088-f24d-4360-b1b1-a432a8ed36ff"
	DataRxUUID      = "92ae6088-f24d-4360-b1b1-a432a8ed36fe"
)

const (
	defaultConnectTimeout   = 60 * time.Second
	defaultReconnectTimeout = 10 * time.Second
	defaultReconnectTries   = 5
)

// Advertisement is a device seen during a scan.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int16

	handle any // radio specific address
}

// Central is the host side of the BLE radio.
type Central interface {
	Enable() error
	// Scan reports advertisements until match returns true or ctx ends.
	Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error)
	Connect(ctx context.Context, adv Advertisement) (Peripheral, error)
}

// Peripheral is a connected robot.
type Peripheral interface {
	Characteristic(service, uuid string) (Characteristic, error)
	Disconnect() error
	// OnDisconnect registers fn to run when the link drops unexpectedly.
	OnDisconnect(fn func())
}

// Characteristic is a single GATT characteristic.
type Characteristic interface {
	Subscribe(fn func([]byte)) error
	Write(p []byte) error
}

// BluetoothConfig holds connection settings for the BLE transport.
type BluetoothConfig struct {
	NamePrefix         string `yaml:"name_prefix" json:"namePrefix"`
	ReconnectAttempts  int    `yaml:"reconnect_attempts" json:"reconnectAttempts"`
	ReconnectTimeoutMs int    `yaml:"reconnect_timeout_ms" json:"reconnectTimeoutMs"`
	ConnectTimeoutMs   int    `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
}

// Bluetooth is the BLE transport.
type Bluetooth struct {
	cfg     BluetoothConfig
	central Central
	log     *zap.Logger

	repl *Mailbox
	data *Mailbox

	mu         sync.Mutex
	adv        Advertisement
	periph     Peripheral
	tx         Characteristic
	dataTx     Characteristic
	queue      *writeQueue
	dataQueue  *writeQueue
	connected  bool
	manualStop bool
}

// NewBluetooth creates a BLE transport on top of central.
func NewBluetooth(cfg BluetoothConfig, central Central, log *zap.Logger) *Bluetooth {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "XRP"
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectTries
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bluetooth{
		cfg:     cfg,
		central: central,
		log:     log.Named("ble"),
		repl:    NewMailbox(DefaultReceiveTimeout),
		data:    NewMailbox(DefaultReceiveTimeout),
	}
}

func (b *Bluetooth) Kind() Kind { return KindBluetooth }

func (b *Bluetooth) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adv.Name != "" {
		return "BLE " + b.adv.Name
	}
	return "BLE"
}

func (b *Bluetooth) connectTimeout() time.Duration {
	if b.cfg.ConnectTimeoutMs > 0 {
		return time.Duration(b.cfg.ConnectTimeoutMs) * time.Millisecond
	}
	return defaultConnectTimeout
}

func (b *Bluetooth) reconnectTimeout() time.Duration {
	if b.cfg.ReconnectTimeoutMs > 0 {
		return time.Duration(b.cfg.ReconnectTimeoutMs) * time.Millisecond
	}
	return defaultReconnectTimeout
}

// Connect scans for a robot advertising the configured name prefix and
// attaches to its UART service. The whole attempt is bounded so a hung
// radio stack cannot block the caller forever.
func (b *Bluetooth) Connect(ctx context.Context) error {
	if err := b.central.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout())
	defer cancel()

	b.log.Info("scanning", zap.String("prefix", b.cfg.NamePrefix))
	adv, err := b.central.Scan(ctx, func(a Advertisement) bool {
		return strings.HasPrefix(a.Name, b.cfg.NamePrefix)
	})
	if err != nil {
		return b.mapTimeout(ctx, fmt.Errorf("ble: scan: %w", err))
	}
	b.log.Info("found robot", zap.String("name", adv.Name), zap.String("addr", adv.Address), zap.Int16("rssi", adv.RSSI))

	b.mu.Lock()
	b.adv = adv
	b.manualStop = false
	b.mu.Unlock()

	if err := b.attach(ctx); err != nil {
		return b.mapTimeout(ctx, err)
	}
	return nil
}

func (b *Bluetooth) mapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrConnectTimeout
	}
	return err
}

// attach connects to the remembered advertisement and wires up the
// characteristics. Used for the first connect and for reconnects.
func (b *Bluetooth) attach(ctx context.Context) error {
	b.mu.Lock()
	adv := b.adv
	b.mu.Unlock()

	periph, err := b.central.Connect(ctx, adv)
	if err != nil {
		return fmt.Errorf("ble: connect %s: %w", adv.Name, err)
	}

	tx, rx, dataTx, dataRx, err := b.discover(periph)
	if err != nil {
		var cerr *CharacteristicError
		if errors.As(err, &cerr) {
			b.log.Error("required characteristic missing", zap.String("uuid", cerr.UUID), zap.Error(cerr.Err))
		}
		periph.Disconnect()
		return err
	}

	if b.stopped() {
		periph.Disconnect()
		return ErrClosed
	}

	b.repl.Reopen()
	b.data.Reopen()

	if err := rx.Subscribe(b.repl.Deliver); err != nil {
		periph.Disconnect()
		return &CharacteristicError{UUID: UARTRxUUID, Err: err}
	}
	if dataRx != nil {
		if err := dataRx.Subscribe(b.data.Deliver); err != nil {
			b.log.Warn("data channel notifications unavailable, continuing REPL only", zap.Error(err))
			dataTx = nil
		}
	}

	queue := newWriteQueue(tx.Write, b.log)
	var dataQueue *writeQueue
	if dataTx != nil {
		dataQueue = newWriteQueue(dataTx.Write, b.log.Named("data"))
	} else {
		b.data.Close()
	}

	b.mu.Lock()
	if b.manualStop {
		// Disconnect ran while the characteristics were being wired.
		b.mu.Unlock()
		queue.Close()
		if dataQueue != nil {
			dataQueue.Close()
		}
		b.repl.Close()
		b.data.Close()
		periph.Disconnect()
		return ErrClosed
	}
	b.periph = periph
	b.tx = tx
	b.dataTx = dataTx
	b.queue = queue
	b.dataQueue = dataQueue
	b.connected = true
	b.mu.Unlock()

	periph.OnDisconnect(b.handleDrop)
	b.log.Info("connected", zap.String("name", adv.Name), zap.Bool("data_channel", dataTx != nil))
	return nil
}

// discover looks up each characteristic individually so a missing optional
// one can be told apart from a missing required one.
func (b *Bluetooth) discover(p Peripheral) (tx, rx, dataTx, dataRx Characteristic, err error) {
	tx, err = p.Characteristic(UARTServiceUUID, UARTTxUUID)
	if err != nil {
		return nil, nil, nil, nil, &CharacteristicError{UUID: UARTTxUUID, Err: err}
	}
	rx, err = p.Characteristic(UARTServiceUUID, UARTRxUUID)
	if err != nil {
		return nil, nil, nil, nil, &CharacteristicError{UUID: UARTRxUUID, Err: err}
	}

	dataTx, derr := p.Characteristic(UARTServiceUUID, DataTxUUID)
	if derr == nil {
		dataRx, derr = p.Characteristic(UARTServiceUUID, DataRxUUID)
	}
	if derr != nil {
		cerr := &CharacteristicError{UUID: DataTxUUID, Err: derr}
		if dataTx != nil {
			cerr.UUID = DataRxUUID
		}
		b.log.Warn("older firmware without data channel, continuing REPL only", zap.Error(cerr))
		return tx, rx, nil, nil, nil
	}
	return tx, rx, dataTx, dataRx, nil
}

// handleDrop runs when the radio reports the link lost.
func (b *Bluetooth) handleDrop() {
	b.mu.Lock()
	if !b.connected || b.manualStop {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.stopQueuesLocked()
	b.mu.Unlock()

	b.log.Warn("link lost, reconnecting", zap.Int("attempts", b.cfg.ReconnectAttempts))
	go b.reconnect()
}

func (b *Bluetooth) stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manualStop
}

func (b *Bluetooth) reconnect() {
	for attempt := 1; attempt <= b.cfg.ReconnectAttempts; attempt++ {
		if b.stopped() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.reconnectTimeout())
		err := b.attach(ctx)
		cancel()
		if err == nil {
			b.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		if b.stopped() {
			b.log.Info("reconnect abandoned after disconnect")
			return
		}
		b.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	b.log.Error("giving up on reconnect")
	b.repl.Close()
	b.data.Close()
}

func (b *Bluetooth) stopQueuesLocked() {
	if b.queue != nil {
		b.queue.Close()
		b.queue = nil
	}
	if b.dataQueue != nil {
		b.dataQueue.Close()
		b.dataQueue = nil
	}
}

func (b *Bluetooth) Disconnect() error {
	b.mu.Lock()
	b.manualStop = true
	periph := b.periph
	b.periph = nil
	b.connected = false
	b.stopQueuesLocked()
	b.mu.Unlock()

	b.repl.Close()
	b.data.Close()
	if periph == nil {
		return nil
	}
	b.log.Info("disconnecting")
	return periph.Disconnect()
}

func (b *Bluetooth) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bluetooth) Write(p []byte) error {
	b.mu.Lock()
	q := b.queue
	b.mu.Unlock()
	if q == nil {
		return ErrClosed
	}
	return q.Submit(p)
}

func (b *Bluetooth) Read(ctx context.Context) ([]byte, error) {
	return b.repl.Receive(ctx)
}

func (b *Bluetooth) HasDataChannel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataQueue != nil
}

func (b *Bluetooth) ReadData(ctx context.Context) ([]byte, error) {
	return b.data.Receive(ctx)
}

func (b *Bluetooth) WriteData(p []byte) error {
	b.mu.Lock()
	q := b.dataQueue
	b.mu.Unlock()
	if q == nil {
		return ErrClosed
	}
	return q.Submit(p)
}
