package transport

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// tinyCentral drives the host adapter through tinygo.org/x/bluetooth.
type tinyCentral struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu     sync.Mutex
	onDrop map[string]func()
}

// NewTinyGoCentral returns a Central backed by the system's default adapter.
func NewTinyGoCentral() Central {
	return &tinyCentral{
		adapter: bluetooth.DefaultAdapter,
		onDrop:  make(map[string]func()),
	}
}

func (c *tinyCentral) Enable() error {
	c.enableOnce.Do(func() {
		c.enableErr = c.adapter.Enable()
		if c.enableErr == nil {
			c.adapter.SetConnectHandler(c.connectEvent)
		}
	})
	return c.enableErr
}

func (c *tinyCentral) connectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	fn := c.onDrop[device.Address.String()]
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *tinyCentral) Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error) {
	found := make(chan Advertisement, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			adv := Advertisement{
				Name:    r.LocalName(),
				Address: r.Address.String(),
				RSSI:    r.RSSI,
				handle:  r.Address,
			}
			if !match(adv) {
				return
			}
			select {
			case found <- adv:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case adv := <-found:
		<-done
		return adv, nil
	case err := <-done:
		select {
		case adv := <-found:
			return adv, nil
		default:
		}
		if err == nil {
			err = ErrNotFound
		}
		return Advertisement{}, err
	case <-ctx.Done():
		c.adapter.StopScan()
		<-done
		return Advertisement{}, ctx.Err()
	}
}

func (c *tinyCentral) Connect(ctx context.Context, adv Advertisement) (Peripheral, error) {
	addr, ok := adv.handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("advertisement %q was not produced by this adapter", adv.Name)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		res <- result{dev, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		return &tinyPeripheral{central: c, device: r.dev, addr: adv.Address, services: make(map[string]bluetooth.DeviceService)}, nil
	case <-ctx.Done():
		// the radio call cannot be cancelled; drop the link if it lands late
		go func() {
			if r := <-res; r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type tinyPeripheral struct {
	central *tinyCentral
	device  bluetooth.Device
	addr    string

	mu       sync.Mutex
	services map[string]bluetooth.DeviceService
}

func (p *tinyPeripheral) service(uuid string) (bluetooth.DeviceService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if svc, ok := p.services[uuid]; ok {
		return svc, nil
	}
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return bluetooth.DeviceService{}, err
	}
	svcs, err := p.device.DiscoverServices([]bluetooth.UUID{u})
	if err != nil {
		return bluetooth.DeviceService{}, fmt.Errorf("discover service %s: %w", uuid, err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceService{}, fmt.Errorf("service %s not present", uuid)
	}
	p.services[uuid] = svcs[0]
	return svcs[0], nil
}

func (p *tinyPeripheral) Characteristic(service, uuid string) (Characteristic, error) {
	svc, err := p.service(service)
	if err != nil {
		return nil, err
	}
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{u})
	if err != nil {
		return nil, err
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not present", uuid)
	}
	return &tinyCharacteristic{char: chars[0]}, nil
}

func (p *tinyPeripheral) OnDisconnect(fn func()) {
	p.central.mu.Lock()
	p.central.onDrop[p.addr] = fn
	p.central.mu.Unlock()
}

func (p *tinyPeripheral) Disconnect() error {
	p.central.mu.Lock()
	delete(p.central.onDrop, p.addr)
	p.central.mu.Unlock()
	return p.device.Disconnect()
}

type tinyCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyCharacteristic) Subscribe(fn func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// the stack reuses buf after the callback returns
		fn(append([]byte(nil), buf...))
	})
}

func (c *tinyCharacteristic) Write(p []byte) error {
	_, err := c.char.WriteWithoutResponse(p)
	return err
}
