package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/shaunagostinho/xrplink/internal/telemetry"
)

func (d *Device) telemetryLoop(stop <-chan struct{}) {
	defer d.telemWG.Done()

	ticker := time.NewTicker(d.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.data.Deliver(d.nextTelemetry())
		}
	}
}

// nextTelemetry advances the simulated robot and returns the records to
// send: a session marker first, then one values record per tick.
func (d *Device) nextTelemetry() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []byte
	if !d.sessionSent {
		out = append(out, telemetry.SessionStart()...)
		d.sessionSent = true
	}

	d.t += 0.05 // ~20Hz tick

	// Robot driving slow circles
	yaw := math.Mod(d.t*20, 360)
	roll := 2 * math.Sin(d.t*1.3)
	pitch := 1.5 * math.Cos(d.t*0.9)
	speed := 0.5 + 0.5*math.Sin(d.t*0.2)*math.Sin(d.t*0.2)

	encL := d.t * 30 * speed
	encR := d.t * 26 * speed
	currL := 120*speed + rand.Float64()*10
	currR := 110*speed + rand.Float64()*10

	dist := 40 + 25*math.Sin(d.t*0.7)
	if dist < 2 {
		dist = 2
	}
	voltage := 7.6 - math.Mod(d.t, 600)/600*0.8 + rand.Float64()*0.05

	var enc telemetry.Encoder
	enc.AppendFloat(0, float32(yaw)).
		AppendFloat(1, float32(roll)).
		AppendFloat(2, float32(pitch)).
		AppendFloat(3, float32(0.02*math.Sin(d.t))).
		AppendFloat(4, float32(0.02*math.Cos(d.t))).
		AppendFloat(5, 1.0).
		AppendFloat(6, float32(encL)).
		AppendFloat(7, float32(encR)).
		AppendFloat(10, float32(currL)).
		AppendFloat(11, float32(currR))
	out = append(out, enc.Bytes()...)

	enc.AppendFloat(14, float32(dist)).
		AppendInt(15, byte(128+100*math.Sin(d.t))).
		AppendInt(16, byte(128+100*math.Cos(d.t))).
		AppendFloat(17, float32(voltage))
	out = append(out, enc.Bytes()...)
	return out
}
