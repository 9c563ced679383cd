package localbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/simulator"
)

/*
 *   The local fulfillment path: a UDP responder that answers the
 *   platform's discovery broadcast with each device's local
 *   identifier, and an HTTP relay that hands commands to the virtual
 *   devices.
 */

// Bridge pairs the discovery responder with the command relay for a
// set of virtual devices
type Bridge struct {
	magic   string
	devices []*simulator.Device
}

func New(magic string, devs []*simulator.Device) *Bridge {
	return &Bridge{
		magic:   magic,
		devices: devs,
	}
}

// ServeDiscovery answers discovery probes on conn until the context is
// cancelled or the connection is closed.  A probe carrying the magic
// payload gets every device's local id sent back to the sender;
// anything else is logged and ignored.  Socket errors never kill the
// loop.
func (b *Bridge) ServeDiscovery(ctx context.Context, conn *net.UDPConn) {
	logger := logging.Logger(nil)
	logger.Infof("discovery responder listening on %s", conn.LocalAddr())

	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("discovery responder: shutting down")
				return
			default:
			}

			logger.WithError(err).Error("discovery responder: reading packet")
			continue
		}

		payload := string(buf[:n])
		logger.Infof("Got [%s] from %s", payload, addr)

		if payload != b.magic {
			logger.Warnf("discovery packet does not match the magic string [%s]", b.magic)
			continue
		}

		for _, device := range b.devices {
			if _, err := conn.WriteToUDP([]byte(device.LocalID()), addr); err != nil {
				logger.WithError(err).Errorf("discovery responder: answering %s", addr)
				continue
			}
			logger.Infof("Done sending [%s] to %s", device.LocalID(), addr)
		}
	}
}

// CommandHandler returns the HTTP handler for the command relay.  The
// body carries a type discriminator and either a relayed command or a
// partial state; the discriminator picks the virtual device.
func (b *Bridge) CommandHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger := logging.Logger(r.Context())

		var body devices.State
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			ctxLogger.WithError(err).Error("command relay: decoding JSON")
			http.Error(w, "unable to parse JSON", http.StatusBadRequest)
			return
		}

		ctxLogger.Infof("command relay: %+v", body)

		typeName, _ := body["type"].(string)
		delete(body, "type")

		device := b.deviceOfType(typeName)
		if device == nil {
			ctxLogger.Warnf("command relay: unhandled device type [%s]", typeName)
			if _, err := w.Write([]byte("UNHANDLED DEVICE TYPE")); err != nil {
				ctxLogger.WithError(err).Error("command relay: writing response")
			}
			return
		}

		if err := device.ApplyUpdate(body); err != nil {
			// Local to this one command; the relay stays up
			ctxLogger.WithError(err).Error("command relay: applying update")
		}

		if _, err := w.Write([]byte("OK")); err != nil {
			ctxLogger.WithError(err).Error("command relay: writing response")
		}
	})
}

func (b *Bridge) deviceOfType(typeName string) *simulator.Device {
	t, err := devices.ParseType(typeName)
	if err != nil {
		return nil
	}

	for _, device := range b.devices {
		if device.Type() == t {
			return device
		}
	}

	return nil
}
