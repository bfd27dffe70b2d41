package wa

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrImageSize = 256

// StartPairing connects the client and streams pairing QR codes onto the
// bus until the phone links or the channel closes. Must be called before
// the client is connected; when credentials already exist, call Connect
// directly instead.
func (a *Adapter) StartPairing(ctx context.Context) error {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				dataURL, err := encodeQRDataURL(evt.Code)
				if err != nil {
					a.logger.Error("failed to encode QR code", zap.Error(err))
					continue
				}
				a.logger.Info("new pairing code issued")
				a.bus.Publish(bus.Event{Kind: "wa.qr", Timestamp: time.Now(), Payload: dataURL})
			case "success":
				a.logger.Info("pairing successful")
			case "timeout":
				a.logger.Warn("pairing timed out")
				a.bus.Publish(bus.Event{Kind: "wa.pairing_timeout", Timestamp: time.Now()})
			default:
				a.logger.Debug("QR channel event", zap.String("event", evt.Event))
			}
		}
	}()

	return nil
}

// encodeQRDataURL renders the pairing code as a PNG data URL so browser
// clients can drop it straight into an img tag.
func encodeQRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
