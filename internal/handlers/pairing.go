package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
)

// Pairer asks the provider for a pairing code.
type Pairer interface {
	Connect(ctx context.Context) (evolution.ConnectResponse, error)
}

// ErrNoPairingCode is returned when the instance is already paired.
var ErrNoPairingCode = errors.New("instance returned no pairing code")

// PairingPNG returns the pairing QR as PNG bytes. A provider-rendered image
// is used when present, otherwise the raw code is rendered locally.
func PairingPNG(ctx context.Context, p Pairer) ([]byte, evolution.ConnectResponse, error) {
	resp, err := p.Connect(ctx)
	if err != nil {
		return nil, resp, err
	}
	if b64 := strings.TrimSpace(resp.Base64); b64 != "" {
		if !strings.HasPrefix(b64, "data:") {
			b64 = "data:image/png;base64," + b64
		}
		du, err := dataurl.DecodeString(b64)
		if err == nil && len(du.Data) > 0 {
			return du.Data, resp, nil
		}
		log.Warn().Err(err).Msg("Could not decode provider QR image, rendering code instead")
	}
	if resp.Code == "" {
		return nil, resp, ErrNoPairingCode
	}
	png, err := qrcode.Encode(resp.Code, qrcode.Medium, 256)
	if err != nil {
		return nil, resp, fmt.Errorf("render QR code: %w", err)
	}
	return png, resp, nil
}

// PairingQR serves the pairing QR code image.
func PairingQR(p Pairer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		png, resp, err := PairingPNG(r.Context(), p)
		switch {
		case err == nil:
		case errors.Is(err, evolution.ErrNotConfigured):
			respondWithError(w, http.StatusServiceUnavailable, "provider not configured")
			return
		case errors.Is(err, ErrNoPairingCode):
			respondWithJSON(w, http.StatusConflict, map[string]interface{}{"success": false, "error": err.Error(), "pairingCode": resp.PairingCode})
			return
		default:
			log.Error().Err(err).Msg("Failed to fetch pairing QR")
			respondWithError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		if resp.PairingCode != "" {
			w.Header().Set("X-Pairing-Code", resp.PairingCode)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	}
}
