package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

type fakePairer struct {
	resp evolution.ConnectResponse
	err  error
}

func (f fakePairer) Connect(context.Context) (evolution.ConnectResponse, error) {
	return f.resp, f.err
}

func TestPairingPNG_ProviderImage(t *testing.T) {
	img := append(append([]byte{}, pngMagic...), 1, 2, 3)
	p := fakePairer{resp: evolution.ConnectResponse{Base64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)}}

	got, _, err := PairingPNG(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestPairingPNG_RendersCode(t *testing.T) {
	p := fakePairer{resp: evolution.ConnectResponse{Code: "2@abc,def,ghi", PairingCode: "WZYEH1YY"}}

	got, resp, err := PairingPNG(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(got, pngMagic))
	assert.Equal(t, "WZYEH1YY", resp.PairingCode)
}

func TestPairingQR_Handler(t *testing.T) {
	tests := []struct {
		name   string
		pairer fakePairer
		status int
	}{
		{"code", fakePairer{resp: evolution.ConnectResponse{Code: "2@abc"}}, http.StatusOK},
		{"already paired", fakePairer{}, http.StatusConflict},
		{"not configured", fakePairer{err: evolution.ErrNotConfigured}, http.StatusServiceUnavailable},
		{"provider down", fakePairer{err: evolution.ErrTimeout}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			PairingQR(tt.pairer).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/instance/qr.png", nil))
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
			}
		})
	}
}
