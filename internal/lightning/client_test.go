package lightning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
)

const testMacaroon = "deadbeef"

func newTestClient(url string) *Client {
	return NewClient(Options{
		RestURL:     url,
		MacaroonHex: testMacaroon,
		Timeout:     2 * time.Second,
	})
}

func TestCreateInvoice(t *testing.T) {
	hashBytes := []byte("0123456789abcdef0123456789abcdef")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/invoices", r.URL.Path)
		assert.Equal(t, testMacaroon, r.Header.Get("Grpc-Metadata-macaroon"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "500", body["value"])
		assert.Equal(t, "3600", body["expiry"])

		json.NewEncoder(w).Encode(map[string]string{
			"payment_request": "lnbc5u1test",
			"r_hash":          base64.StdEncoding.EncodeToString(hashBytes),
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	inv, err := client.CreateInvoice(context.Background(), 500, "test memo", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "lnbc5u1test", inv.Bolt11)
	assert.Equal(t, hex.EncodeToString(hashBytes), inv.PaymentHash)
	assert.Equal(t, int64(500), inv.AmountSats)
	assert.WithinDuration(t, time.Now().Add(time.Hour), inv.ExpiresAt, 5*time.Second)
}

func TestLookupInvoice(t *testing.T) {
	paymentHash := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	t.Run("settled invoice reports paid", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The path carries the hash URL-safe-base64 encoded.
			hashBytes, _ := hex.DecodeString(paymentHash)
			assert.Equal(t, "/v1/invoice/"+base64.RawURLEncoding.EncodeToString(hashBytes), r.URL.Path)

			json.NewEncoder(w).Encode(map[string]string{
				"state":        "SETTLED",
				"amt_paid_sat": "500",
				"settle_date":  "1717243200",
			})
		}))
		defer server.Close()

		state, err := newTestClient(server.URL).LookupInvoice(context.Background(), paymentHash)
		require.NoError(t, err)

		assert.Equal(t, StatusPaid, state.Status)
		assert.Equal(t, int64(500), state.SettledAmountSats)
		require.NotNil(t, state.SettledAt)
		assert.Equal(t, int64(1717243200), state.SettledAt.Unix())
	})

	t.Run("open invoice reports pending", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"state": "OPEN"})
		}))
		defer server.Close()

		state, err := newTestClient(server.URL).LookupInvoice(context.Background(), paymentHash)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, state.Status)
		assert.Nil(t, state.SettledAt)
	})

	t.Run("canceled invoice reports canceled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"state": "CANCELED"})
		}))
		defer server.Close()

		state, err := newTestClient(server.URL).LookupInvoice(context.Background(), paymentHash)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, state.Status)
	})

	t.Run("non-hex hash is a terminal error", func(t *testing.T) {
		_, err := newTestClient("http://localhost:1").LookupInvoice(context.Background(), "not-hex!")
		assert.Equal(t, apperrors.ErrCodeInvalidInvoice, apperrors.GetCode(err))
	})
}

func TestErrorMapping(t *testing.T) {
	t.Run("daemon 500 is retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"message": "wallet locked"})
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).CreateInvoice(context.Background(), 100, "memo", time.Hour)
		assert.Equal(t, apperrors.ErrCodeLightningUnavailable, apperrors.GetCode(err))
	})

	t.Run("daemon 4xx is terminal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "invoice too large"})
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).CreateInvoice(context.Background(), 100, "memo", time.Hour)
		assert.Equal(t, apperrors.ErrCodeInvalidInvoice, apperrors.GetCode(err))
	})

	t.Run("unreachable daemon is retryable", func(t *testing.T) {
		_, err := newTestClient("http://127.0.0.1:1").CreateInvoice(context.Background(), 100, "memo", time.Hour)
		assert.Equal(t, apperrors.ErrCodeLightningUnavailable, apperrors.GetCode(err))
	})

	t.Run("missing macaroon fails before any request", func(t *testing.T) {
		client := NewClient(Options{RestURL: "http://127.0.0.1:1"})
		_, err := client.CreateInvoice(context.Background(), 100, "memo", time.Hour)
		assert.Equal(t, apperrors.ErrCodeLightningUnavailable, apperrors.GetCode(err))
	})
}

func TestPayInvoice(t *testing.T) {
	t.Run("successful payment decodes preimage and fee", func(t *testing.T) {
		preimage := []byte("preimage-bytes-0123456789abcdef!")

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/channels/transactions", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"payment_preimage": base64.StdEncoding.EncodeToString(preimage),
				"payment_route":    map[string]string{"total_fees": "3"},
			})
		}))
		defer server.Close()

		result, err := newTestClient(server.URL).PayInvoice(context.Background(), "lnbc1test", 10)
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, int64(3), result.FeePaidSats)
		assert.Equal(t, hex.EncodeToString(preimage), result.Preimage)
	})

	t.Run("payment error surfaces without retry", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"payment_error": "no route"})
		}))
		defer server.Close()

		result, err := newTestClient(server.URL).PayInvoice(context.Background(), "lnbc1test", 10)
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, "no route", result.Error)
	})
}
