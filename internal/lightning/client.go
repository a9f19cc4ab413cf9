// Package lightning is a thin driver over an LND daemon's REST API. It uses
// REST rather than gRPC so the coordinator carries no protobuf toolchain.
package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
)

type InvoiceStatus string

const (
	StatusPending  InvoiceStatus = "pending"
	StatusPaid     InvoiceStatus = "paid"
	StatusExpired  InvoiceStatus = "expired"
	StatusCanceled InvoiceStatus = "canceled"
)

type CreatedInvoice struct {
	Bolt11      string
	PaymentHash string
	AmountSats  int64
	ExpiresAt   time.Time
}

type InvoiceState struct {
	Status            InvoiceStatus
	SettledAmountSats int64
	SettledAt         *time.Time
}

type PaymentResult struct {
	Success     bool
	FeePaidSats int64
	Preimage    string
	Error       string
}

// Gateway is the interface the orchestrator and scheduler depend on.
type Gateway interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (*CreatedInvoice, error)
	// LookupInvoice is pure and idempotent; it tolerates daemon restarts and
	// never reports paid unless the daemon's settlement record says SETTLED.
	LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceState, error)
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)
}

type Client struct {
	baseURL     string
	macaroonHex string
	http        *http.Client
}

type Options struct {
	RestURL       string
	MacaroonHex   string
	TLSSkipVerify bool
	Timeout       time.Duration
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSSkipVerify {
		// LND ships a self-signed certificate; local deployments opt in here.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:     opts.RestURL,
		macaroonHex: opts.MacaroonHex,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type lndCreateInvoiceRequest struct {
	Value  string `json:"value"`
	Memo   string `json:"memo"`
	Expiry string `json:"expiry"`
}

type lndCreateInvoiceResponse struct {
	PaymentRequest string `json:"payment_request"`
	RHash          string `json:"r_hash"`
}

type lndInvoiceResponse struct {
	State      string `json:"state"`
	AmtPaidSat string `json:"amt_paid_sat"`
	SettleDate string `json:"settle_date"`
}

type lndPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentRoute    struct {
		TotalFees string `json:"total_fees"`
	} `json:"payment_route"`
}

func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (*CreatedInvoice, error) {
	expirySeconds := int64(expiry.Seconds())
	req := lndCreateInvoiceRequest{
		Value:  strconv.FormatInt(amountSats, 10),
		Memo:   memo,
		Expiry: strconv.FormatInt(expirySeconds, 10),
	}

	var resp lndCreateInvoiceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", req, &resp); err != nil {
		return nil, err
	}

	// LND returns r_hash base64-encoded; the rest of the system speaks hex.
	hashBytes, err := base64.StdEncoding.DecodeString(resp.RHash)
	if err != nil {
		return nil, apperrors.InvalidInvoice("malformed payment hash from daemon").WithCause(err)
	}

	return &CreatedInvoice{
		Bolt11:      resp.PaymentRequest,
		PaymentHash: hex.EncodeToString(hashBytes),
		AmountSats:  amountSats,
		ExpiresAt:   time.Now().UTC().Add(expiry),
	}, nil
}

func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceState, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, apperrors.InvalidInvoice("payment hash is not hex")
	}
	hashB64 := base64.RawURLEncoding.EncodeToString(hashBytes)

	var resp lndInvoiceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+hashB64, nil, &resp); err != nil {
		return nil, err
	}

	state := &InvoiceState{Status: StatusPending}
	switch resp.State {
	case "SETTLED":
		state.Status = StatusPaid
		state.SettledAmountSats, _ = strconv.ParseInt(resp.AmtPaidSat, 10, 64)
		if unix, err := strconv.ParseInt(resp.SettleDate, 10, 64); err == nil && unix > 0 {
			t := time.Unix(unix, 0).UTC()
			state.SettledAt = &t
		}
	case "CANCELED":
		state.Status = StatusCanceled
	}
	return state, nil
}

func (c *Client) PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error) {
	req := map[string]any{
		"payment_request": bolt11,
		"fee_limit":       map[string]string{"fixed": strconv.FormatInt(maxFeeSats, 10)},
	}

	var resp lndPaymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", req, &resp); err != nil {
		return nil, err
	}

	if resp.PaymentError != "" {
		return &PaymentResult{Success: false, Error: resp.PaymentError}, nil
	}

	preimage := ""
	if resp.PaymentPreimage != "" {
		if b, err := base64.StdEncoding.DecodeString(resp.PaymentPreimage); err == nil {
			preimage = hex.EncodeToString(b)
		}
	}
	fees, _ := strconv.ParseInt(resp.PaymentRoute.TotalFees, 10, 64)

	return &PaymentResult{Success: true, FeePaidSats: fees, Preimage: preimage}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.macaroonHex == "" {
		return apperrors.LightningUnavailable(fmt.Errorf("macaroon not configured"))
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroonHex)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.LightningUnavailable(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.LightningUnavailable(err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := lndErrorMessage(data)
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Str("error", msg).Msg("lnd request failed")
		if resp.StatusCode >= 500 {
			return apperrors.LightningUnavailable(fmt.Errorf("lnd %d: %s", resp.StatusCode, msg))
		}
		return apperrors.InvalidInvoice(msg)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return apperrors.LightningUnavailable(fmt.Errorf("decode lnd response: %w", err))
		}
	}
	return nil
}

func lndErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return string(body)
}
