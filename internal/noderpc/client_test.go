package noderpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
)

func TestLoadModel(t *testing.T) {
	t.Run("relays progress and returns on ready", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/start_session", r.URL.Path)

			var params LoadModelParams
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, "sess-1", params.SessionID)
			assert.Equal(t, 8192, params.ContextLength)

			flusher := w.(http.Flusher)
			for _, status := range []string{"downloading", "loading", "ready"} {
				fmt.Fprintf(w, `{"status":%q}`+"\n", status)
				flusher.Flush()
			}
		}))
		defer server.Close()

		var seen []string
		err := NewClient().LoadModel(context.Background(), server.URL, LoadModelParams{
			SessionID:     "sess-1",
			Model:         "llama-3.2-3b",
			ContextLength: 8192,
		}, func(s LoadStatus) {
			seen = append(seen, s.Status)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"downloading", "loading", "ready"}, seen)
	})

	t.Run("error status fails the load", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"status":"error","message":"out of VRAM"}`)
		}))
		defer server.Close()

		err := NewClient().LoadModel(context.Background(), server.URL, LoadModelParams{SessionID: "s"}, nil)
		assert.Equal(t, apperrors.ErrCodeModelLoadFailed, apperrors.GetCode(err))
	})

	t.Run("stream closing before ready fails the load", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"status":"loading"}`)
		}))
		defer server.Close()

		err := NewClient().LoadModel(context.Background(), server.URL, LoadModelParams{SessionID: "s"}, nil)
		assert.Equal(t, apperrors.ErrCodeModelLoadFailed, apperrors.GetCode(err))
	})

	t.Run("unreachable node", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := NewClient().LoadModel(ctx, "http://127.0.0.1:1", LoadModelParams{SessionID: "s"}, nil)
		assert.Equal(t, apperrors.ErrCodeNodeUnavailable, apperrors.GetCode(err))
	})
}

func TestGenerate(t *testing.T) {
	t.Run("streams tokens in order until final", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/generate", r.URL.Path)

			var req GenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "tell me a joke", req.Prompt)

			flusher := w.(http.Flusher)
			fmt.Fprintln(w, `{"token":"Why","isFinal":false}`)
			fmt.Fprintln(w, `{"token":" not","isFinal":false}`)
			fmt.Fprintln(w, `{"token":"?","isFinal":true}`)
			flusher.Flush()
		}))
		defer server.Close()

		var tokens []string
		var finals []bool
		err := NewClient().Generate(context.Background(), server.URL, GenerateRequest{
			SessionID: "sess-1",
			Prompt:    "tell me a joke",
		}, func(frame TokenFrame) error {
			tokens = append(tokens, frame.Token)
			finals = append(finals, frame.IsFinal)
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"Why", " not", "?"}, tokens)
		assert.Equal(t, []bool{false, false, true}, finals)
	})

	t.Run("error frame aborts the stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"token":"a","isFinal":false}`)
			fmt.Fprintln(w, `{"error":"model crashed"}`)
		}))
		defer server.Close()

		err := NewClient().Generate(context.Background(), server.URL, GenerateRequest{}, func(TokenFrame) error { return nil })
		assert.Equal(t, apperrors.ErrCodeNodeUnavailable, apperrors.GetCode(err))
	})

	t.Run("callback error stops consumption", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"token":"a","isFinal":false}`)
			fmt.Fprintln(w, `{"token":"b","isFinal":true}`)
		}))
		defer server.Close()

		wantErr := fmt.Errorf("stop now")
		err := NewClient().Generate(context.Background(), server.URL, GenerateRequest{}, func(TokenFrame) error { return wantErr })
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("stream ending without final frame is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"token":"a","isFinal":false}`)
		}))
		defer server.Close()

		err := NewClient().Generate(context.Background(), server.URL, GenerateRequest{}, func(TokenFrame) error { return nil })
		assert.Equal(t, apperrors.ErrCodeNodeUnavailable, apperrors.GetCode(err))
	})
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		json.NewEncoder(w).Encode(NodeStatus{Load: 0.42, ModelLoaded: "llama-3.2-3b"})
	}))
	defer server.Close()

	status, err := NewClient().Status(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, 0.42, status.Load)
	assert.Equal(t, "llama-3.2-3b", status.ModelLoaded)
}
