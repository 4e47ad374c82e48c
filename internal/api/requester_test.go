package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/lightmine/internal/proxy"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

// fakeProxy is an HTTP forward proxy stand-in: requests arrive with an
// absolute URI and are answered directly by handler.
type fakeProxy struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newFakeProxy(t *testing.T, handler http.HandlerFunc) *fakeProxy {
	t.Helper()
	fp := &fakeProxy{}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProxy) descriptor(t *testing.T) proxy.Descriptor {
	t.Helper()
	d, err := proxy.ParseLine("http://" + fp.srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// deadProxy returns a descriptor pointing at a port nothing listens on.
func deadProxy(t *testing.T) proxy.Descriptor {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	d, err := proxy.ParseLine("http://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (o *recordingObserver) ObserveAttempt(_ context.Context, a Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, a)
}

func newTestRequester(t *testing.T, proxies []proxy.Descriptor) (*Requester, *recordingObserver) {
	t.Helper()
	pool, err := proxy.NewPool(proxies)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRequester(pool, &Config{
		BaseURL:     "http://api.lightmine.test/",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	r.SetObserver(obs)
	return r, obs
}

func TestNewRequester_InvalidBaseURL(t *testing.T) {
	pool, _ := proxy.NewPool([]proxy.Descriptor{{Protocol: proxy.ProtocolHTTP, Host: "127.0.0.1", Port: 1}})
	_, err := NewRequester(pool, &Config{BaseURL: "not a url"}, log.Nop())
	if !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRequester_PostSendsBodyAndToken(t *testing.T) {
	var gotURI, gotAuth, gotType string
	var gotBody map[string]string

	fp := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		writeJSON(w, map[string]any{"code": 200, "data": map[string]string{"nonce": "n1"}})
	})

	r, _ := newTestRequester(t, []proxy.Descriptor{fp.descriptor(t)})

	env, err := r.Post(context.Background(), "wallet/generateNonce", map[string]string{"walletAddress": "0xA"}, "tok1")
	if err != nil {
		t.Fatalf("Post() unexpected error: %v", err)
	}

	if gotURI != "http://api.lightmine.test/wallet/generateNonce" {
		t.Errorf("request URI = %q", gotURI)
	}
	if gotAuth != "Bearer tok1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody["walletAddress"] != "0xA" {
		t.Errorf("body = %v", gotBody)
	}

	var data struct {
		Nonce string `json:"nonce"`
	}
	if err := env.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.Nonce != "n1" {
		t.Errorf("nonce = %q, want n1", data.Nonce)
	}
}

func TestRequester_GetWithoutTokenOmitsAuthorization(t *testing.T) {
	var sawAuth bool
	fp := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		writeJSON(w, map[string]any{"code": 200, "data": map[string]any{}})
	})

	r, _ := newTestRequester(t, []proxy.Descriptor{fp.descriptor(t)})
	if _, err := r.Get(context.Background(), "/user/getUserInfo", ""); err != nil {
		t.Fatal(err)
	}
	if sawAuth {
		t.Error("Authorization header sent without a token")
	}
}

func TestRequester_RotatesProxiesUntilSuccess(t *testing.T) {
	good := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 200, "data": map[string]string{"ok": "yes"}})
	})

	proxies := []proxy.Descriptor{deadProxy(t), deadProxy(t), good.descriptor(t)}
	r, obs := newTestRequester(t, proxies)

	if _, err := r.Get(context.Background(), "user/getUserInfo", "tok"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}

	if len(obs.attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(obs.attempts))
	}
	for i, a := range obs.attempts {
		if a.Proxy != proxies[i].String() {
			t.Errorf("attempt %d used %s, want %s", i+1, a.Proxy, proxies[i])
		}
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, a.Number)
		}
	}
	if obs.attempts[0].Err == nil || obs.attempts[2].Err != nil {
		t.Error("expected first attempt to fail and last to succeed")
	}
}

func TestRequester_ExhaustsAttempts(t *testing.T) {
	failing := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	r, obs := newTestRequester(t, []proxy.Descriptor{failing.descriptor(t)})

	_, err := r.Post(context.Background(), "assignment/startMining", struct{}{}, "tok")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := failing.calls.Load(); got != 3 {
		t.Errorf("proxy saw %d requests, want 3", got)
	}
	if len(obs.attempts) != 3 {
		t.Errorf("observer saw %d attempts, want 3", len(obs.attempts))
	}
	if obs.attempts[0].StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", obs.attempts[0].StatusCode)
	}
	if !errors.IsType(err, errors.ErrorTypeTransport) {
		t.Errorf("expected transport error in chain, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("exhausted transport failure should stay retryable for outer layers")
	}
}

func TestRequester_NonJSONIsTransportFailure(t *testing.T) {
	var calls atomic.Int32
	fp := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>captive portal</html>")
			return
		}
		writeJSON(w, map[string]any{"code": 200, "data": map[string]int{"lastMiningTime": 5}})
	})

	r, obs := newTestRequester(t, []proxy.Descriptor{fp.descriptor(t)})
	if _, err := r.Get(context.Background(), "assignment/totalMiningTime", "tok"); err != nil {
		t.Fatalf("expected recovery on second attempt, got %v", err)
	}
	if len(obs.attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(obs.attempts))
	}
}

func TestRequester_UnsupportedProtocolIsNotRetried(t *testing.T) {
	bad := proxy.Descriptor{Protocol: "ftp", Host: "127.0.0.1", Port: 21}
	r, obs := newTestRequester(t, []proxy.Descriptor{bad})

	_, err := r.Get(context.Background(), "user/getUserInfo", "tok")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(obs.attempts) != 1 {
		t.Errorf("expected a single attempt, got %d", len(obs.attempts))
	}
}

func TestRequester_RespectsMaxAttemptsArgument(t *testing.T) {
	r, obs := newTestRequester(t, []proxy.Descriptor{deadProxy(t)})

	_, err := r.Do(context.Background(), Request{Method: http.MethodGet, Path: "user/getUserInfo"}, 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(obs.attempts) != 5 {
		t.Errorf("expected 5 attempts, got %d", len(obs.attempts))
	}
}

func TestRequester_CanceledContextStops(t *testing.T) {
	r, obs := newTestRequester(t, []proxy.Descriptor{deadProxy(t)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Get(ctx, "user/getUserInfo", "tok"); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if len(obs.attempts) != 1 {
		t.Errorf("expected 1 attempt before stopping, got %d", len(obs.attempts))
	}
}

func TestEnvelope_DecodeData(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"object", `{"code":200,"data":{"token":"t"}}`, false},
		{"null data", `{"code":200,"data":null}`, true},
		{"missing data", `{"code":200,"msg":"ok"}`, true},
		{"wrong shape", `{"code":200,"data":[1,2]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
				t.Fatal(err)
			}
			var out struct {
				Token string `json:"token"`
			}
			err := env.DecodeData(&out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeData() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsType(err, errors.ErrorTypeApplication) {
				t.Errorf("expected application error, got %v", err)
			}
		})
	}
}
