package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testPolicy(3), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testPolicy(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_TransientExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testPolicy(3), func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"down"}`)}
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !HasStatus(err, http.StatusServiceUnavailable) {
		t.Error("exhausted error should still carry the last response status")
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantClass string
	}{
		{"not found", &StatusError{StatusCode: http.StatusNotFound}, "http error"},
		{"server error", &StatusError{StatusCode: http.StatusInternalServerError}, "http error"},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, "connection error"},
		{"deadline", context.DeadlineExceeded, "timeout error"},
		{"other", errors.New("boom"), "request error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), testPolicy(5), func(context.Context) (int, error) {
				calls++
				return 0, tc.err
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !strings.HasPrefix(err.Error(), tc.wantClass+": ") {
				t.Errorf("error = %q, want prefix %q", err.Error(), tc.wantClass)
			}
			if !errors.Is(err, tc.err) {
				t.Error("original error should be wrapped")
			}
			if errors.Is(err, ErrMaxRetriesExceeded) {
				t.Error("non-retryable failure must not report ErrMaxRetriesExceeded")
			}
		})
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := testPolicy(5)
	p.BackoffBase = time.Hour
	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{StatusCode: http.StatusBadGateway}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_BackoffDoubles(t *testing.T) {
	p := Policy{BackoffBase: 100 * time.Millisecond}.withDefaults()
	b := p.newBackOff()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("wait %d = %v, want %v", i, got, w)
		}
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, defaultMaxAttempts)
	}
	if p.BackoffBase != defaultBackoffBase {
		t.Errorf("BackoffBase = %v, want %v", p.BackoffBase, defaultBackoffBase)
	}
	if p.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestIsTransient(t *testing.T) {
	for code, want := range map[int]bool{
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
		http.StatusInternalServerError: false,
		http.StatusConflict:            false,
		http.StatusTooManyRequests:     false,
	} {
		if got := IsTransient(&StatusError{StatusCode: code}); got != want {
			t.Errorf("IsTransient(%d) = %v, want %v", code, got, want)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
}

func TestNewStatusError_CapturesRequestAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"conflict","description":"session exists"}`))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/sessions")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	se := NewStatusError(resp)
	if se.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want 409", se.StatusCode)
	}
	if se.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", se.Method)
	}
	if !strings.HasSuffix(se.URL, "/sessions") {
		t.Errorf("URL = %q, want suffix /sessions", se.URL)
	}
	if !strings.Contains(se.PrettyBody(), "\n  \"description\": \"session exists\"") {
		t.Errorf("PrettyBody() = %q, want indented JSON", se.PrettyBody())
	}
	if !strings.Contains(se.Error(), "status 409") {
		t.Errorf("Error() = %q, want status 409", se.Error())
	}
}

func TestPrettyBody_NonJSON(t *testing.T) {
	se := &StatusError{Body: []byte("<html>bad gateway</html>")}
	if got := se.PrettyBody(); got != "<html>bad gateway</html>" {
		t.Errorf("PrettyBody() = %q, want raw body", got)
	}
}
