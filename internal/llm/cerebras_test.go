package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radebe49/objection-dojo/internal/game"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Respond(ctx, nil, "hi"); err == nil {
		t.Fatalf("expected error with missing key")
	}
	if _, err := c.Generate(ctx, "hi"); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Respond(ctx, nil, "hi"); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func completionBody(content string) string {
	b, _ := json.Marshal(content)
	return fmt.Sprintf(`{"choices":[{"index":0,"message":{"role":"assistant","content":%s}}]}`, string(b))
}

func newRedirectedClient(t *testing.T, handler http.HandlerFunc) *CerebrasClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewCerebrasClient("key", "model")
	c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func TestCerebras_Respond_ParsesPersonaReply(t *testing.T) {
	c := newRedirectedClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionBody(`{"text":"Not convinced yet.","sentiment":"negative","deal_closed":false}`)))
	})
	reply, err := c.Respond(context.Background(), nil, "buy our thing")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "Not convinced yet." {
		t.Fatalf("unexpected text: %q", reply.Text)
	}
	if reply.Sentiment != game.SentimentNegative {
		t.Fatalf("unexpected sentiment: %s", reply.Sentiment)
	}
	if reply.DealClosed {
		t.Fatalf("deal should not be closed")
	}
}

func TestCerebras_Respond_RetriesOnMalformedJSON(t *testing.T) {
	var calls int32
	c := newRedirectedClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			_, _ = w.Write([]byte(completionBody(`I refuse to answer in JSON`)))
			return
		}
		_, _ = w.Write([]byte(completionBody(`{"text":"Fine, tell me more.","sentiment":"neutral","deal_closed":false}`)))
	})
	reply, err := c.Respond(context.Background(), nil, "pitch")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if reply.Sentiment != game.SentimentNeutral {
		t.Fatalf("unexpected sentiment: %s", reply.Sentiment)
	}
}

func TestCerebras_Respond_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	c := newRedirectedClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(completionBody(`still not json`)))
	})
	if _, err := c.Respond(context.Background(), nil, "pitch"); err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if atomic.LoadInt32(&calls) != int32(maxParseRetries+1) {
		t.Fatalf("expected %d attempts, got %d", maxParseRetries+1, calls)
	}
}

func TestParsePersonaReply_FencedAndInvalid(t *testing.T) {
	fenced := "```json\n{\"text\":\"Okay.\",\"sentiment\":\"positive\",\"deal_closed\":true}\n```"
	reply, err := parsePersonaReply(fenced)
	if err != nil {
		t.Fatalf("fenced reply: %v", err)
	}
	if !reply.DealClosed || reply.Sentiment != game.SentimentPositive {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if _, err := parsePersonaReply(`{"text":"hi","sentiment":"angry","deal_closed":false}`); err == nil {
		t.Fatalf("expected error for invalid sentiment")
	}
	if _, err := parsePersonaReply(`{"text":"  ","sentiment":"neutral","deal_closed":false}`); err == nil {
		t.Fatalf("expected error for empty text")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
