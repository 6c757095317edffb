package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestCheck_AnyResponseIsConnected(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	checker := NewChecker(server.URL, time.Second, arbor.NewLogger())
	assert.True(t, checker.Check(context.Background()))
	assert.Equal(t, http.MethodHead, method)
}

func TestCheck_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	checker := NewChecker(server.URL, 50*time.Millisecond, arbor.NewLogger())
	assert.False(t, checker.Check(context.Background()))
}

func TestCheck_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	checker := NewChecker(url, time.Second, arbor.NewLogger())
	assert.False(t, checker.Check(context.Background()))
}

func TestNewChecker_Defaults(t *testing.T) {
	checker := NewChecker("", 0, arbor.NewLogger())
	assert.Equal(t, "https://clients3.google.com/generate_204", checker.url)
	assert.Equal(t, 3*time.Second, checker.timeout)
}
