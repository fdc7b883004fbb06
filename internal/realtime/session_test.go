package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syncwirehq/syncwire/internal/config"
	"github.com/syncwirehq/syncwire/internal/protocol"
	"github.com/syncwirehq/syncwire/internal/store"
	"github.com/syncwirehq/syncwire/pkg/model"
)

func TestRemoteAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/websocket", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", remoteAddress(r, 0))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2, 3.3.3.3")
	assert.Equal(t, "3.3.3.3", remoteAddress(r, 1))
	assert.Equal(t, "2.2.2.2", remoteAddress(r, 2))
	// More hops than entries falls back to the first.
	assert.Equal(t, "1.1.1.1", remoteAddress(r, 9))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1:1234", remoteAddress(r, 2))
}

func TestCheckOrigin(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)

	req := httptest.NewRequest("GET", "/websocket", nil)
	req.Host = "example.com:8080"

	// Non-browser clients send no origin.
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "http://example.com:8080")
	assert.True(t, srv.checkOrigin(req))

	// Same host on a different port is allowed for development.
	req.Header.Set("Origin", "http://example.com:3000")
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.com")
	assert.False(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "://bad")
	assert.False(t, srv.checkOrigin(req))
}

func TestCheckOrigin_AllowList(t *testing.T) {
	cfg := testServerConfig()
	cfg.AllowedOrigins = []string{"https://app.syncwire.dev"}
	srv := NewServer(cfg, nil)

	req := httptest.NewRequest("GET", "/websocket", nil)
	req.Host = "api.syncwire.dev"
	req.Header.Set("Origin", "https://app.syncwire.dev")
	assert.True(t, srv.checkOrigin(req))

	wild := testServerConfig()
	wild.AllowedOrigins = []string{"*"}
	srv = NewServer(wild, nil)
	req.Header.Set("Origin", "http://anywhere.test")
	assert.True(t, srv.checkOrigin(req))
}

func TestSanitizeError(t *testing.T) {
	safe := &protocol.Error{Code: 403, Reason: "Forbidden"}
	assert.Same(t, safe, sanitizeError("method x", safe))

	wrapped := sanitizeError("method x", errors.New("sql: connection refused"))
	assert.Equal(t, 500, wrapped.Code)
	assert.Equal(t, "Internal server error", wrapped.Reason)
}

func TestViewMutationAfterDeactivationIsDropped(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	sess := newSession(srv, nil, "2", "test")

	sub := newSubscription(sess, "s1", "things", nil, nil)
	sub.deactivate(true)

	// A data call that lost the teardown race must not resurrect the document.
	sess.viewAdded(sub, "things", "1", model.Document{"x": float64(1)})

	sess.viewMu.Lock()
	assert.Empty(t, sess.collectionViews)
	sess.viewMu.Unlock()

	select {
	case frame := <-sess.send:
		t.Fatalf("expected no frame, got %s", frame)
	default:
	}
}

func TestEnsureUniversalSubsStartsEachHandlerOnce(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	sess := newSession(srv, nil, "2", "test")

	starts := 0
	handlers := []PublishHandler{
		func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
			starts++
			return nil, nil
		},
	}

	sess.ensureUniversalSubs(handlers)
	sess.ensureUniversalSubs(handlers)
	assert.Equal(t, 1, starts)

	// A later registration extends the list; only the new handler starts.
	handlers = append(handlers, func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
		starts++
		return nil, nil
	})
	sess.ensureUniversalSubs(handlers)
	assert.Equal(t, 2, starts)
}

func TestPublicationStrategyRegistry(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, nil)

	assert.Equal(t, StrategyMergeBox, srv.publicationStrategy("anything"))

	srv.SetPublicationStrategy("feed", StrategyNoMergeNoHistory)
	assert.Equal(t, StrategyNoMergeNoHistory, srv.publicationStrategy("feed"))
	assert.Equal(t, StrategyMergeBox, srv.publicationStrategy("other"))

	srv.SetDefaultPublicationStrategy(StrategyDummyMerge)
	assert.Equal(t, StrategyDummyMerge, srv.publicationStrategy("other"))
	assert.Equal(t, StrategyNoMergeNoHistory, srv.publicationStrategy("feed"))
}
