package channels

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// WebhookHandler is a platform webhook endpoint mounted on the shared listener.
// HandleWebhook returns false when the request does not belong to it, so the
// listener can try the next handler.
type WebhookHandler interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request) bool
}

// NormalizeWebhookPath trims whitespace, guarantees a leading slash and drops
// trailing slashes, so "/hook/", "hook" and " /hook" all map to "/hook".
func NormalizeWebhookPath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

type webhookEntry[T any] struct {
	id     uint64
	target T
}

// WebhookTargets multiplexes several accounts onto one listener by path.
// Registration happens at channel start/stop; lookups are read-mostly.
// Several targets may share a path: the caller decides how to treat that.
type WebhookTargets[T any] struct {
	mu     sync.RWMutex
	byPath map[string][]webhookEntry[T]
	nextID uint64
}

// NewWebhookTargets creates an empty registry.
func NewWebhookTargets[T any]() *WebhookTargets[T] {
	return &WebhookTargets[T]{byPath: make(map[string][]webhookEntry[T])}
}

// Register adds target under the normalized path and returns a function that
// removes exactly this registration. The returned function is idempotent.
func (r *WebhookTargets[T]) Register(path string, target T) (unregister func()) {
	key := NormalizeWebhookPath(path)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.byPath[key] = append(r.byPath[key], webhookEntry[T]{id: id, target: target})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			entries := r.byPath[key]
			for i, e := range entries {
				if e.id == id {
					entries = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(entries) == 0 {
				delete(r.byPath, key)
			} else {
				r.byPath[key] = entries
			}
		})
	}
}

// Resolve returns every target registered for the request path.
func (r *WebhookTargets[T]) Resolve(path string) []T {
	key := NormalizeWebhookPath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byPath[key]
	if len(entries) == 0 {
		return nil
	}
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.target
	}
	return out
}

// Paths lists the registered paths in sorted order.
func (r *WebhookTargets[T]) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BodyErrorKind classifies a failed webhook body read.
type BodyErrorKind int

const (
	BodyMalformed BodyErrorKind = iota
	BodyTooLarge
	BodyTimeout
)

// BodyReadError is returned by ReadLimitedBody.
type BodyReadError struct {
	Kind BodyErrorKind
	Err  error
}

func (e *BodyReadError) Error() string {
	switch e.Kind {
	case BodyTooLarge:
		return "request body too large"
	case BodyTimeout:
		return "request body read timed out"
	}
	if e.Err != nil {
		return "malformed request body: " + e.Err.Error()
	}
	return "malformed request body"
}

func (e *BodyReadError) Unwrap() error { return e.Err }

// StatusCode maps the failure to its HTTP status.
func (e *BodyReadError) StatusCode() int {
	switch e.Kind {
	case BodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case BodyTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}

// StatusText is the plain-text response body for the failure.
func (e *BodyReadError) StatusText() string {
	switch e.Kind {
	case BodyTooLarge:
		return "Payload Too Large"
	case BodyTimeout:
		return "Request Timeout"
	}
	return "Bad Request"
}

// ReadLimitedBody reads the whole request body, failing once more than
// maxBytes arrive or when the body is not complete within timeout.
// On failure the body is closed so the server drops the connection.
func ReadLimitedBody(r *http.Request, maxBytes int64, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		ch <- result{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &BodyReadError{Kind: BodyMalformed, Err: res.err}
		}
		if int64(len(res.data)) > maxBytes {
			r.Body.Close()
			return nil, &BodyReadError{Kind: BodyTooLarge}
		}
		return res.data, nil
	case <-timer.C:
		r.Body.Close()
		return nil, &BodyReadError{Kind: BodyTimeout}
	case <-r.Context().Done():
		return nil, &BodyReadError{Kind: BodyMalformed, Err: r.Context().Err()}
	}
}

// IsBodyReadError unwraps err into a *BodyReadError.
func IsBodyReadError(err error) (*BodyReadError, bool) {
	var bre *BodyReadError
	ok := errors.As(err, &bre)
	return bre, ok
}
