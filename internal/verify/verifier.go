// Package verify checks claimed names against the external identity
// authority and resolves canonical identifiers for verified names.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable means the authority could not give an answer: network
// error, non-200 status or malformed payload. Callers fall back to the
// unverified path; this is never surfaced to the end user as an error.
var ErrUnavailable = errors.New("verification unavailable")

const maxBodySize = 1 << 16

// Profile is the authority's answer for a verified name.
type Profile struct {
	ID   uuid.UUID
	Name string
}

// Verifier queries the external authority over HTTP with a bounded
// timeout and caches results for the process lifetime.
// Должен вызываться вне connection-handling горутины: единственная
// операция в core, которая блокируется на внешнем I/O.
type Verifier struct {
	baseURL string
	client  *http.Client

	profiles sync.Map // lowercase name -> *Profile (nil = known unverified)
	names    sync.Map // uuid.UUID -> canonical name
}

// New creates a Verifier for the given profile endpoint.
func New(baseURL string, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Lookup returns the verified profile for a claimed name, or (nil, nil)
// when the authority definitively does not know the name. Any transport
// or payload failure returns ErrUnavailable (wrapped); the caller must
// treat it the same as unverified rather than blocking or failing hard.
func (v *Verifier) Lookup(ctx context.Context, name string) (*Profile, error) {
	key := strings.ToLower(name)

	if cached, ok := v.profiles.Load(key); ok {
		p, _ := cached.(*Profile)
		return p, nil
	}

	p, err := v.fetch(ctx, name)
	if err != nil {
		slog.Warn("identity verification unavailable", "name", name, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// Отрицательный результат тоже кэшируем: authority ответил однозначно.
	v.profiles.Store(key, p)
	if p != nil {
		v.names.Store(p.ID, p.Name)
	}
	return p, nil
}

// CanonicalName returns the cached canonical name for a verified id.
func (v *Verifier) CanonicalName(id uuid.UUID) (string, bool) {
	val, ok := v.names.Load(id)
	if !ok {
		return "", false
	}
	return val.(string), true
}

// ClearCache drops all cached verification results. Administrative
// operation; the caches are otherwise process-lifetime.
func (v *Verifier) ClearCache() {
	v.profiles.Range(func(k, _ any) bool {
		v.profiles.Delete(k)
		return true
	})
	v.names.Range(func(k, _ any) bool {
		v.names.Delete(k)
		return true
	})
	slog.Info("verification cache cleared")
}

type profilePayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (v *Verifier) fetch(ctx context.Context, name string) (*Profile, error) {
	url := v.baseURL + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying authority: %w", err)
	}
	defer resp.Body.Close()

	// 404/204: имя точно не verified. Это ответ, а не сбой.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading authority response: %w", err)
	}

	var payload profilePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing authority response: %w", err)
	}
	if payload.ID == "" || payload.Name == "" {
		return nil, fmt.Errorf("authority response missing id or name")
	}

	id, err := parseProfileID(payload.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing profile id %q: %w", payload.ID, err)
	}

	return &Profile{ID: id, Name: payload.Name}, nil
}

// parseProfileID accepts both dashed and undashed UUID forms; the
// authority returns the undashed form.
func parseProfileID(s string) (uuid.UUID, error) {
	if len(s) == 32 {
		s = s[:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
	}
	return uuid.Parse(s)
}
