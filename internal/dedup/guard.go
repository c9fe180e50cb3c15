// Package dedup enforces at-most-once creation of external side-effecting
// records when several workers race on the same logical artifact. The guard
// is best-effort against a non-transactional external system: the in-process
// critical section plus a confirmatory listing check close most of the race
// window; residual duplicates are recorded and reconciled out-of-band, never
// silently ignored.
package dedup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/store"
)

// Outcome tags how a fulfilled claim came to exist.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeUnknown       Outcome = "unknown"
)

// ListExistingFunc is the confirmation hook: the external system's own
// listing, consulted immediately before a create call. It returns the keys
// the external system already holds, mapped to their record references.
type ListExistingFunc func(ctx context.Context, namespace string) (map[string]string, error)

// Claim is the result of a claim attempt.
type Claim struct {
	Key      string
	Acquired bool
	// ExternalRef is set when the key was already fulfilled, either by an
	// earlier claimant or by the external system itself.
	ExternalRef string
	Outcome     Outcome

	guard *Guard
	ns    string
}

// Guard serializes check-then-create sequences on canonical keys.
type Guard struct {
	store        *store.Store
	bus          *bus.Bus // may be nil
	listExisting ListExistingFunc

	mu      sync.Mutex
	waiters map[string][]chan string // ns/key -> channels resolved with the winner's ref
}

// New creates a Guard. listExisting may be nil, in which case the
// confirmation check is skipped and only the claim table protects creates.
func New(s *store.Store, b *bus.Bus, listExisting ListExistingFunc) *Guard {
	return &Guard{
		store:        s,
		bus:          b,
		listExisting: listExisting,
		waiters:      make(map[string][]chan string),
	}
}

// CanonicalKey normalizes a raw identity into the claim key: lowercased,
// trimmed, URLs stripped of fragments and trailing slashes.
func CanonicalKey(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	if u, err := url.Parse(k); err == nil && u.Scheme != "" && u.Host != "" {
		u.Fragment = ""
		u.RawQuery = ""
		u.Path = strings.TrimRight(u.Path, "/")
		k = u.String()
	}
	return strings.Join(strings.Fields(k), " ")
}

func claimKey(namespace, key string) string { return namespace + "/" + key }

// Claim attempts to take ownership of a key. Exactly one concurrent caller
// per key receives Acquired=true and must follow up with Fulfill or Abandon;
// the rest receive the existing reference, or may Wait for it.
//
// The in-process lock covers only the table check. The confirmation call to
// the external listing runs outside it, after the pending row is visible to
// other claimants.
func (g *Guard) Claim(ctx context.Context, namespace, rawKey string) (*Claim, error) {
	key := CanonicalKey(rawKey)
	if key == "" {
		return nil, fmt.Errorf("dedup: empty key")
	}

	g.mu.Lock()
	existing, err := g.store.GetClaim(ctx, namespace, key)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if existing != nil {
		claim := &Claim{Key: key, guard: g, ns: namespace}
		switch existing.State {
		case store.ClaimStatePending:
			// Someone else is mid-create; caller can Wait for the ref.
			g.mu.Unlock()
			return claim, nil
		default:
			claim.ExternalRef = existing.ExternalRef
			claim.Outcome = Outcome(existing.Outcome)
			g.mu.Unlock()
			return claim, nil
		}
	}
	if err := g.store.InsertPendingClaim(ctx, namespace, key); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.mu.Unlock()

	// Second line of defense: re-check the external system's own listing
	// right before the caller creates. Best effort: a hook failure grants
	// the claim and tags the eventual fulfillment Unknown.
	if g.listExisting != nil {
		known, err := g.listExisting(ctx, namespace)
		if err == nil {
			if ref, ok := known[key]; ok {
				if err := g.store.FulfillClaim(ctx, namespace, key, ref, string(OutcomeAlreadyExists)); err != nil {
					return nil, err
				}
				g.resolveWaiters(namespace, key, ref)
				g.publish(namespace, key, false, ref)
				return &Claim{Key: key, ExternalRef: ref, Outcome: OutcomeAlreadyExists, guard: g, ns: namespace}, nil
			}
		}
	}

	g.publish(namespace, key, true, "")
	return &Claim{Key: key, Acquired: true, guard: g, ns: namespace}, nil
}

// Fulfill records the external reference the winner created. outcome should
// be OutcomeCreated, or OutcomeUnknown when the create call's result was
// ambiguous (the record may or may not exist externally).
func (c *Claim) Fulfill(ctx context.Context, externalRef string, outcome Outcome) error {
	if !c.Acquired {
		return fmt.Errorf("dedup: fulfill on a claim not acquired")
	}
	if err := c.guard.store.FulfillClaim(ctx, c.ns, c.Key, externalRef, string(outcome)); err != nil {
		return err
	}
	c.ExternalRef = externalRef
	c.Outcome = outcome
	c.guard.resolveWaiters(c.ns, c.Key, externalRef)
	return nil
}

// Abandon reopens the key after a failed create, letting another caller
// claim it.
func (c *Claim) Abandon(ctx context.Context) error {
	if !c.Acquired {
		return fmt.Errorf("dedup: abandon on a claim not acquired")
	}
	if err := c.guard.store.DeleteClaim(ctx, c.ns, c.Key); err != nil {
		return err
	}
	c.guard.resolveWaiters(c.ns, c.Key, "")
	return nil
}

// Wait blocks until the winner fulfills (or abandons) the key, returning the
// external reference. An empty ref means the winner abandoned; the caller
// may re-claim.
func (c *Claim) Wait(ctx context.Context) (string, error) {
	if c.Acquired {
		return "", fmt.Errorf("dedup: winner cannot wait on its own claim")
	}
	if c.ExternalRef != "" {
		return c.ExternalRef, nil
	}

	g := c.guard
	g.mu.Lock()
	// Re-check under the lock: fulfillment may have landed since Claim.
	existing, err := g.store.GetClaim(ctx, c.ns, c.Key)
	if err != nil {
		g.mu.Unlock()
		return "", err
	}
	if existing == nil {
		g.mu.Unlock()
		return "", nil // abandoned
	}
	if existing.State != store.ClaimStatePending {
		g.mu.Unlock()
		c.ExternalRef = existing.ExternalRef
		return existing.ExternalRef, nil
	}
	ch := make(chan string, 1)
	key := claimKey(c.ns, c.Key)
	g.waiters[key] = append(g.waiters[key], ch)
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ref := <-ch:
		c.ExternalRef = ref
		return ref, nil
	}
}

// ReportResidual records a duplicate found after the fact (reconciliation
// input, not an error).
func (g *Guard) ReportResidual(ctx context.Context, namespace, rawKey, externalRef string) error {
	key := CanonicalKey(rawKey)
	if err := g.store.MarkResidualClaim(ctx, namespace, key, externalRef); err != nil {
		return err
	}
	if g.bus != nil {
		g.bus.Publish(bus.TopicDedupResidual, bus.DedupClaimEvent{
			Namespace:   namespace,
			Key:         key,
			ExternalRef: externalRef,
		})
	}
	return nil
}

func (g *Guard) resolveWaiters(namespace, key, ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	full := claimKey(namespace, key)
	for _, ch := range g.waiters[full] {
		ch <- ref
	}
	delete(g.waiters, full)
}

func (g *Guard) publish(namespace, key string, acquired bool, ref string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(bus.TopicDedupClaimed, bus.DedupClaimEvent{
		Namespace:   namespace,
		Key:         key,
		Acquired:    acquired,
		ExternalRef: ref,
	})
}
