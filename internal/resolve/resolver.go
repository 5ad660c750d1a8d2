// Package resolve maps a (local user, remote user) pair to its stable
// conversation identity. Resolution is idempotent and never invents an id:
// when the server has no conversation yet for the pair, the empty id is a
// valid outcome and creation is deferred to the first send, which the
// server performs atomically keyed by the same pair.
package resolve

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/rest"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/store"
)

// IdentityLookup is the server-side lookup the resolver consults.
type IdentityLookup interface {
	ChatIdentity(ctx context.Context, userID string) (*rest.ChatIdentity, error)
}

// Resolver resolves conversation identities for the local user.
type Resolver struct {
	localUserID string
	lookup      IdentityLookup
	db          *store.DB
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]string // pair key -> conversation id
}

// NewResolver creates a resolver bound to the local user identity.
func NewResolver(localUserID string, lookup IdentityLookup, db *store.DB, logger *zap.Logger) *Resolver {
	return &Resolver{
		localUserID: localUserID,
		lookup:      lookup,
		db:          db,
		logger:      logger,
		cache:       make(map[string]string),
	}
}

// Resolve returns the conversation id for the unordered pair (local user,
// remote user) scoped by contextID. The empty id with a nil error means no
// conversation exists yet; the caller sends with a null conversation id and
// the server creates or reuses one.
func (r *Resolver) Resolve(ctx context.Context, remoteUserID, contextID string) (string, error) {
	key := pairKey(r.localUserID, remoteUserID, contextID)

	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	// Local cache next: a conversation already synced for the pair.
	if conv, err := r.db.GetConversationByPair(r.localUserID, remoteUserID, contextID); err != nil {
		return "", fmt.Errorf("local pair lookup: %w", err)
	} else if conv != nil {
		r.remember(key, conv.ID)
		return conv.ID, nil
	}

	identity, err := r.lookup.ChatIdentity(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("chat identity lookup for %s: %w", remoteUserID, err)
	}
	if identity.ConversationID == "" {
		// Valid outcome: no conversation yet. Never synthesize one.
		return "", nil
	}

	if err := r.db.UpsertConversation(&store.Conversation{
		ID:           identity.ConversationID,
		ParticipantA: r.localUserID,
		ParticipantB: remoteUserID,
		ContextID:    contextID,
	}); err != nil {
		return "", fmt.Errorf("record resolved conversation: %w", err)
	}
	r.remember(key, identity.ConversationID)
	if r.logger != nil {
		r.logger.Info("conversation resolved",
			zap.String("remote", remoteUserID),
			zap.String("conversation", identity.ConversationID))
	}
	return identity.ConversationID, nil
}

// Confirm records a server-assigned conversation id for the pair, as
// returned by a send acknowledgment. Later resolves return it from cache.
func (r *Resolver) Confirm(remoteUserID, contextID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("confirm with empty conversation id")
	}
	if err := r.db.UpsertConversation(&store.Conversation{
		ID:           conversationID,
		ParticipantA: r.localUserID,
		ParticipantB: remoteUserID,
		ContextID:    contextID,
	}); err != nil {
		return err
	}
	r.remember(pairKey(r.localUserID, remoteUserID, contextID), conversationID)
	return nil
}

func (r *Resolver) remember(key, id string) {
	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()
}

func pairKey(a, b, contextID string) string {
	a, b = store.NormalizePair(a, b)
	return a + "\x00" + b + "\x00" + contextID
}
