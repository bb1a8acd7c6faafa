package session

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "checkout_sessions"

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store session markers.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// FirestoreStore implements Store backed by Google Cloud Firestore, for
// deployments where checkout sessions must survive process restarts.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore constructs a Firestore-backed session store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

type firestoreMarker struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) markers(sessionID string) *firestore.CollectionRef {
	return s.client.Collection(s.collection).Doc(sessionID).Collection("markers")
}

// Get implements the Store interface.
func (s *FirestoreStore) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	snap, err := s.markers(sessionID).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, ErrSessionUnavailable
	}
	var marker firestoreMarker
	if err := snap.DataTo(&marker); err != nil {
		return "", false, ErrSessionUnavailable
	}
	return marker.Value, true, nil
}

// Set implements the Store interface.
func (s *FirestoreStore) Set(ctx context.Context, sessionID, key, value string) error {
	_, err := s.markers(sessionID).Doc(key).Set(ctx, firestoreMarker{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return ErrSessionUnavailable
	}
	return nil
}

// Delete implements the Store interface.
func (s *FirestoreStore) Delete(ctx context.Context, sessionID, key string) error {
	_, err := s.markers(sessionID).Doc(key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return ErrSessionUnavailable
	}
	return nil
}

// DeletePrefix implements the Store interface.
func (s *FirestoreStore) DeletePrefix(ctx context.Context, sessionID, prefix string) (int, error) {
	query := s.markers(sessionID).
		Where("key", ">=", prefix).
		Where("key", "<", prefix+"")

	iter := query.Documents(ctx)
	defer iter.Stop()

	removed := 0
	batch := s.client.Batch()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, ErrSessionUnavailable
		}
		batch.Delete(doc.Ref)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, ErrSessionUnavailable
	}
	return removed, nil
}
