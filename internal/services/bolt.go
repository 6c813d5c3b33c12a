package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements transcript and session persistence on top of a BoltDB file. The transcript is stored
// as a single JSON-encoded list under a fixed key so it can be exported and re-imported as-is.
type BoltDB struct {
	db *bolt.DB
}

var (
	transcriptBucket = []byte("transcripts")
	authBucket       = []byte("auth")

	// chatMessagesKey is the fixed key holding the transcript.
	chatMessagesKey = []byte("chatMessages")
	sessionKey      = []byte("session")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{transcriptBucket, authBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Messages returns the stored transcript, or an empty one if nothing was saved yet.
func (b BoltDB) Messages(context.Context) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transcriptBucket).Get(chatMessagesKey)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &messages); err != nil {
			return fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessages replaces the stored transcript.
func (b BoltDB) SaveMessages(_ context.Context, messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	v, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transcriptBucket).Put(chatMessagesKey, v)
	})
}

// ClearMessages deletes the stored transcript.
func (b BoltDB) ClearMessages(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transcriptBucket).Delete(chatMessagesKey)
	})
}

// Session returns the signed-in session. The boolean is false when nobody is signed in.
func (b BoltDB) Session(context.Context) (models.Session, bool, error) {
	var (
		session models.Session
		found   bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(sessionKey)
		if v == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	return session, found, err
}

// SaveSession stores the signed-in session, replacing any previous one.
func (b BoltDB) SaveSession(_ context.Context, session models.Session) error {
	v, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(sessionKey, v)
	})
}

// ClearSession signs out.
func (b BoltDB) ClearSession(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(sessionKey)
	})
}
