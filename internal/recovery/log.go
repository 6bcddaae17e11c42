// Package recovery keeps durable, time-bounded breadcrumbs around each
// fishing attempt. A client that reloaded mid-cast or disconnected before a
// reveal finds them on reconnect and forces a refresh of authoritative state
// instead of trusting whatever it had locally.
package recovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

// Validity windows. A marker older than its window is stale: it is cleared
// on sight and never acted upon.
const (
	PendingValidity  = 30 * time.Second
	UnviewedValidity = 5 * time.Minute
)

// Marker kinds.
const (
	KindPendingCast    = "pending_cast"
	KindUnviewedResult = "unviewed_result"
)

// Notice is what a reconnecting client receives for each live marker.
type Notice struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId"`
	Area      string          `json:"area,omitempty"`
	Result    *session.Result `json:"result,omitempty"`
	WrittenAt time.Time       `json:"writtenAt"`
}

type pendingMarker struct {
	SessionID string    `json:"sessionId"`
	Area      string    `json:"area"`
	WrittenAt time.Time `json:"writtenAt"`
}

type unviewedMarker struct {
	Result    session.Result `json:"result"`
	WrittenAt time.Time      `json:"writtenAt"`
}

// Store is the badger-backed recovery log.
// Keys: "pending:<player>" and "unviewed:<player>:<sessionId>" (JSON), each
// written with a TTL matching its validity window.
type Store struct {
	db      *badger.DB
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewStore(db *badger.DB, logger zerolog.Logger, metrics *telemetry.Metrics) *Store {
	return &Store{db: db, logger: logger, metrics: metrics, now: time.Now}
}

// SetNowFunc overrides the clock, for staleness tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

func pendingKey(playerID string) []byte {
	return []byte("pending:" + playerID)
}

func unviewedKey(playerID, sessionID string) []byte {
	return []byte("unviewed:" + playerID + ":" + sessionID)
}

// WritePendingCast records that a cast is in flight. Written before the
// session is registered so an interruption between the two is detectable.
func (s *Store) WritePendingCast(playerID, sessionID, area string) error {
	marker := pendingMarker{SessionID: sessionID, Area: area, WrittenAt: s.now()}
	buf, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal pending marker: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(pendingKey(playerID), buf).WithTTL(PendingValidity))
	})
	if err != nil {
		return err
	}
	s.metrics.RecoveryMarkers.WithLabelValues(KindPendingCast, "written").Inc()
	return nil
}

// ClearPendingCast removes the in-flight breadcrumb after a confirmed
// outcome, success or failure alike.
func (s *Store) ClearPendingCast(playerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(pendingKey(playerID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// WriteUnviewedResult records a resolved outcome the player has not seen yet.
func (s *Store) WriteUnviewedResult(result session.Result) error {
	marker := unviewedMarker{Result: result, WrittenAt: s.now()}
	buf, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal unviewed marker: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(unviewedKey(result.PlayerID, result.SessionID), buf).WithTTL(UnviewedValidity))
	})
	if err != nil {
		return err
	}
	s.metrics.RecoveryMarkers.WithLabelValues(KindUnviewedResult, "written").Inc()
	return nil
}

// ClearUnviewedResult acknowledges that the result reveal was shown.
func (s *Store) ClearUnviewedResult(playerID, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(unviewedKey(playerID, sessionID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Notices scans the player's markers. Live markers become notices; stale ones
// are deleted without effect. A pending-cast marker for a different area is
// skipped, since the interruption it describes happened elsewhere.
func (s *Store) Notices(playerID, area string) ([]Notice, error) {
	now := s.now()
	var notices []Notice
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(playerID))
		switch err {
		case nil:
			var marker pendingMarker
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &marker) }); err != nil {
				stale = append(stale, pendingKey(playerID))
				break
			}
			if now.Sub(marker.WrittenAt) > PendingValidity {
				stale = append(stale, pendingKey(playerID))
				s.metrics.RecoveryMarkers.WithLabelValues(KindPendingCast, "stale").Inc()
				break
			}
			if area != "" && marker.Area != "" && marker.Area != area {
				break
			}
			notices = append(notices, Notice{
				Kind:      KindPendingCast,
				SessionID: marker.SessionID,
				Area:      marker.Area,
				WrittenAt: marker.WrittenAt,
			})
			s.metrics.RecoveryMarkers.WithLabelValues(KindPendingCast, "recovered").Inc()
		case badger.ErrKeyNotFound:
		default:
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("unviewed:" + playerID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var marker unviewedMarker
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &marker) }); err != nil {
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			if now.Sub(marker.WrittenAt) > UnviewedValidity {
				stale = append(stale, item.KeyCopy(nil))
				s.metrics.RecoveryMarkers.WithLabelValues(KindUnviewedResult, "stale").Inc()
				continue
			}
			result := marker.Result
			notices = append(notices, Notice{
				Kind:      KindUnviewedResult,
				SessionID: result.SessionID,
				Result:    &result,
				WrittenAt: marker.WrittenAt,
			})
			s.metrics.RecoveryMarkers.WithLabelValues(KindUnviewedResult, "recovered").Inc()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recovery markers for %s: %w", playerID, err)
	}

	if len(stale) > 0 {
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range stale {
				if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("player", playerID).Msg("stale marker cleanup failed")
		}
	}

	return notices, nil
}
