package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	coorderrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// reservationTTL bounds how long a crashed attempt can hold its call id
	reservationTTL        = 30 * time.Second
	defaultInProgressWait = 2 * time.Second
	inProgressPoll        = 20 * time.Millisecond
)

// RetryEntry is the cached outcome of a non-idempotent call. InProgress
// marks a reservation whose first attempt has not finished yet.
type RetryEntry struct {
	Method     string          `json:"method"`
	InProgress bool            `json:"in_progress,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ErrCode    int             `json:"err_code,omitempty"`
	ErrMsg     string          `json:"err_msg,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Err rebuilds the cached error, nil on success
func (e *RetryEntry) Err() error {
	if e.ErrCode == int(coorderrors.ErrCodeOK) {
		return nil
	}
	return &coorderrors.CoordinatorError{
		Code:    coorderrors.ErrorCode(e.ErrCode),
		Message: e.ErrMsg,
	}
}

// RetryCache remembers results of create/append/delete/rename so a
// retried RPC with the same (client, call) gets the original answer.
type RetryCache struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewRetryCache creates a retry cache on top of a store
func NewRetryCache(s store.IdempotencyStore, ttl time.Duration, logger *zap.Logger) *RetryCache {
	return &RetryCache{
		store:  s,
		ttl:    ttl,
		wait:   defaultInProgressWait,
		logger: logger,
	}
}

// NewCallID generates a call identifier for clients that do not supply one
func NewCallID(clientName string) string {
	data := fmt.Sprintf("%s:%d:%s", clientName, time.Now().UnixNano(), uuid.New().String())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ValidCallID reports whether id looks like a hex SHA-256 digest or a UUID
func ValidCallID(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Begin claims (client, call) before the call runs. A nil entry with a nil
// error means the caller owns the call and must Record its outcome. When an
// earlier attempt already finished its entry is returned. A duplicate that
// arrives while the first attempt is running waits for it and gets
// CALL_IN_PROGRESS if it does not finish in time.
func (c *RetryCache) Begin(ctx context.Context, clientName, callID, method string) (*RetryEntry, error) {
	if callID == "" {
		return nil, nil
	}
	key := c.key(clientName, callID)
	marker, err := json.Marshal(&RetryEntry{Method: method, InProgress: true, Timestamp: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode retry cache reservation: %w", err)
	}
	ttl := reservationTTL
	if c.ttl > 0 && c.ttl < ttl {
		ttl = c.ttl
	}

	deadline := time.Now().Add(c.wait)
	for {
		owned, err := c.store.SetNX(ctx, key, marker, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve retry cache entry: %w", err)
		}
		if owned {
			return nil, nil
		}

		data, err := c.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// Released or expired since the reservation attempt.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read retry cache: %w", err)
		}
		entry := c.decode(data, clientName, callID, method)
		if entry == nil || !entry.InProgress {
			return entry, nil
		}

		if !time.Now().Before(deadline) {
			c.logger.Warn("Retried call is still in progress",
				zap.String("client", clientName),
				zap.String("call_id", callID),
				zap.String("method", method))
			return nil, coorderrors.CallInProgress(method, callID)
		}
		timer := time.NewTimer(inProgressPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// decode parses a stored entry. Corrupt entries and entries for another
// method are treated as misses.
func (c *RetryCache) decode(data []byte, clientName, callID, method string) *RetryEntry {
	var entry RetryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Error("Corrupt retry cache entry",
			zap.String("client", clientName),
			zap.String("call_id", callID),
			zap.Error(err))
		return nil
	}
	if entry.Method != method {
		c.logger.Warn("Retry cache call id reused for a different method",
			zap.String("client", clientName),
			zap.String("call_id", callID),
			zap.String("cached_method", entry.Method),
			zap.String("method", method))
		return nil
	}
	if !entry.InProgress {
		c.logger.Debug("Retry cache hit",
			zap.String("client", clientName),
			zap.String("call_id", callID),
			zap.String("method", method))
	}
	return &entry
}

// Record caches the outcome of a call. Internal and safe mode errors are
// not cached so the client can retry them for real; their reservation is
// released instead.
func (c *RetryCache) Record(ctx context.Context, clientName, callID, method string, payload interface{}, callErr error) error {
	if callID == "" {
		return nil
	}
	entry := RetryEntry{
		Method:    method,
		Timestamp: time.Now(),
	}
	if callErr != nil {
		code := coorderrors.GetCode(callErr)
		if code == coorderrors.ErrCodeInternal || code == coorderrors.ErrCodeSafeMode {
			if err := c.store.Delete(ctx, c.key(clientName, callID)); err != nil {
				return fmt.Errorf("failed to release retry cache reservation: %w", err)
			}
			return nil
		}
		entry.ErrCode = int(code)
		entry.ErrMsg = callErr.Error()
		var ce *coorderrors.CoordinatorError
		if errors.As(callErr, &ce) {
			entry.ErrMsg = ce.Message
		}
	} else if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode retry cache payload: %w", err)
		}
		entry.Payload = raw
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode retry cache entry: %w", err)
	}
	if err := c.store.Set(ctx, c.key(clientName, callID), data, c.ttl); err != nil {
		return fmt.Errorf("failed to write retry cache: %w", err)
	}
	return nil
}

func (c *RetryCache) key(clientName, callID string) string {
	return fmt.Sprintf("%s:%s", clientName, callID)
}
