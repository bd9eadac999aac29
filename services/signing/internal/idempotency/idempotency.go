// Package idempotency replays the stored response of a mutating request
// retried with the same Idempotency-Key.
package idempotency

import (
	"context"
	"errors"
)

// ErrKeyReused is returned when a key comes back with a different request.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

type ActorContext struct {
	ActorID        string
	IdempotencyKey string
}

type Record struct {
	RequestHash    string
	ResponseStatus int
	ResponseBody   map[string]any
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string) (Record, bool, error)
	SaveIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string, rec Record) error
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint, requestHash string) (int, map[string]any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, actor.ActorID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	if rec.RequestHash != requestHash {
		return 0, nil, false, ErrKeyReused
	}
	return rec.ResponseStatus, rec.ResponseBody, true, nil
}

// Save stores a response. Server errors are not saved so the caller can
// retry them.
func Save(ctx context.Context, st Store, actor ActorContext, endpoint, requestHash string, status int, response map[string]any) error {
	if actor.IdempotencyKey == "" || status >= 500 {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.ActorID, actor.IdempotencyKey, endpoint, Record{
		RequestHash:    requestHash,
		ResponseStatus: status,
		ResponseBody:   response,
	})
}
