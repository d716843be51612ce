package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// PairingTTL is how long a pending pairing code stays valid.
	PairingTTL = time.Hour
	// MaxPendingPerChannel bounds pending requests per channel; the oldest is evicted.
	MaxPendingPerChannel = 3

	pairingCodeLength   = 8
	pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrPairingNotFound is returned when no pending request matches a code.
var ErrPairingNotFound = errors.New("pairing code not found or expired")

// PairingRequest is a pending approval for an unknown DM sender.
type PairingRequest struct {
	ID        uuid.UUID         `json:"id"`
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	Code      string            `json:"code"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the request is past its TTL at now.
func (r PairingRequest) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// PairingStore tracks pending pairing requests and the approved senders
// per channel. Approved senders extend the configured allow list.
type PairingStore interface {
	// UpsertRequest returns the pending code for (channel, senderID), creating
	// one when none is live. created is true only for a new request.
	UpsertRequest(ctx context.Context, channel, senderID string, meta map[string]string) (code string, created bool, err error)

	// ListRequests returns live pending requests, oldest first.
	ListRequests(ctx context.Context, channel string) ([]PairingRequest, error)

	// Approve moves the senders behind codes into the channel allow list and
	// returns the approved requests. Unknown codes are skipped; if none match
	// ErrPairingNotFound is returned.
	Approve(ctx context.Context, channel string, codes ...string) ([]PairingRequest, error)

	// ReadAllowFrom returns the approved sender ids for channel.
	ReadAllowFrom(ctx context.Context, channel string) ([]string, error)

	Close() error
}

// NewPairingRequest builds a fresh request with a random code.
func NewPairingRequest(channel, senderID string, meta map[string]string, now time.Time) (PairingRequest, error) {
	code, err := GeneratePairingCode()
	if err != nil {
		return PairingRequest{}, err
	}
	return PairingRequest{
		ID:        uuid.Must(uuid.NewV7()),
		Channel:   channel,
		SenderID:  senderID,
		Code:      code,
		Meta:      meta,
		CreatedAt: now,
		ExpiresAt: now.Add(PairingTTL),
	}, nil
}

// GeneratePairingCode returns an 8-character code from an alphabet without
// look-alike characters (no 0/O, 1/I).
func GeneratePairingCode() (string, error) {
	base := big.NewInt(int64(len(pairingCodeAlphabet)))
	buf := make([]byte, pairingCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		buf[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// PruneRequests drops expired requests and keeps at most
// MaxPendingPerChannel per channel, newest first wins. Output is sorted by
// creation time.
func PruneRequests(reqs []PairingRequest, now time.Time) []PairingRequest {
	live := make([]PairingRequest, 0, len(reqs))
	for _, r := range reqs {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	perChannel := make(map[string]int)
	keep := make([]bool, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		ch := live[i].Channel
		if perChannel[ch] < MaxPendingPerChannel {
			perChannel[ch]++
			keep[i] = true
		}
	}
	out := live[:0]
	for i, r := range live {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}
