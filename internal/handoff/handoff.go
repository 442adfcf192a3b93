// Package handoff builds the signed one-shot URL that moves a player from the
// room lobby into a game.
package handoff

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var ErrBadSignature = errors.New("handoff: bad signature")
var ErrExpired = errors.New("handoff: expired")
var ErrMissingSecret = errors.New("handoff: missing secret")

// Params is what the game surface needs to resume the player.
type Params struct {
	RoomCode   string
	PlayerID   string
	PlayerName string
	IsHost     bool
	GameID     string
	ReturnURL  string
}

type Launcher interface {
	Launch(ctx context.Context, p Params) (string, error)
}

// Signer produces URLs of the form <base>/<game>?room=..&sig=.. signed with
// HMAC-SHA256 over the canonical query encoding.
type Signer struct {
	base   *url.URL
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(baseURL, secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("handoff: base url: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Signer{base: u, secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *Signer) Launch(_ context.Context, p Params) (string, error) {
	return s.URL(p)
}

func (s *Signer) URL(p Params) (string, error) {
	if p.RoomCode == "" || p.PlayerID == "" {
		return "", fmt.Errorf("handoff: room code and player id are required")
	}
	q := url.Values{}
	q.Set("room", p.RoomCode)
	q.Set("player", p.PlayerID)
	q.Set("name", p.PlayerName)
	q.Set("host", strconv.FormatBool(p.IsHost))
	q.Set("game", p.GameID)
	q.Set("return", p.ReturnURL)
	q.Set("exp", strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10))
	q.Set("nonce", uuid.NewString())
	q.Set("sig", s.sign(q))

	u := *s.base
	if p.GameID != "" {
		u = *u.JoinPath(p.GameID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks signature and expiry of a hand-off URL and returns its
// parameters.
func (s *Signer) Verify(raw string) (Params, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Params{}, fmt.Errorf("handoff: parse: %w", err)
	}
	q := u.Query()
	got := q.Get("sig")
	q.Del("sig")
	if !hmac.Equal([]byte(got), []byte(s.sign(q))) {
		return Params{}, ErrBadSignature
	}
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil || s.now().Unix() > exp {
		return Params{}, ErrExpired
	}
	host, _ := strconv.ParseBool(q.Get("host"))
	return Params{
		RoomCode:   q.Get("room"),
		PlayerID:   q.Get("player"),
		PlayerName: q.Get("name"),
		IsHost:     host,
		GameID:     q.Get("game"),
		ReturnURL:  q.Get("return"),
	}, nil
}

func (s *Signer) sign(q url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(q.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
