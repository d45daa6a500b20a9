package flag

import (
	"bytes"
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidFlag  = errors.New("invalid flag")
	ErrFlagExpired  = errors.New("flag expired")
	ErrIDOutOfRange = errors.New("id does not fit into a flag")
)

const (
	// PayloadSize is the number of payload bytes a flag can carry. Longer
	// payloads are cut off, shorter ones are zero padded.
	PayloadSize = 8
	macSize     = 9
	dataSize    = 8 + 2 + 2 + PayloadSize

	// MaxID is the largest service id and team net number a flag can hold.
	MaxID = math.MaxUint16
)

// Generator derives the flags of one service. Flags are self-contained: they
// carry their expiration, service and team and are authenticated with Secret.
type Generator struct {
	Secret       []byte
	Prefix       string
	ServiceID    uint
	ContestStart time.Time
	TickDuration time.Duration
	ValidTicks   int
}

// Info is what a verified flag tells about itself.
type Info struct {
	Expiration time.Time
	ServiceID  uint
	TeamNetNo  int
	Payload    []byte
}

// Expiration returns the moment flags placed in tick stop being valid.
func (g *Generator) Expiration(tick int) time.Time {
	return g.ContestStart.Add(time.Duration(tick+g.ValidTicks+1) * g.TickDuration)
}

// CheckTeam reports whether flags of the team with teamNetNo can be told
// apart from those of every other team and service.
func (g *Generator) CheckTeam(teamNetNo int) error {
	if g.ServiceID > MaxID {
		return fmt.Errorf("service %d: %w", g.ServiceID, ErrIDOutOfRange)
	}
	if teamNetNo < 0 || teamNetNo > MaxID {
		return fmt.Errorf("team %d: %w", teamNetNo, ErrIDOutOfRange)
	}
	return nil
}

// Flag returns the flag of tick for the team with teamNetNo. The same
// arguments always give the same flag. Flag panics if CheckTeam fails.
func (g *Generator) Flag(tick int, teamNetNo int, payload []byte) string {
	if err := g.CheckTeam(teamNetNo); err != nil {
		panic(err)
	}
	raw := make([]byte, dataSize, dataSize+macSize)
	binary.BigEndian.PutUint64(raw[0:8], uint64(g.Expiration(tick).Unix()))
	binary.BigEndian.PutUint16(raw[8:10], uint16(g.ServiceID))
	binary.BigEndian.PutUint16(raw[10:12], uint16(teamNetNo))
	copy(raw[12:], payload)

	raw = append(raw, g.mac(raw[:dataSize])...)
	return g.Prefix + base64.URLEncoding.EncodeToString(raw)
}

// Verify checks the authenticity of flag and decodes it. An authentic but
// expired flag returns its Info together with ErrFlagExpired.
func (g *Generator) Verify(flag string, now time.Time) (Info, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(flag), g.Prefix)
	if !ok {
		return Info{}, ErrInvalidFlag
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil || len(raw) != dataSize+macSize {
		return Info{}, ErrInvalidFlag
	}
	if !hmac.Equal(raw[dataSize:], g.mac(raw[:dataSize])) {
		return Info{}, ErrInvalidFlag
	}

	info := Info{
		Expiration: time.Unix(int64(binary.BigEndian.Uint64(raw[0:8])), 0),
		ServiceID:  uint(binary.BigEndian.Uint16(raw[8:10])),
		TeamNetNo:  int(binary.BigEndian.Uint16(raw[10:12])),
		Payload:    bytes.TrimRight(raw[12:dataSize], "\x00"),
	}
	if now.After(info.Expiration) {
		return info, ErrFlagExpired
	}
	return info, nil
}

func (g *Generator) mac(data []byte) []byte {
	h := hmac.New(sha3.New256, g.Secret)
	h.Write(data)
	return h.Sum(nil)[:macSize]
}
