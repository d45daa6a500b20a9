package checks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Tcp checks a line based flag store:
//
//	PING           -> PONG
//	PUT <id> <flag> -> OK
//	GET <id>       -> <flag>
type Tcp struct {
	Base
	Port int
}

// flagRecord is what checkers remember about a placed flag.
type flagRecord struct {
	ID string `json:"id"`
}

func flagIdentifier(tick int) string {
	return "flag_" + strconv.Itoa(tick)
}

func (c *Tcp) PlaceFlag(ctx context.Context) (Verdict, error) {
	record := flagRecord{ID: uuid.NewString()}
	reply, err := c.exchange(ctx, fmt.Sprintf("PUT %s %s", record.ID, c.GetFlag(c.Tick, nil)))
	if err != nil {
		return VerdictDown, err
	}
	if reply != "OK" {
		return VerdictFaulty, nil
	}
	if err := c.StoreJSON(ctx, flagIdentifier(c.Tick), record); err != nil {
		return VerdictOK, fmt.Errorf("failed to store flag id: %w", err)
	}
	return VerdictOK, nil
}

func (c *Tcp) CheckService(ctx context.Context) (Verdict, error) {
	reply, err := c.exchange(ctx, "PING")
	if err != nil {
		return VerdictDown, err
	}
	if reply != "PONG" {
		return VerdictFaulty, nil
	}
	return VerdictOK, nil
}

func (c *Tcp) CheckFlag(ctx context.Context, tick int) (Verdict, error) {
	var record flagRecord
	ok, err := c.RetrieveJSON(ctx, flagIdentifier(tick), &record)
	if err != nil {
		return VerdictOK, fmt.Errorf("failed to load flag id: %w", err)
	}
	if !ok {
		// never placed, e.g. the service was down in that tick
		return VerdictOK, nil
	}

	reply, err := c.exchange(ctx, "GET "+record.ID)
	if err != nil {
		return VerdictDown, err
	}
	if reply != c.GetFlag(tick, nil) {
		return VerdictFlagNotFound, nil
	}
	return VerdictOK, nil
}

// exchange sends one request line and reads one reply line.
func (c *Tcp) exchange(ctx context.Context, request string) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.Target, strconv.Itoa(c.Port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", err
		}
	}

	if _, err := io.WriteString(conn, request+"\n"); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", err
		}
		if reply == "" {
			return "", io.ErrUnexpectedEOF
		}
	}
	return strings.TrimSpace(reply), nil
}
