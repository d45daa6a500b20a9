package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/corpix/uarand"
	"github.com/google/uuid"
)

// Web checks an HTTP flag store. Flags are PUT to and read back from
// <Path>/<id>; a GET of <Path>/ checks the service itself.
type Web struct {
	Base
	Port   int
	Scheme string
	Path   string
}

const maxBodySize = 1 << 20

func (c *Web) PlaceFlag(ctx context.Context) (Verdict, error) {
	record := flagRecord{ID: uuid.NewString()}
	status, _, err := c.do(ctx, http.MethodPut, record.ID, c.GetFlag(c.Tick, nil))
	if err != nil {
		return VerdictDown, err
	}
	if status < 200 || status > 299 {
		return VerdictFaulty, nil
	}
	if err := c.StoreJSON(ctx, flagIdentifier(c.Tick), record); err != nil {
		return VerdictOK, fmt.Errorf("failed to store flag id: %w", err)
	}
	return VerdictOK, nil
}

func (c *Web) CheckService(ctx context.Context) (Verdict, error) {
	status, _, err := c.do(ctx, http.MethodGet, "", "")
	if err != nil {
		return VerdictDown, err
	}
	if status != http.StatusOK {
		return VerdictFaulty, nil
	}
	return VerdictOK, nil
}

func (c *Web) CheckFlag(ctx context.Context, tick int) (Verdict, error) {
	var record flagRecord
	ok, err := c.RetrieveJSON(ctx, flagIdentifier(tick), &record)
	if err != nil {
		return VerdictOK, fmt.Errorf("failed to load flag id: %w", err)
	}
	if !ok {
		return VerdictOK, nil
	}

	status, body, err := c.do(ctx, http.MethodGet, record.ID, "")
	if err != nil {
		return VerdictDown, err
	}
	switch {
	case status == http.StatusNotFound:
		return VerdictFlagNotFound, nil
	case status != http.StatusOK:
		return VerdictFaulty, nil
	case strings.TrimSpace(string(body)) != c.GetFlag(tick, nil):
		return VerdictFlagNotFound, nil
	}
	return VerdictOK, nil
}

func (c *Web) do(ctx context.Context, method string, id string, body string) (int, []byte, error) {
	tr := &http.Transport{
		MaxIdleConns:      1,
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- team services use self-signed certificates
		},
	}
	client := &http.Client{Transport: tr}

	requestURL := fmt.Sprintf("%s://%s%s/%s", c.Scheme, net.JoinHostPort(c.Target, strconv.Itoa(c.Port)), c.Path, id)
	req, err := http.NewRequestWithContext(ctx, method, requestURL, strings.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("error creating web request: %w", err)
	}
	req.Header.Set("User-Agent", uarand.GetRandom())

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, content, nil
}
