package source

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

const maxResponseBytes = 8 << 20

type CanisterConfig struct {
	Gateway string        // base URL, e.g. https://gateway.example.org
	Timeout time.Duration // per request; 0 means 30s
}

// CanisterReader calls a paginated canister method through an HTTP JSON
// gateway:
//
//	POST {gateway}/canisters/{address}/{method}
//	{"offset": 10, "size": 5}
//
// The reply is {"ok": {"items": [...], "total": n}} or {"err": "message"}.
type CanisterReader struct {
	base *url.URL
	hc   *http.Client
	log  logx.Logger
}

func NewCanisterReader(cfg CanisterConfig, log logx.Logger) (*CanisterReader, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	raw := strings.TrimRight(strings.TrimSpace(cfg.Gateway), "/")
	if raw == "" {
		return nil, errors.WithHint(errors.New("source gateway is empty"), "set source.gateway in the config file")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse source gateway")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("source gateway scheme %q is not http(s)", u.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CanisterReader{
		base: u,
		hc:   &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type readRequest struct {
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

type readReply struct {
	OK *struct {
		Items []Record `json:"items"`
		Total uint32   `json:"total"`
	} `json:"ok"`
	Err *string `json:"err"`
}

func (r *CanisterReader) Read(ctx context.Context, typ job.Type, cursor, size uint32) (Page, error) {
	if typ.Kind != job.KindCanister || typ.Canister == nil {
		return Page{}, errors.Wrapf(ErrUnsupported, "%s", typ)
	}
	c := typ.Canister
	endpoint := r.base.JoinPath("canisters", c.Address, c.Method)

	body, err := json.Marshal(readRequest{Offset: cursor, Size: size})
	if err != nil {
		return Page{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.hc.Do(req)
	if err != nil {
		return Page{}, errors.Wrapf(err, "call %s.%s", c.Address, c.Method)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, errors.Wrapf(err, "read %s.%s reply", c.Address, c.Method)
	}
	if resp.StatusCode >= 300 {
		return Page{}, errors.Newf("call %s.%s: http %d: %s", c.Address, c.Method, resp.StatusCode, snippet(raw))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rep readReply
	if err := dec.Decode(&rep); err != nil {
		return Page{}, errors.Wrapf(err, "decode %s.%s reply", c.Address, c.Method)
	}
	if rep.Err != nil {
		return Page{}, errors.Newf("%s.%s: %s", c.Address, c.Method, *rep.Err)
	}
	if rep.OK == nil {
		return Page{}, errors.Newf("%s.%s: reply has neither ok nor err", c.Address, c.Method)
	}
	r.log.Debug("canister read",
		logx.String("canister", c.Address),
		logx.String("method", c.Method),
		logx.Uint32("offset", cursor),
		logx.Int("items", len(rep.OK.Items)),
		logx.Uint32("total", rep.OK.Total),
		logx.Duration("took", time.Since(start)),
	)
	return Page{Records: rep.OK.Items, Total: rep.OK.Total}, nil
}

const snippetMax = 200

// snippet trims an error body to at most snippetMax bytes, cut on a rune
// boundary.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= snippetMax {
		return s
	}
	n := snippetMax
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
