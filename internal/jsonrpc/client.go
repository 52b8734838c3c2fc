package jsonrpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AuthHeader carries the relay-style body signature.
const AuthHeader = "X-Flashbots-Signature"

type request struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 160 {
		body = body[:160] + "…"
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// ErrEmptyResult is returned when neither result nor error is present.
var ErrEmptyResult = errors.New("jsonrpc: empty response")

type Client struct {
	URL     string
	AuthKey *ecdsa.PrivateKey // optional body signing key
	http    *http.Client
	ids     atomic.Uint64
}

// NewClient builds a client for one endpoint. The "auth:" URL prefix is
// stripped by the caller; authKey is only used when non-nil.
func NewClient(url string, authKey *ecdsa.PrivateKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		URL:     strings.TrimSpace(url),
		AuthKey: authKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SignBody returns the header value "<address>:<0x signature of keccak(body)>".
func SignBody(key *ecdsa.PrivateKey, body []byte) (string, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(crypto.Keccak256(body), key)
	if err != nil {
		return "", err
	}
	return addr.Hex() + ":" + hexutil.Encode(sig), nil
}

// VerifyBody checks a header produced by SignBody.
func VerifyBody(header string, body []byte) (common.Address, bool) {
	addrHex, sigHex, ok := strings.Cut(header, ":")
	if !ok || !common.IsHexAddress(addrHex) {
		return common.Address{}, false
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, false
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(body), sig)
	if err != nil {
		return common.Address{}, false
	}
	addr := crypto.PubkeyToAddress(*pub)
	return addr, addr == common.HexToAddress(addrHex)
}

// Call posts one request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{Jsonrpc: "2.0", Method: method, Params: params, ID: c.ids.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "strike-cluster/1.0")
	if c.AuthKey != nil {
		sig, err := SignBody(c.AuthKey, body)
		if err != nil {
			return nil, fmt.Errorf("sign body: %w", err)
		}
		req.Header.Set(AuthHeader, sig)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode/100 != 2 {
		// some nodes return a JSON-RPC error body with a 4xx status
		var out response
		if json.Unmarshal(raw, &out) == nil && out.Error != nil && resp.StatusCode != http.StatusTooManyRequests {
			return nil, out.Error
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &DecodeError{Method: method, Err: err}
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if len(out.Result) == 0 {
		return nil, ErrEmptyResult
	}
	return out.Result, nil
}

// DecodeError marks a malformed response body.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s response: %v", e.Method, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
