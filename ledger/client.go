package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPC error codes the gateway node uses to classify submission failures.
const (
	rpcCodeMempoolFull    = -3100
	rpcCodeTxConflict     = -3200
	rpcCodeOutcomeUnknown = -3300
)

// RPCClient implements Gateway against the ledger gateway's JSON-RPC server.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient builds a client for the given gateway endpoint. The bearer
// token may be empty for unauthenticated local nodes.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// UnspentOutputs implements Gateway.
func (c *RPCClient) UnspentOutputs(ctx context.Context, address string) ([]UTXO, error) {
	params := map[string]string{"address": strings.TrimSpace(address)}
	var result []UTXO
	if err := c.call(ctx, "utxo_list", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SigningAddress implements Gateway.
func (c *RPCClient) SigningAddress(ctx context.Context) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "wallet_address", []interface{}{}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Address) == "" {
		return "", errors.New("ledger: gateway returned empty signing address")
	}
	return result.Address, nil
}

// Sign implements Gateway.
func (c *RPCClient) Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error) {
	if tx == nil {
		return nil, errors.New("ledger: transaction required")
	}
	var result SignedTx
	if err := c.call(ctx, "wallet_sign", []interface{}{tx}, &result); err != nil {
		return nil, err
	}
	if len(result.Payload) == 0 {
		return nil, errors.New("ledger: gateway returned empty signed transaction")
	}
	return &result, nil
}

// Submit implements Gateway. Network-level failures before a response is read
// are transient; timeouts after the request was written are ambiguous because
// the node may have accepted the transaction.
func (c *RPCClient) Submit(ctx context.Context, tx *SignedTx) (string, error) {
	if tx == nil {
		return "", errors.New("ledger: signed transaction required")
	}
	var result struct {
		TxID string `json:"txId"`
	}
	if err := c.call(ctx, "tx_submit", []interface{}{tx}, &result); err != nil {
		return "", classifySubmitError(err)
	}
	if strings.TrimSpace(result.TxID) == "" {
		return "", fmt.Errorf("%w: gateway returned empty transaction id", ErrAmbiguous)
	}
	return result.TxID, nil
}

func classifySubmitError(err error) error {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		switch rpcErr.code {
		case rpcCodeMempoolFull:
			return fmt.Errorf("%w: %s", ErrTransient, rpcErr.message)
		case rpcCodeOutcomeUnknown:
			return fmt.Errorf("%w: %s", ErrAmbiguous, rpcErr.message)
		default:
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// The request may have reached the node before the deadline hit.
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connection refused or reset before the request went out.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.status == http.StatusServiceUnavailable || statusErr.status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if statusErr.status >= 500 {
			return fmt.Errorf("%w: %v", ErrAmbiguous, err)
		}
	}
	return err
}

// rpcError preserves the node's error code for classification.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.code, e.message)
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("ledger: gateway returned status %d: %s", e.status, e.body)
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{status: resp.StatusCode, body: string(body)}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &rpcError{code: rpcResp.Error.Code, message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger: rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
