package zcashd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/money"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeNode is an httptest JSON-RPC server with canned per-method replies.
type fakeNode struct {
	t       *testing.T
	srv     *httptest.Server
	results map[string]any
	errors  map[string]rpcError
	calls   []rpcRequest
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	f := &fakeNode{
		t:       t,
		results: make(map[string]any),
		errors:  make(map[string]rpcError),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode rpc request: %v", err)
		return
	}
	f.calls = append(f.calls, req)

	resp := struct {
		Result any             `json:"result"`
		Error  *rpcError       `json:"error"`
		ID     json.RawMessage `json:"id"`
	}{ID: req.ID}

	if rpcErr, ok := f.errors[req.Method]; ok {
		resp.Error = &rpcErr
	} else if result, ok := f.results[req.Method]; ok {
		resp.Result = result
	} else {
		resp.Error = &rpcError{Code: -32601, Message: "Method not found"}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeNode) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(config.NodeConfig{
		RPCURL:      f.srv.URL,
		RPCUser:     "user",
		RPCPassword: "pass",
	}, "testnet", nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestBlockCount(t *testing.T) {
	node := newFakeNode(t)
	node.results["getblockcount"] = int64(2500100)
	c := node.client(t)

	count, err := c.BlockCount(context.Background())
	if err != nil {
		t.Fatalf("block count: %v", err)
	}
	if count != 2500100 {
		t.Errorf("expected 2500100, got %d", count)
	}
}

func TestBlockByHeight(t *testing.T) {
	node := newFakeNode(t)
	node.results["getblock"] = Block{
		Hash:          "00000abc",
		Height:        2500100,
		Confirmations: 4,
		Time:          1756000000,
		Tx: []Transaction{
			{
				TxID: "aa11",
				Vout: []Vout{
					{N: 0, ValueZat: 100000, ScriptPubKey: ScriptPubKey{Addresses: []string{"tmMerchant"}, Type: "pubkeyhash"}},
					{N: 1, ValueZat: 99000, ScriptPubKey: ScriptPubKey{Addresses: []string{"tmChange"}, Type: "pubkeyhash"}},
				},
			},
		},
	}
	c := node.client(t)

	block, err := c.BlockByHeight(context.Background(), 2500100)
	if err != nil {
		t.Fatalf("block by height: %v", err)
	}
	if block.Height != 2500100 || len(block.Tx) != 1 {
		t.Fatalf("unexpected block: %+v", block)
	}

	// Embedded transactions inherit the block's position and depth.
	tx := block.Tx[0]
	if tx.Height != 2500100 || tx.BlockHash != "00000abc" || tx.Confirmations != 4 {
		t.Errorf("tx did not inherit block position: %+v", tx)
	}
	if got := tx.OutputsTo("tmMerchant"); got != money.Zatoshi(100000) {
		t.Errorf("OutputsTo: expected 100000, got %d", got)
	}
	if tx.PaysAddress("tmOther") {
		t.Error("PaysAddress should be false for an unrelated address")
	}

	// The height argument is passed as a string, verbosity 2.
	req := node.calls[len(node.calls)-1]
	if req.Method != "getblock" || len(req.Params) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.Params[0]) != `"2500100"` || string(req.Params[1]) != "2" {
		t.Errorf("unexpected params: %s, %s", req.Params[0], req.Params[1])
	}
}

func TestTransactionByID(t *testing.T) {
	node := newFakeNode(t)
	node.results["getrawtransaction"] = Transaction{
		TxID:          "aa11",
		BlockHash:     "00000abc",
		Height:        2500100,
		Confirmations: 6,
		Vout: []Vout{
			{N: 0, ValueZat: 100000, ScriptPubKey: ScriptPubKey{Addresses: []string{"tmMerchant"}}},
		},
	}
	c := node.client(t)

	tx, err := c.TransactionByID(context.Background(), "aa11")
	if err != nil {
		t.Fatalf("transaction by id: %v", err)
	}
	if tx.Confirmations != 6 || tx.Height != 2500100 {
		t.Errorf("unexpected tx: %+v", tx)
	}
}

func TestTransactionByID_NotFound(t *testing.T) {
	node := newFakeNode(t)
	node.errors["getrawtransaction"] = rpcError{Code: -5, Message: "No information available about transaction"}
	c := node.client(t)

	_, err := c.TransactionByID(context.Background(), "deadbeef")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
}

func TestMempoolTxIDs(t *testing.T) {
	node := newFakeNode(t)
	node.results["getrawmempool"] = []string{"aa11", "bb22"}
	c := node.client(t)

	txids, err := c.MempoolTxIDs(context.Background())
	if err != nil {
		t.Fatalf("mempool: %v", err)
	}
	if len(txids) != 2 || txids[0] != "aa11" {
		t.Errorf("unexpected txids: %v", txids)
	}
}

func TestAddressBalance(t *testing.T) {
	node := newFakeNode(t)
	node.results["getaddressbalance"] = AddressBalance{Balance: 150000, Received: 250000}
	c := node.client(t)

	balance, err := c.AddressBalance(context.Background(), "tmMerchant")
	if err != nil {
		t.Fatalf("address balance: %v", err)
	}
	if balance != money.Zatoshi(150000) {
		t.Errorf("expected 150000, got %d", balance)
	}

	req := node.calls[len(node.calls)-1]
	if string(req.Params[0]) != `{"addresses":["tmMerchant"]}` {
		t.Errorf("unexpected params: %s", req.Params[0])
	}
}

func TestValidateAddress(t *testing.T) {
	node := newFakeNode(t)
	node.results["validateaddress"] = AddressInfo{IsValid: true, Address: "tmMerchant"}
	node.results["z_validateaddress"] = AddressInfo{IsValid: true, Address: "ztestsapling1abc", Type: "sapling"}
	c := node.client(t)

	info, err := c.ValidateAddress(context.Background(), "tmMerchant")
	if err != nil || !info.IsValid {
		t.Errorf("validateaddress: (%+v, %v)", info, err)
	}

	zinfo, err := c.ZValidateAddress(context.Background(), "ztestsapling1abc")
	if err != nil || !zinfo.IsValid || zinfo.Type != "sapling" {
		t.Errorf("z_validateaddress: (%+v, %v)", zinfo, err)
	}
}

func TestBlockChainInfoAndPing(t *testing.T) {
	node := newFakeNode(t)
	node.results["getblockchaininfo"] = BlockChainInfo{Chain: "test", Blocks: 2500100, BestBlockHash: "00000abc"}
	node.results["getblockcount"] = int64(2500100)
	c := node.client(t)

	info, err := c.BlockChainInfo(context.Background())
	if err != nil || info.Chain != "test" {
		t.Errorf("blockchaininfo: (%+v, %v)", info, err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
