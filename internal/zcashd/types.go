package zcashd

import (
	"github.com/ZecPay/facilitator/internal/money"
)

// BlockChainInfo is the subset of the getblockchaininfo reply the facilitator
// reads.
type BlockChainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// Block is a verbose getblock reply (verbosity 2), transactions included.
type Block struct {
	Hash          string        `json:"hash"`
	Height        int64         `json:"height"`
	Confirmations int64         `json:"confirmations"`
	Time          int64         `json:"time"`
	Tx            []Transaction `json:"tx"`
}

// Transaction is a verbose transaction reply. Confirmations is populated by
// getrawtransaction; transactions embedded in a getblock reply carry the
// block's depth instead. Confirmations of -1 means the transaction was
// conflicted out of the chain.
type Transaction struct {
	TxID          string `json:"txid"`
	BlockHash     string `json:"blockhash"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	Time          int64  `json:"time"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
}

// Vin is a transparent input slot, referencing the output it spends.
// Coinbase inputs carry no txid; shielded spends do not appear here at all.
type Vin struct {
	TxID      string `json:"txid"`
	OutputIdx int    `json:"vout"`
}

// Vout is a transparent output slot. ValueZat is the integer amount; the
// float value field is ignored on purpose.
type Vout struct {
	N            int          `json:"n"`
	ValueZat     int64        `json:"valueZat"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey describes the locking script of an output.
type ScriptPubKey struct {
	Addresses []string `json:"addresses"`
	Type      string   `json:"type"`
}

// OutputsTo sums the transparent value this transaction pays to the address.
func (t *Transaction) OutputsTo(addr string) money.Zatoshi {
	var total money.Zatoshi
	for _, out := range t.Vout {
		for _, a := range out.ScriptPubKey.Addresses {
			if a == addr {
				total += money.Zatoshi(out.ValueZat)
				break
			}
		}
	}
	return total
}

// PaysAddress reports whether any output pays the address.
func (t *Transaction) PaysAddress(addr string) bool {
	return t.OutputsTo(addr) > 0
}

// AddressInfo is the reply of validateaddress and z_validateaddress.
type AddressInfo struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

// AddressBalance is the getaddressbalance reply, in zatoshis.
type AddressBalance struct {
	Balance  int64 `json:"balance"`
	Received int64 `json:"received"`
}
