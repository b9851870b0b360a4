package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetSlot returns the current slot at the client's commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]string{"commitment": c.commitment},
	}
	result, err := c.call(ctx, "getSlot", params)
	if err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}

	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("unmarshal slot: %w", err)
	}
	return slot, nil
}

// GetSignaturesForAddress returns transaction signatures for an address.
// Results are returned newest-first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts *GetSignaturesOpts) ([]SignatureInfo, error) {
	config := map[string]interface{}{
		"commitment": c.commitment,
	}
	if opts != nil {
		if opts.Limit > 0 {
			config["limit"] = opts.Limit
		}
		if opts.Before != "" {
			config["before"] = opts.Before
		}
		if opts.Until != "" {
			config["until"] = opts.Until
		}
		if opts.MinContextSlot > 0 {
			config["minContextSlot"] = opts.MinContextSlot
		}
	}

	params := []interface{}{address, config}
	result, err := c.call(ctx, "getSignaturesForAddress", params)
	if err != nil {
		return nil, fmt.Errorf("getSignaturesForAddress: %w", err)
	}

	var sigs []SignatureInfo
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	return sigs, nil
}

type GetSignaturesOpts struct {
	Limit          int
	Before         string // signature to start searching backwards from
	Until          string // signature to search until (exclusive)
	MinContextSlot uint64
}

// GetTransaction returns the transaction with its log messages. A nil
// response with nil error means the node does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResponse, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}
	result, err := c.call(ctx, "getTransaction", params)
	if err != nil {
		return nil, fmt.Errorf("getTransaction(%s): %w", signature, err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var tx TransactionResponse
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", signature, err)
	}
	return &tx, nil
}
