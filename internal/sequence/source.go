package sequence

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ligun0805/strike-cluster/internal/router"
)

// RouterSource reads the account nonce through the endpoint router.
type RouterSource struct {
	Router  *router.Router
	Address common.Address
	Tag     string // "latest" unless set
}

func (s RouterSource) Current(ctx context.Context) (uint64, error) {
	tag := s.Tag
	if tag == "" {
		tag = "latest"
	}
	var n hexutil.Uint64
	if err := s.Router.Call(ctx, &n, "eth_getTransactionCount", s.Address, tag); err != nil {
		return 0, fmt.Errorf("read nonce of %s: %w", s.Address.Hex(), err)
	}
	return uint64(n), nil
}
