package aggregate

import (
	"context"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/precision"
	"github.com/canopy-network/dappscope/pkg/store"
)

var ContractRankings = map[string]Compare[analytics.Contract]{
	"interactions": func(a, b analytics.Contract) int { return compareUint(a.TotalInteractions, b.TotalInteractions) },
	"unique_users": func(a, b analytics.Contract) int { return compareUint(a.UniqueUsers, b.UniqueUsers) },
	"gas":          func(a, b analytics.Contract) int { return precision.MustCompare(a.TotalGasUsed, b.TotalGasUsed) },
}

// ContractService keys contracts by normalized address.
type ContractService struct {
	*Service[analytics.Contract]
}

func NewContractService(st store.Store, opts Options) *ContractService {
	return &ContractService{Service: NewService[analytics.Contract](string(analytics.KindContract), st, opts)}
}

// Resolve returns the contract at address, registering it with info when first seen.
func (s *ContractService) Resolve(ctx context.Context, address string, info analytics.ContractInfo, at time.Time) (analytics.Contract, bool, error) {
	key, err := analytics.NormalizeAddress(address)
	if err != nil {
		return analytics.Contract{}, false, err
	}
	return s.Service.GetOrCreate(ctx, key, func() (analytics.Contract, error) {
		return analytics.NewContract(key, info, orNow(at, s.opts.Clock))
	})
}

func (s *ContractService) Lookup(ctx context.Context, address string) (analytics.Contract, error) {
	key, err := analytics.NormalizeAddress(address)
	if err != nil {
		return analytics.Contract{}, err
	}
	return s.Service.Get(ctx, key)
}

func (s *ContractService) apply(ctx context.Context, address, op string, fn func(analytics.Contract) (analytics.Contract, error)) (analytics.Contract, error) {
	key, err := analytics.NormalizeAddress(address)
	if err != nil {
		return analytics.Contract{}, err
	}
	return s.Service.Apply(ctx, key, op, fn)
}

func (s *ContractService) RecordInteraction(ctx context.Context, address string, in analytics.ContractInteraction) (analytics.Contract, error) {
	if err := analytics.ValidateGas(in.GasUsed); err != nil {
		return analytics.Contract{}, err
	}
	in.At = orNow(in.At, s.opts.Clock)
	return s.apply(ctx, address, "record_interaction", func(c analytics.Contract) (analytics.Contract, error) {
		return analytics.ContractRecordInteraction(c, in)
	})
}

func (s *ContractService) RecordTransaction(ctx context.Context, address, wallet, gas string, at time.Time) (analytics.Contract, error) {
	if err := analytics.ValidateGas(gas); err != nil {
		return analytics.Contract{}, err
	}
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, address, "record_transaction", func(c analytics.Contract) (analytics.Contract, error) {
		return analytics.ContractRecordTransaction(c, wallet, gas, at)
	})
}

func (s *ContractService) UpdateInfo(ctx context.Context, address string, info analytics.ContractInfo) (analytics.Contract, error) {
	return s.apply(ctx, address, "update_info", func(c analytics.Contract) (analytics.Contract, error) {
		return analytics.ContractUpdateInfo(c, info)
	})
}

func (s *ContractService) MergeMetadata(ctx context.Context, address string, patch analytics.Metadata) (analytics.Contract, error) {
	return s.apply(ctx, address, "merge_metadata", func(c analytics.Contract) (analytics.Contract, error) {
		return analytics.ContractMergeMetadata(c, patch)
	})
}

func (s *ContractService) TopBy(ctx context.Context, metric string, n int) ([]analytics.Contract, error) {
	cmp, ok := ContractRankings[metric]
	if !ok {
		return nil, errs.InvalidPayloadf("contract.top", "unknown contract metric %q", metric)
	}
	return s.Service.Top(ctx, n, cmp)
}
