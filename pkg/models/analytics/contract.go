package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/precision"
)

type Deployment struct {
	ChainID     uint64     `json:"chainId,omitempty"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
	Deployer    string     `json:"deployer,omitempty"`
	DeployedAt  *time.Time `json:"deployedAt,omitempty"`
}

// ContractInfo is the descriptive part of a contract record. Empty fields leave the
// current value in place when applied as an update.
type ContractInfo struct {
	Name       string
	Type       string
	Deployment *Deployment
	Metadata   Metadata
}

// Contract aggregates all observed usage of one on-chain address.
//
// Interactors is the sorted set of wallets that have interacted; UniqueUsers is its size and
// therefore never decreases.
type Contract struct {
	Address           string            `json:"address"`
	Name              string            `json:"name,omitempty"`
	Type              string            `json:"type,omitempty"`
	Deployment        *Deployment       `json:"deployment,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	TotalInteractions uint64            `json:"totalInteractions"`
	UniqueUsers       uint64            `json:"uniqueUsers"`
	LastInteraction   *time.Time        `json:"lastInteraction,omitempty"`
	TotalGasUsed      string            `json:"totalGasUsed"`
	EventCounts       map[string]uint64 `json:"eventCounts,omitempty"`
	Interactors       []string          `json:"interactors,omitempty"`
	Metadata          Metadata          `json:"metadata,omitempty"`
	Applied           AppliedEvents     `json:"appliedEvents,omitempty"`
}

// ContractInteraction is one observed call into a contract.
type ContractInteraction struct {
	WalletAddress string
	EventName     string
	GasUsed       string
	At            time.Time
}

func (c Contract) EntityKind() EntityKind { return KindContract }
func (c Contract) EntityKey() string      { return c.Address }

func (c Contract) HasApplied(mark string) bool { return c.Applied.Has(mark) }

func (c Contract) WithApplied(mark string) Contract {
	c.Applied = c.Applied.With(mark)
	return c
}

func (c Contract) clone() Contract {
	if c.Deployment != nil {
		d := *c.Deployment
		if d.DeployedAt != nil {
			t := *d.DeployedAt
			d.DeployedAt = &t
		}
		c.Deployment = &d
	}
	if c.LastInteraction != nil {
		t := *c.LastInteraction
		c.LastInteraction = &t
	}
	c.EventCounts = cloneCountMap(c.EventCounts)
	c.Interactors = cloneStrings(c.Interactors)
	c.Metadata = c.Metadata.Clone()
	return c
}

// HasInteractor reports whether wallet already counts towards UniqueUsers.
func (c Contract) HasInteractor(wallet string) bool {
	i := sort.SearchStrings(c.Interactors, wallet)
	return i < len(c.Interactors) && c.Interactors[i] == wallet
}

func (c *Contract) addInteractor(wallet string) {
	i := sort.SearchStrings(c.Interactors, wallet)
	if i < len(c.Interactors) && c.Interactors[i] == wallet {
		return
	}
	c.Interactors = append(c.Interactors, "")
	copy(c.Interactors[i+1:], c.Interactors[i:])
	c.Interactors[i] = wallet
	c.UniqueUsers = uint64(len(c.Interactors))
}

func (c *Contract) touch(at time.Time) {
	if at.IsZero() {
		return
	}
	at = at.UTC()
	if c.LastInteraction == nil || at.After(*c.LastInteraction) {
		c.LastInteraction = &at
	}
}

// NewContract creates the record for a contract address with zeroed counters.
func NewContract(address string, info ContractInfo, at time.Time) (Contract, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return Contract{}, err
	}
	if err := info.Metadata.Validate(); err != nil {
		return Contract{}, err
	}
	c := Contract{
		Address:      addr,
		Name:         strings.TrimSpace(info.Name),
		Type:         strings.TrimSpace(info.Type),
		CreatedAt:    at.UTC(),
		TotalGasUsed: precision.Zero,
		Metadata:     info.Metadata.Clone(),
	}
	if info.Deployment != nil {
		d := *info.Deployment
		c.Deployment = &d
	}
	return c.clone(), nil
}

// ContractRecordInteraction counts one interaction, its emitting event and its gas.
func ContractRecordInteraction(c Contract, in ContractInteraction) (Contract, error) {
	out := c.clone()
	if in.GasUsed != "" {
		total, err := precision.Add(orZero(out.TotalGasUsed), in.GasUsed)
		if err != nil {
			return Contract{}, err
		}
		out.TotalGasUsed = total
	}
	if in.WalletAddress != "" {
		addr, err := NormalizeAddress(in.WalletAddress)
		if err != nil {
			return Contract{}, err
		}
		out.addInteractor(addr)
	}
	if name := strings.TrimSpace(in.EventName); name != "" {
		if out.EventCounts == nil {
			out.EventCounts = make(map[string]uint64)
		}
		out.EventCounts[name]++
	}
	out.TotalInteractions++
	out.touch(in.At)
	return out, nil
}

// ContractRecordTransaction adds the gas of a transaction sent to the contract. The sender
// counts as a user of the contract, but the transaction is not an extra interaction.
func ContractRecordTransaction(c Contract, wallet, gas string, at time.Time) (Contract, error) {
	out := c.clone()
	if gas != "" {
		total, err := precision.Add(orZero(out.TotalGasUsed), gas)
		if err != nil {
			return Contract{}, err
		}
		out.TotalGasUsed = total
	}
	if wallet != "" {
		addr, err := NormalizeAddress(wallet)
		if err != nil {
			return Contract{}, err
		}
		out.addInteractor(addr)
	}
	out.touch(at)
	return out, nil
}

// ContractUpdateInfo applies the non-empty fields of info and overlays its metadata.
func ContractUpdateInfo(c Contract, info ContractInfo) (Contract, error) {
	md, err := Overlay(c.Metadata, info.Metadata)
	if err != nil {
		return Contract{}, err
	}
	out := c.clone()
	if name := strings.TrimSpace(info.Name); name != "" {
		out.Name = name
	}
	if typ := strings.TrimSpace(info.Type); typ != "" {
		out.Type = typ
	}
	if info.Deployment != nil {
		d := *info.Deployment
		out.Deployment = &d
	}
	out.Metadata = md
	return out, nil
}

func ContractMergeMetadata(c Contract, patch Metadata) (Contract, error) {
	if len(patch) == 0 {
		return c.clone(), nil
	}
	return ContractUpdateInfo(c, ContractInfo{Metadata: patch})
}

// ValidateGas checks an optional gas amount before any state is touched.
func ValidateGas(gas string) error {
	if gas == "" {
		return nil
	}
	if !precision.Valid(gas) {
		return errs.InvalidNumericf("analytics.gas", "%q is not a non-negative base-10 integer", gas)
	}
	return nil
}
