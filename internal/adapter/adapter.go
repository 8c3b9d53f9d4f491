// Package adapter hosts the adapters that propose transactions on behalf of an
// installation, together with the registry and permission policy that decide
// which adapters may run.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ZKGuard-Chain/internal/policy"
)

// Permission names an on-chain action an adapter needs.
type Permission string

const (
	PermissionERC20Transfer  Permission = "erc20:transfer"
	PermissionNativeTransfer Permission = "native:transfer"
	PermissionContractCall   Permission = "contract:call"
)

// ProposalContext is everything an adapter sees when asked for a transaction.
type ProposalContext struct {
	UserAddress       common.Address
	SmartAccount      common.Address
	InstallationID    string
	Config            json.RawMessage
	Now               time.Time
	LastExecutionTime *time.Time
}

// Adapter proposes transactions for an installation. A nil intent with a nil
// error means nothing is due.
type Adapter interface {
	ID() string
	Description() string
	RequiredPermissions() []Permission
	ValidateConfig(cfg json.RawMessage) error
	ProposeTransaction(ctx context.Context, pctx ProposalContext) (*policy.TransactionIntent, error)
}

// Info is the listing form of an adapter.
type Info struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

func infoOf(a Adapter) Info {
	return Info{ID: a.ID(), Description: a.Description(), Permissions: a.RequiredPermissions()}
}
