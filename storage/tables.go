package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"board-sync/domain"
)

// tableClient is the subset of *aztables.Client used for membership lookups.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// TableMembers answers board membership from an Azure Table keyed by
// PartitionKey=boardID, RowKey=userID. The table is owned by the workspace
// service.
type TableMembers struct {
	table tableClient
}

type memberEntity struct {
	aztables.Entity
	Role string `json:"Role"`
}

// NewTableMembers creates a membership directory backed by tableName.
func NewTableMembers(connStr, tableName string) (*TableMembers, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    10 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 2 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableMembers{table: svc.NewClient(tableName)}, nil
}

func (t *TableMembers) IsMember(ctx context.Context, boardID, userID string) (domain.Role, bool, error) {
	resp, err := t.table.GetEntity(ctx, boardID, userID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	var ent memberEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return "", false, err
	}
	role := domain.Role(ent.Role)
	if role == "" {
		role = domain.RoleMember
	}
	return role, true, nil
}
