package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const queueAlreadyExists = "QueueAlreadyExists"

// Resources names the Azure Storage tables and queues the service uses.
// Empty names are skipped.
type Resources struct {
	Tables []string
	Queues []string
}

// ProvisionResult lists resources as "table/<name>" or "queue/<name>".
type ProvisionResult struct {
	Created  []string
	Existing []string
}

type createFunc func(ctx context.Context, name string) error

// Provision creates the missing tables and queues. Running it twice is harmless.
func Provision(ctx context.Context, connStr string, res Resources) (ProvisionResult, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("table service: %w", err)
	}
	createTable := func(ctx context.Context, name string) error {
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		return err
	}
	createQueue := func(ctx context.Context, name string) error {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		return err
	}
	return provision(ctx, res, createTable, createQueue)
}

func provision(ctx context.Context, res Resources, createTable, createQueue createFunc) (ProvisionResult, error) {
	var out ProvisionResult
	steps := []struct {
		kind   string
		names  []string
		create createFunc
		exists string
	}{
		{"table", res.Tables, createTable, string(aztables.TableAlreadyExists)},
		{"queue", res.Queues, createQueue, queueAlreadyExists},
	}
	for _, s := range steps {
		seen := make(map[string]bool, len(s.names))
		for _, name := range s.names {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			id := s.kind + "/" + name
			err := s.create(ctx, name)
			switch {
			case err == nil:
				out.Created = append(out.Created, id)
			case alreadyExists(err, s.exists):
				out.Existing = append(out.Existing, id)
			default:
				return out, fmt.Errorf("create %s: %w", id, err)
			}
		}
	}
	return out, nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
